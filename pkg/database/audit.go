package database

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEvent is one row of the audit trail
type AuditEvent struct {
	ID        string
	Kind      string
	Movie     string
	User      string
	Detail    string
	CreatedAt int64
}

// AuditLog buffers audit events and writes them in batches
type AuditLog struct {
	db       *DB
	mu       sync.Mutex
	pending  []AuditEvent
	interval time.Duration
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewAuditLog starts a buffered audit writer flushing every interval
func NewAuditLog(db *DB, interval time.Duration) *AuditLog {
	a := &AuditLog{
		db:       db,
		interval: interval,
		shutdown: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushLoop()
	return a
}

// Record queues an event. It never blocks on SQLite.
func (a *AuditLog) Record(kind, movie, user, detail string) string {
	ev := AuditEvent{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Movie:     movie,
		User:      user,
		Detail:    detail,
		CreatedAt: nowMillis(),
	}
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	a.mu.Unlock()
	return ev.ID
}

func (a *AuditLog) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Flush(); err != nil {
				log.Printf("AuditLog: flush failed: %v", err)
			}
		case <-a.shutdown:
			if err := a.Flush(); err != nil {
				log.Printf("AuditLog: final flush failed: %v", err)
			}
			return
		}
	}
}

// Flush writes every queued event in one transaction
func (a *AuditLog) Flush() error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	tx, err := a.db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO AuditEvent (id, kind, movie, user_name, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		if _, err := stmt.Exec(ev.ID, ev.Kind, ev.Movie, ev.User, ev.Detail, ev.CreatedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}
	return tx.Commit()
}

// Close flushes what is left and stops the writer
func (a *AuditLog) Close() {
	close(a.shutdown)
	a.wg.Wait()
}

// RecentAuditEvents returns the newest events, newest first
func (db *DB) RecentAuditEvents(limit int) ([]AuditEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, movie, user_name, detail, created_at
		FROM AuditEvent
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Movie, &ev.User, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
