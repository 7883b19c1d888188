package database

import (
	"fmt"
)

// StoredAttribute is a movie attribute as kept between restarts
type StoredAttribute struct {
	Key       string
	Value     []byte
	SetBy     string
	UpdatedAt int64 // unix millis
}

// SaveMovieAttributes replaces the stored attributes of a movie with attrs
func (db *DB) SaveMovieAttributes(movie string, attrs []StoredAttribute) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM MovieAttribute WHERE movie = ?`, movie); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear attributes of %s: %w", movie, err)
	}

	for _, a := range attrs {
		if _, err := tx.Exec(`
			INSERT INTO MovieAttribute (movie, key, value, set_by, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, movie, a.Key, a.Value, a.SetBy, a.UpdatedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save attribute %s of %s: %w", a.Key, movie, err)
		}
	}

	return tx.Commit()
}

// LoadMovieAttributes returns the stored attributes of a movie ordered by key
func (db *DB) LoadMovieAttributes(movie string) ([]StoredAttribute, error) {
	rows, err := db.conn.Query(`
		SELECT key, value, set_by, updated_at
		FROM MovieAttribute
		WHERE movie = ?
		ORDER BY key
	`, movie)
	if err != nil {
		return nil, fmt.Errorf("failed to load attributes of %s: %w", movie, err)
	}
	defer rows.Close()

	var attrs []StoredAttribute
	for rows.Next() {
		var a StoredAttribute
		if err := rows.Scan(&a.Key, &a.Value, &a.SetBy, &a.UpdatedAt); err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}
