package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/musserver/pkg/registry"
	"github.com/google/uuid"
)

// SessionState is the lifecycle position of a session
type SessionState int32

const (
	StateConnected SessionState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an active client connection
type Session struct {
	ID          uint64
	Token       string    // Random per-connection token, echoed in the login response and audit records
	Conn        *SafeConn // Connection with automatic write synchronization
	RemoteAddr  string
	Transport   string // tcp, ssh or websocket
	ConnectedAt time.Time

	state           atomic.Int32
	protocolVersion atomic.Uint32 // Version byte of the last frame the peer sent

	mu       sync.RWMutex     // Protects handle, level and preauth
	handle   *registry.Handle // Set while the session is Active
	level    uint8            // Account level granted at login
	preauth  Identity         // Identity already proven by the transport (SSH)
	joinedAt time.Time
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// transition moves the session from one state to another. It fails when the
// session is not in the expected state.
func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// beginClose moves any live session to Closing. Only the first caller wins,
// which keeps teardown idempotent.
func (s *Session) beginClose() bool {
	for {
		cur := s.State()
		if cur >= StateClosing {
			return false
		}
		if s.transition(cur, StateClosing) {
			return true
		}
	}
}

// Handle returns the registry handle of a logged-in session, or nil
func (s *Session) Handle() *registry.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

func (s *Session) setHandle(h *registry.Handle) {
	s.mu.Lock()
	s.handle = h
	if h != nil {
		s.joinedAt = time.Now()
	}
	s.mu.Unlock()
}

// UserName returns the logged-in user name, or "" before login
func (s *Session) UserName() string {
	if h := s.Handle(); h != nil {
		return h.UserName()
	}
	return ""
}

// Movie returns the movie the session is logged into, or ""
func (s *Session) Movie() string {
	if h := s.Handle(); h != nil {
		return h.Movie()
	}
	return ""
}

// Level returns the account level granted at login, 0 before login
func (s *Session) Level() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

func (s *Session) setLevel(level uint8) {
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Preauthenticated returns the identity the transport already authenticated
func (s *Session) Preauthenticated() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preauth
}

func (s *Session) setPreauthenticated(id Identity) {
	s.mu.Lock()
	s.preauth = id
	s.mu.Unlock()
}

// ProtocolVersion returns the protocol version the peer speaks
func (s *Session) ProtocolVersion() uint8 {
	return uint8(s.protocolVersion.Load())
}

func (s *Session) notePeerVersion(v uint8) {
	s.protocolVersion.Store(uint32(v))
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection in the Connected state
func (sm *SessionManager) CreateSession(transport string, conn net.Conn, writeTimeout time.Duration) *Session {
	// Allocate session ID atomically (no lock needed)
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:          sessionID,
		Token:       uuid.NewString(),
		Conn:        NewSafeConn(conn, writeTimeout),
		RemoteAddr:  conn.RemoteAddr().String(),
		Transport:   transport,
		ConnectedAt: time.Now(),
	}
	sess.state.Store(int32(StateConnected))

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated(transport)

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetSessions resolves ids to live sessions, skipping ids that are gone
func (sm *SessionManager) GetSessions(ids []uint64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := sm.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession drops a session from the table. It reports false when the
// session was already gone.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionDisconnected(sess.Transport)
	return true
}

// IdleSessions returns sessions that never logged in and connected before
// cutoff
func (sm *SessionManager) IdleSessions(cutoff time.Time) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var idle []*Session
	for _, sess := range sm.sessions {
		st := sess.State()
		if (st == StateConnected || st == StateAuthenticating) && sess.ConnectedAt.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}

// CountOnlineUsers returns the number of currently connected sessions
func (sm *SessionManager) CountOnlineUsers() uint32 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return uint32(len(sm.sessions))
}

// CountActive returns the number of logged-in sessions
func (sm *SessionManager) CountActive() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	n := 0
	for _, sess := range sm.sessions {
		if sess.State() == StateActive {
			n++
		}
	}
	return n
}

// CloseAll closes every remaining connection and empties the table
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
		sess.state.Store(int32(StateClosed))
	}

	sm.sessions = make(map[uint64]*Session)
}
