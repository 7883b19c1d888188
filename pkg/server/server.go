package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/musserver/pkg/database"
	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
	"github.com/cespare/xxhash/v2"
)

const (
	idleSweepInterval = 5 * time.Second
	shutdownNotice    = "Server shutting down"
	idleNotice        = "Login timeout"
)

// Version is reported to clients in ServerInfo. The binary overrides it.
var Version = "dev"

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server represents the multiuser server. It owns the registry and every
// live session.
type Server struct {
	registry    *registry.Registry
	db          *database.DB // nil without persistence
	accounts    *database.Accounts
	auditLog    *database.AuditLog
	auditFile   *os.File
	audit       *auditor
	auth        *Authenticator
	broadcaster *Broadcaster

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	sessions   *SessionManager
	config     ServerConfig
	configPath string
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	metrics    *Metrics
	startTime  time.Time

	idleTimeout      atomic.Int64 // time.Duration, swapped on config reload
	createGroupLevel atomic.Uint32
	allUsersLevel    atomic.Uint32

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64

	authFailuresMu sync.Mutex
	authFailures   map[string][]time.Time

	snapshotMu    sync.Mutex
	lastSnapshots map[string]uint64 // movie -> hash of the last saved attributes
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	s := &Server{
		registry:      registry.New(registryOptions(config)),
		sessions:      sessions,
		config:        config,
		configPath:    configPath,
		shutdown:      make(chan struct{}),
		metrics:       metrics,
		startTime:     time.Now(),
		authFailures:  make(map[string][]time.Time),
		lastSnapshots: make(map[string]uint64),
	}
	s.idleTimeout.Store(int64(config.IdleTimeout))
	s.createGroupLevel.Store(uint32(config.CreateGroupLevel))
	s.allUsersLevel.Store(uint32(config.AllUsersLevel))

	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.db = db
		s.auditLog = database.NewAuditLog(db, config.AuditFlushInterval)
		if config.AuthMode == AuthAccounts {
			s.accounts = database.NewAccounts(db, config.AccountCacheTTL, config.AutoRegister)
		}
	}

	auth, err := NewAuthenticator(config.AuthMode, s.accounts, config.TokenSecret)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	s.auth = auth

	var auditOut io.Writer = io.Discard
	if config.AuditLogPath != "" {
		f, err := os.OpenFile(config.AuditLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		s.auditFile = f
		auditOut = f
	}
	s.audit = newAuditor(auditOut, s.auditLog)

	s.broadcaster = NewBroadcaster(defaultBroadcastShards, metrics, func(sess *Session) {
		go s.closeSession(sess, protocol.MembershipDisconnected, "")
	})

	if err := s.restoreMovies(); err != nil {
		s.broadcaster.Close()
		s.closeStores()
		return nil, err
	}

	return s, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "musserver")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "musserver")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers points the error log at stderr and errors.log and the
// standard log at stdout and a fresh server.log. It returns the data
// directory the files live in.
func InitLoggers() (string, error) {
	dataDir, err := getServerDataDir()
	if err != nil {
		return "", err
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return "", err
	}

	// Startup marker separates runs in errors.log
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return "", err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// server.log only holds the current run
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return "", err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return dataDir, nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Registry exposes the shared state, mainly for embedding and tests
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Addr returns the TCP listen address once Start has run
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start starts the TCP, SSH, WebSocket and metrics listeners
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		metricsMux.HandleFunc("/announce", s.AnnounceHandler)
		metricsMux.HandleFunc("/kick", s.KickHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func(srv *http.Server) {
			log.Printf("Metrics server listening on %s (/metrics, /health, /announce, /kick) - INTERNAL ONLY", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}(s.metricsServer)
	}

	// Public HTTP server for the WebSocket transport
	if s.config.HTTPPort > 0 {
		publicMux := http.NewServeMux()
		publicMux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           publicMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func(srv *http.Server) {
			log.Printf("WebSocket server listening on %s (/ws)", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("WebSocket server error: %v", err)
			}
		}(s.httpServer)
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.sessionCleanupLoop()

	if s.config.LockSweepInterval > 0 {
		s.wg.Add(1)
		go s.lockSweepLoop()
	}

	if s.db != nil && len(s.config.Movies) > 0 && s.config.SnapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes every session through the normal teardown, flushes pending
// deliveries and persistent state, and releases the registry
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		log.Println("SSH listener closed")
	}
	if s.httpServer != nil {
		s.httpServer.Close()
		log.Println("WebSocket listener closed")
	}

	log.Println("Notifying connected clients of shutdown...")
	s.notifyClientsOfShutdown()

	// Queued notifications finish before the connections go away
	s.broadcaster.Close()
	s.sessions.CloseAll()

	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	var firstErr error
	if s.db != nil && len(s.config.Movies) > 0 {
		log.Println("Saving persistent movies...")
		if err := s.snapshotMovies(); err != nil {
			errorLog.Printf("Final snapshot failed: %v", err)
			firstErr = err
		}
	}
	s.registry.Reset()

	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
	if err := s.closeStores(); err != nil && firstErr == nil {
		firstErr = err
	}

	log.Println("Graceful shutdown complete")
	return firstErr
}

// closeStores releases the database side. Safe to call on a partially
// constructed server.
func (s *Server) closeStores() error {
	if s.accounts != nil {
		s.accounts.Close()
	}
	if s.auditLog != nil {
		s.auditLog.Close()
	}
	if s.auditFile != nil {
		s.auditFile.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			return err
		}
	}
	return nil
}

// notifyClientsOfShutdown closes every session with a Disconnect notice
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	log.Printf("Sending shutdown notification to %d sessions...", len(sessions))
	for _, sess := range sessions {
		s.closeSession(sess, protocol.MembershipDisconnected, shutdownNotice)
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection("tcp", conn, Identity{})
		}()
	}
}

// handleConnection registers a session for conn and runs its message loop
// until the connection ends. preauth is the identity the transport already
// authenticated, if any.
func (s *Server) handleConnection(transport string, conn net.Conn, preauth Identity) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(transport, conn, s.config.WriteTimeout)
	if preauth.Name != "" {
		sess.setPreauthenticated(preauth)
	}
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (session %d)", transport, sess.RemoteAddr, sess.ID)

	select {
	case <-s.shutdown:
		s.closeSession(sess, protocol.MembershipDisconnected, shutdownNotice)
		return
	default:
	}

	// SERVER_CONFIG goes out before anything else
	if err := s.sendServerConfig(sess); err != nil {
		debugLog.Printf("Session %d: failed to send server config: %v", sess.ID, err)
		s.closeSession(sess, protocol.MembershipDisconnected, "")
		return
	}

	s.messageLoop(sess)
}

// messageLoop reads and handles frames one at a time, so commands of one
// session are processed in arrival order
func (s *Server) messageLoop(sess *Session) {
	defer s.closeSession(sess, protocol.MembershipDisconnected, "")

	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			if sess.State() < StateClosing {
				if errors.Is(err, io.EOF) {
					debugLog.Printf("Session %d: Client disconnected (message loop read)", sess.ID)
				} else {
					debugLog.Printf("Session %d: Message loop read error: %v", sess.ID, err)
				}
			}
			return
		}

		sess.notePeerVersion(frame.Version)
		debugLog.Printf("Session %d ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID, frame.Type, frame.Flags, len(frame.Payload))
		s.metrics.RecordMessageReceived(messageTypeToString(frame.Type))

		if err := s.handleMessage(sess, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("Session %d disconnected gracefully", sess.ID)
				return
			}
			if sess.State() >= StateClosing {
				return
			}
			log.Printf("Session %d handle error: %v", sess.ID, err)
			if err := s.sendError(sess, frame.Type, protocol.ErrCodeInternalError, fmt.Sprintf("Internal error: %v", err)); err != nil {
				return
			}
		}
	}
}

// closeSession tears a session down: an optional Disconnect notice, then
// the registry departure and the membership notifications it causes.
// Only the first call for a session does anything.
func (s *Server) closeSession(sess *Session, reason uint8, notice string) {
	if !sess.beginClose() {
		return
	}

	if notice != "" {
		if err := s.sendMessage(sess, protocol.TypeDisconnect, &protocol.DisconnectMessage{Reason: notice}); err != nil {
			debugLog.Printf("Session %d: failed to send disconnect notice: %v", sess.ID, err)
		}
	}

	if h := sess.Handle(); h != nil {
		s.leaveMovie(sess, h, reason)
		sess.setHandle(nil)
	}

	if s.sessions.RemoveSession(sess.ID) {
		s.disconnectionsSinceReport.Add(1)
	}
	sess.Conn.Close()
	sess.transition(StateClosing, StateClosed)
	debugLog.Printf("Session %d closed", sess.ID)
}

// leaveMovie removes the user from its movie and tells the members left
// behind in each group and in the movie
func (s *Server) leaveMovie(sess *Session, h *registry.Handle, reason uint8) {
	dep, err := s.registry.LeaveMovie(h)
	if err != nil {
		debugLog.Printf("Session %d: leave movie: %v", sess.ID, err)
		return
	}

	for _, g := range dep.Groups {
		if len(g.Remaining) == 0 {
			continue
		}
		s.fanout(sess.ID, groupDest(dep.Movie, g.Name), "membership", g.Remaining, 0, protocol.TypeMembership, &protocol.MembershipMessage{
			Group:  g.Name,
			User:   dep.User,
			Reason: reason,
		})
	}

	if !dep.MovieDestroyed {
		if ids, err := s.registry.MovieSessions(dep.Movie); err == nil {
			s.fanout(sess.ID, groupDest(dep.Movie, registry.AllUsersGroup), "membership", ids, 0, protocol.TypeMembership, &protocol.MembershipMessage{
				Group:  registry.AllUsersGroup,
				User:   dep.User,
				Reason: reason,
			})
		}
	}

	detail := fmt.Sprintf("groups=%d locks=%d", len(dep.Groups), len(dep.ReleasedLocks))
	if dep.MovieDestroyed {
		detail += " movie destroyed"
	}
	s.audit.record("leave", sess, dep.Movie, dep.User, detail)
	log.Printf("Session %d: %s left movie %s", sess.ID, dep.User, dep.Movie)
}

// Kick closes the session of user in movie after sending it reason
func (s *Server) Kick(movie, user, reason string) error {
	id, err := s.registry.UserSession(movie, user)
	if err != nil {
		return err
	}
	sess, ok := s.sessions.GetSession(id)
	if !ok {
		return fmt.Errorf("%w: session %d of %q", registry.ErrNotFound, id, user)
	}
	s.audit.record("kick", sess, movie, user, reason)
	s.closeSession(sess, protocol.MembershipDisconnected, reason)
	return nil
}

// sendServerConfig sends the SERVER_CONFIG message to a session
func (s *Server) sendServerConfig(sess *Session) error {
	return s.sendMessage(sess, protocol.TypeServerConfig, &protocol.ServerConfigMessage{
		ProtocolVersion:    protocol.ProtocolVersion,
		AuthRequired:       s.auth.Required(),
		MaxAttributeSize:   uint32(s.registry.MaxAttributeSize()),
		DefaultLockTTLMs:   uint32(s.registry.DefaultLockTTL().Milliseconds()),
		IdleTimeoutSeconds: uint32(time.Duration(s.idleTimeout.Load()).Seconds()),
	})
}

// HealthHandler reports liveness and a few counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":       s.sessions.CountOnlineUsers(),
		"active":         s.sessions.CountActive(),
		"movies":         len(s.registry.Movies()),
	})
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.sessions.CountOnlineUsers()
			movies := len(s.registry.Movies())
			goroutines := runtime.NumGoroutine()
			s.metrics.RecordMovies(movies)

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active sessions: %d, movies: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, movies, connected, disconnected, goroutines)
		}
	}
}

// sessionCleanupLoop periodically closes sessions that never logged in
func (s *Server) sessionCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions closes sessions stuck before login for longer than
// the idle timeout
func (s *Server) cleanupIdleSessions() int {
	timeout := time.Duration(s.idleTimeout.Load())
	if timeout <= 0 {
		return 0
	}

	idle := s.sessions.IdleSessions(time.Now().Add(-timeout))
	for _, sess := range idle {
		debugLog.Printf("Closing idle session %d (no login for %v)", sess.ID, timeout)
		s.closeSession(sess, protocol.MembershipDisconnected, idleNotice)
	}
	return len(idle)
}

// lockSweepLoop drops expired attribute locks
func (s *Server) lockSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.LockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if n := s.registry.SweepLocks(); n > 0 {
				s.metrics.RecordLocksExpired(n)
				debugLog.Printf("Swept %d expired locks", n)
			}
		}
	}
}

// restoreMovies creates the configured persistent movies and loads their
// saved movie attributes
func (s *Server) restoreMovies() error {
	for _, mc := range s.config.Movies {
		info, err := s.registry.CreateOrGetMovie(mc.Name, registry.MovieOptions{
			Policy:       registry.PolicyPersistent,
			MaxUsers:     mc.MaxUsers,
			MaxGroupSize: mc.MaxGroupSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create movie %q: %w", mc.Name, err)
		}
		if s.db == nil {
			continue
		}

		stored, err := s.db.LoadMovieAttributes(info.Name)
		if err != nil {
			return err
		}
		attrs := make([]registry.Attribute, 0, len(stored))
		for _, a := range stored {
			attrs = append(attrs, registry.Attribute{
				Key:       a.Key,
				Value:     a.Value,
				SetBy:     a.SetBy,
				UpdatedAt: time.UnixMilli(a.UpdatedAt),
			})
		}
		if err := s.registry.RestoreMovieAttributes(info.Name, attrs); err != nil {
			return err
		}

		s.snapshotMu.Lock()
		s.lastSnapshots[info.Name] = hashAttributes(attrs)
		s.snapshotMu.Unlock()
		log.Printf("Movie %s ready with %d saved attributes", info.Name, len(attrs))
	}
	return nil
}

// snapshotLoop periodically saves the attributes of persistent movies
func (s *Server) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.snapshotMovies(); err != nil {
				errorLog.Printf("Snapshot failed: %v", err)
			}
		}
	}
}

// snapshotMovies saves every persistent movie whose attributes changed
// since the last save
func (s *Server) snapshotMovies() error {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	for _, mc := range s.config.Movies {
		info, err := s.registry.Movie(mc.Name)
		if err != nil {
			return err
		}
		attrs, err := s.registry.MovieAttributes(info.Name)
		if err != nil {
			return err
		}

		sum := hashAttributes(attrs)
		if prev, ok := s.lastSnapshots[info.Name]; ok && prev == sum {
			continue
		}

		stored := make([]database.StoredAttribute, 0, len(attrs))
		for _, a := range attrs {
			stored = append(stored, database.StoredAttribute{
				Key:       a.Key,
				Value:     a.Value,
				SetBy:     a.SetBy,
				UpdatedAt: a.UpdatedAt.UnixMilli(),
			})
		}
		if err := s.db.SaveMovieAttributes(info.Name, stored); err != nil {
			return err
		}
		s.lastSnapshots[info.Name] = sum
		debugLog.Printf("Saved %d attributes of movie %s", len(stored), info.Name)
	}
	return nil
}

// hashAttributes fingerprints a sorted attribute list
func hashAttributes(attrs []registry.Attribute) uint64 {
	d := xxhash.New()
	var ts [8]byte
	for _, a := range attrs {
		d.WriteString(a.Key)
		d.Write([]byte{0})
		d.Write(a.Value)
		d.Write([]byte{0})
		d.WriteString(a.SetBy)
		ms := a.UpdatedAt.UnixMilli()
		for i := range ts {
			ts[i] = byte(ms >> (8 * i))
		}
		d.Write(ts[:])
	}
	return d.Sum64()
}
