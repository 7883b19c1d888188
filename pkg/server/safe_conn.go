package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
)

// SafeConn wraps a net.Conn so that request handlers and broadcast workers
// can write to the same connection without interleaving frame bytes.
// Every write is bounded by a deadline so one stalled peer cannot hold a
// broadcast shard forever.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a net.Conn with write synchronization. A zero timeout
// leaves writes unbounded.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (sc *SafeConn) armDeadline() {
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
}

// EncodeFrame encodes and sends a protocol frame.
// Optional peerVersion controls compression (see protocol.EncodeFrame).
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame, peerVersion ...uint8) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.armDeadline()
	return protocol.EncodeFrame(sc.conn, frame, peerVersion...)
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// WriteBytes writes a pre-encoded frame
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.armDeadline()
	if _, err := sc.conn.Write(data); err != nil {
		return err
	}
	return sc.flush()
}

func (sc *SafeConn) flush() error {
	if fl, ok := sc.conn.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// flusher is implemented by connections that batch writes into messages
type flusher interface {
	Flush() error
}
