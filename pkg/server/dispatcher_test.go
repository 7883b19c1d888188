package server

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aeolun/musserver/pkg/protocol"
	"github.com/aeolun/musserver/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code uint16
	}{
		{registry.ErrMalformed, protocol.ErrCodeMalformedCommand},
		{registry.ErrValueTooLarge, protocol.ErrCodeValueTooLarge},
		{registry.ErrInvalidState, protocol.ErrCodeInvalidState},
		{registry.ErrPermissionDenied, protocol.ErrCodePermissionDenied},
		{registry.ErrNotFound, protocol.ErrCodeNotFound},
		{registry.ErrLimitExceeded, protocol.ErrCodeLimitExceeded},
		{registry.ErrNameInUse, protocol.ErrCodeNameInUse},
		{registry.ErrNameConflict, protocol.ErrCodeNameConflict},
		{registry.ErrLocked, protocol.ErrCodeLocked},
		{errDatabase, protocol.ErrCodeDatabaseError},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("%w: with detail", tt.err)
		code, ok := errorCode(wrapped)
		require.True(t, ok, "%v", tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
	}

	_, ok := errorCode(errors.New("disk on fire"))
	assert.False(t, ok, "unknown errors are internal")
}

// newTestServer builds a server without listeners
func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SSHPort = 0
	srv, err := NewServer(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestCleanupIdleSessionsClosesPreLogin(t *testing.T) {
	srv := newTestServer(t)
	sess, client := pipeSession(t, srv.sessions)
	frames := collect(client)

	srv.idleTimeout.Store(int64(time.Hour))
	assert.Zero(t, srv.cleanupIdleSessions(), "nobody is idle yet")

	srv.idleTimeout.Store(int64(time.Nanosecond))
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, srv.cleanupIdleSessions())

	select {
	case f := <-frames:
		require.Equal(t, uint8(protocol.TypeDisconnect), f.Type)
		var dm protocol.DisconnectMessage
		require.NoError(t, dm.Decode(f.Payload))
		assert.Equal(t, idleNotice, dm.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect notice")
	}

	assert.Equal(t, StateClosed, sess.State())
	_, ok := srv.sessions.GetSession(sess.ID)
	assert.False(t, ok)
}

func TestHandleMessageDropsFramesOfClosingSession(t *testing.T) {
	srv := newTestServer(t)
	sess, _ := pipeSession(t, srv.sessions)
	require.True(t, sess.beginClose())

	payload, err := (&protocol.PingMessage{Timestamp: 1}).Encode()
	require.NoError(t, err)

	// Nothing is written, so the unread pipe cannot block this
	err = srv.handleMessage(sess, &protocol.Frame{Version: protocol.ProtocolVersion, Type: protocol.TypePing, Payload: payload})
	assert.NoError(t, err)
}

func TestHashAttributesDetectsChanges(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	base := []registry.Attribute{{Key: "motd", Value: []byte("hi"), SetBy: "alice", UpdatedAt: at}}

	same := []registry.Attribute{{Key: "motd", Value: []byte("hi"), SetBy: "alice", UpdatedAt: at}}
	assert.Equal(t, hashAttributes(base), hashAttributes(same))

	changed := []registry.Attribute{{Key: "motd", Value: []byte("ho"), SetBy: "alice", UpdatedAt: at}}
	assert.NotEqual(t, hashAttributes(base), hashAttributes(changed))

	shifted := []registry.Attribute{{Key: "mot", Value: []byte("dhi"), SetBy: "alice", UpdatedAt: at}}
	assert.NotEqual(t, hashAttributes(base), hashAttributes(shifted), "field boundaries count")
}
