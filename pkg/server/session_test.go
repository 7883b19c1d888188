package server

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSession registers one end of a net.Pipe and returns the other end
func pipeSession(t *testing.T, sm *SessionManager) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return sm.CreateSession("tcp", server, time.Second), client
}

func TestCreateSessionAssignsUniqueIDs(t *testing.T) {
	sm := NewSessionManager()

	a, _ := pipeSession(t, sm)
	b, _ := pipeSession(t, sm)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, "tcp", a.Transport)
	assert.EqualValues(t, 2, sm.CountOnlineUsers())

	got, ok := sm.GetSession(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
}

func TestSessionTransitions(t *testing.T) {
	sm := NewSessionManager()
	sess, _ := pipeSession(t, sm)

	assert.False(t, sess.transition(StateAuthenticating, StateActive), "wrong source state")
	require.True(t, sess.transition(StateConnected, StateAuthenticating))
	require.True(t, sess.transition(StateAuthenticating, StateActive))
	assert.Equal(t, 1, sm.CountActive())

	require.True(t, sess.beginClose())
	assert.Equal(t, StateClosing, sess.State())
	assert.False(t, sess.beginClose(), "second close loses")
	assert.Equal(t, 0, sm.CountActive())
}

func TestBeginCloseHasOneWinner(t *testing.T) {
	sm := NewSessionManager()
	sess, _ := pipeSession(t, sm)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sess.beginClose() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
}

func TestGetSessionsSkipsMissing(t *testing.T) {
	sm := NewSessionManager()
	a, _ := pipeSession(t, sm)
	b, _ := pipeSession(t, sm)

	require.True(t, sm.RemoveSession(b.ID))
	assert.False(t, sm.RemoveSession(b.ID), "already removed")

	got := sm.GetSessions([]uint64{a.ID, b.ID, 999})
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestIdleSessionsOnlyReturnsPreLogin(t *testing.T) {
	sm := NewSessionManager()
	waiting, _ := pipeSession(t, sm)
	active, _ := pipeSession(t, sm)
	require.True(t, active.transition(StateConnected, StateAuthenticating))
	require.True(t, active.transition(StateAuthenticating, StateActive))

	assert.Empty(t, sm.IdleSessions(waiting.ConnectedAt.Add(-time.Second)), "nobody is older than the cutoff")

	idle := sm.IdleSessions(time.Now().Add(time.Second))
	require.Len(t, idle, 1)
	assert.Equal(t, waiting.ID, idle[0].ID)
}

func TestCloseAllClosesConnections(t *testing.T) {
	sm := NewSessionManager()
	sess, client := pipeSession(t, sm)

	sm.CloseAll()

	assert.Equal(t, StateClosed, sess.State())
	assert.EqualValues(t, 0, sm.CountOnlineUsers())

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err, "peer sees the close")
}

func TestPreauthenticatedName(t *testing.T) {
	sess := &Session{}
	assert.Empty(t, sess.Preauthenticated().Name)
	sess.setPreauthenticated(Identity{Name: "alice", Level: 20})
	assert.Equal(t, Identity{Name: "alice", Level: 20}, sess.Preauthenticated())
	assert.Empty(t, sess.UserName(), "no handle before login")
	assert.Zero(t, sess.Level(), "no level before login")
}
