package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	r := New(Options{
		AutoCreateMovies: true,
		AutoCreateGroups: true,
		MaxAttributeSize: 1024,
		DefaultLockTTL:   30 * time.Second,
		Now:              clock.Now,
	})
	return r, clock
}

func join(t *testing.T, r *Registry, session uint64, movie, name string) *Handle {
	t.Helper()
	h, err := r.JoinMovie(session, movie, name)
	require.NoError(t, err)
	return h
}

func TestJoinMovieNameInUse(t *testing.T) {
	r, _ := newTestRegistry(t)

	alice := join(t, r, 1, "Lobby", "Alice")
	assert.Equal(t, "Lobby", alice.Movie())

	_, err := r.JoinMovie(2, "lobby", "alice")
	assert.ErrorIs(t, err, ErrNameInUse)

	bob, err := r.JoinMovie(2, "LOBBY", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Lobby", bob.Movie(), "movie keeps the name it was created with")

	info, err := r.Movie("lobby")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Users)
}

func TestJoinMovieValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		name  string
		movie string
		user  string
	}{
		{"empty movie", "", "Alice"},
		{"blank user", "Lobby", "   "},
		{"long user", "Lobby", string(make([]byte, MaxNameLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.JoinMovie(1, tt.movie, tt.user)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
	assert.Empty(t, r.Movies(), "failed joins must not leave movies behind")
}

func TestJoinMovieWithoutAutoCreate(t *testing.T) {
	r := New(Options{})

	_, err := r.JoinMovie(1, "Lobby", "Alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.CreateOrGetMovie("Lobby", MovieOptions{Policy: PolicyPersistent})
	require.NoError(t, err)
	_, err = r.JoinMovie(1, "Lobby", "Alice")
	assert.NoError(t, err)
}

func TestJoinMovieLimit(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.CreateOrGetMovie("Arena", MovieOptions{Policy: PolicyPersistent, MaxUsers: 1})
	require.NoError(t, err)

	join(t, r, 1, "Arena", "Alice")
	_, err = r.JoinMovie(2, "Arena", "Bob")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestJoinMovieSameSessionTwice(t *testing.T) {
	r, _ := newTestRegistry(t)
	join(t, r, 1, "Lobby", "Alice")

	_, err := r.JoinMovie(1, "Lobby", "Alias")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateOrGetMovie(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.CreateOrGetMovie("Arena", MovieOptions{Policy: PolicyPersistent})
	require.NoError(t, err)

	again, err := r.CreateOrGetMovie("ARENA", MovieOptions{Policy: PolicyPersistent})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = r.CreateOrGetMovie("arena", MovieOptions{Policy: PolicyOnJoin})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestLeaveMovieDestroysOnJoinMovie(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := join(t, r, 1, "Lobby", "Alice")
	bob := join(t, r, 2, "Lobby", "Bob")

	dep, err := r.LeaveMovie(alice)
	require.NoError(t, err)
	assert.False(t, dep.MovieDestroyed)

	dep, err = r.LeaveMovie(bob)
	require.NoError(t, err)
	assert.True(t, dep.MovieDestroyed)

	_, err = r.Movie("Lobby")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LeaveMovie(bob)
	assert.ErrorIs(t, err, ErrInvalidState, "second leave is rejected, not applied twice")
}

func TestPersistentMovieSurvivesEmpty(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.CreateOrGetMovie("Arena", MovieOptions{Policy: PolicyPersistent})
	require.NoError(t, err)

	h := join(t, r, 1, "Arena", "Alice")
	dep, err := r.LeaveMovie(h)
	require.NoError(t, err)
	assert.False(t, dep.MovieDestroyed)

	info, err := r.Movie("Arena")
	require.NoError(t, err)
	assert.Zero(t, info.Users)
}

func TestStaleHandleAfterMovieRecreated(t *testing.T) {
	r, _ := newTestRegistry(t)
	old := join(t, r, 1, "Lobby", "Alice")
	_, err := r.LeaveMovie(old)
	require.NoError(t, err)

	fresh := join(t, r, 2, "Lobby", "Alice")

	_, err = r.JoinGroup(old, "Main")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = r.JoinGroup(fresh, "Main")
	assert.NoError(t, err)
}

func TestUserSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	join(t, r, 42, "Lobby", "Alice")

	sess, err := r.UserSession("lobby", "ALICE")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sess)

	_, err = r.UserSession("Lobby", "Bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.UserSession("Nowhere", "Alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := join(t, r, 1, "Lobby", "Alice")
	join(t, r, 2, "Lobby", "Bob")
	join(t, r, 3, "Other", "Carol")

	sess, name, err := r.LookupUser(alice, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sess)
	assert.Equal(t, "Bob", name)

	// Users of other movies are invisible
	_, _, err = r.LookupUser(alice, "Carol")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LeaveMovie(alice)
	require.NoError(t, err)
	_, _, err = r.LookupUser(alice, "Bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMoviesAndReset(t *testing.T) {
	r, _ := newTestRegistry(t)
	join(t, r, 1, "b-movie", "Alice")
	h := join(t, r, 2, "A-Movie", "Bob")

	movies := r.Movies()
	require.Len(t, movies, 2)
	assert.Equal(t, "A-Movie", movies[0].Name)
	assert.Equal(t, "b-movie", movies[1].Name)

	sessions, err := r.MovieSessions("a-movie")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, sessions)

	r.Reset()
	assert.Empty(t, r.Movies())
	_, err = r.JoinGroup(h, "Main")
	assert.ErrorIs(t, err, ErrInvalidState)
}

// TestConcurrentJoinLeaveSameMovie hammers the destroy/recreate window: at
// every point each user must be in a live movie that the registry can find
func TestConcurrentJoinLeaveSameMovie(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				session := uint64(w*1000 + i + 1)
				h, err := r.JoinMovie(session, "Lobby", fmt.Sprintf("user-%d", session))
				if err != nil {
					failures.Add(1)
					continue
				}
				if _, err := r.JoinGroup(h, "Main"); err != nil {
					failures.Add(1)
				}
				if _, err := r.LeaveMovie(h); err != nil {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	_, err := r.Movie("Lobby")
	assert.ErrorIs(t, err, ErrNotFound, "movie is destroyed once everyone left")
}

func TestConcurrentJoinSameName(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	var won atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(session uint64) {
			defer wg.Done()
			if _, err := r.JoinMovie(session, "Lobby", "Alice"); err == nil {
				won.Add(1)
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, int64(1), won.Load())
}

func TestPanicDuringJoinReleasesMovie(t *testing.T) {
	clock := newFakeClock()
	var explode atomic.Bool
	r := New(Options{
		AutoCreateMovies: true,
		Now: func() time.Time {
			if explode.Load() {
				panic("clock failure")
			}
			return clock.Now()
		},
	})
	alice := join(t, r, 1, "Lobby", "Alice")

	explode.Store(true)
	assert.Panics(t, func() { r.JoinMovie(2, "Lobby", "Bob") })
	explode.Store(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		join(t, r, 3, "Lobby", "Carol")
		_, err := r.LeaveMovie(alice)
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("movie stayed locked after a panic")
	}
}
