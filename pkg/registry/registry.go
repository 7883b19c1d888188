// Package registry owns the Movie → Group → User tree and the attributes
// hanging off it.
//
// Every record is owned by the registry and addressed by id. Mutations of
// one movie, its groups, users, attributes and locks happen under that
// movie's mutex; the movie index has its own mutex and is never held while
// waiting on a movie. Mutations return the sessions interested in the change
// and never touch the network.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/musserver/pkg/locks"
)

// AllUsersGroup is the implicit group naming every user of a movie
const AllUsersGroup = "@AllUsers"

// MaxNameLength bounds movie, group, user and attribute names
const MaxNameLength = 255

// Policy decides a movie's lifetime
type Policy uint8

const (
	// PolicyOnJoin movies are created by the first join and destroyed when
	// the last user leaves
	PolicyOnJoin Policy = iota
	// PolicyPersistent movies live until the registry is reset
	PolicyPersistent
)

func (p Policy) String() string {
	if p == PolicyPersistent {
		return "persistent"
	}
	return "on-join"
}

type (
	MovieID uint64
	GroupID uint64
	UserID  uint64
)

// MovieOptions configure a movie when it is created
type MovieOptions struct {
	Policy       Policy
	MaxUsers     int // 0 = unlimited
	MaxGroupSize int // 0 = unlimited
}

// Options configure a Registry
type Options struct {
	AutoCreateMovies bool
	AutoCreateGroups bool
	MaxAttributeSize int
	DefaultLockTTL   time.Duration // 0 = locks never expire unless a ttl is given
	MaxUsersPerMovie int           // applied to movies created on join
	MaxGroupSize     int           // applied to movies created on join
	Now              func() time.Time
}

// Registry is the root of all shared state
type Registry struct {
	mu     sync.RWMutex
	movies map[string]*movie // folded name -> movie

	autoCreateMovies atomic.Bool
	autoCreateGroups atomic.Bool
	maxAttributeSize atomic.Int64
	defaultLockTTL   atomic.Int64
	maxUsers         atomic.Int64
	maxGroupSize     atomic.Int64

	nextMovie atomic.Uint64
	nextGroup atomic.Uint64
	nextUser  atomic.Uint64

	now func() time.Time
}

type movie struct {
	mu sync.RWMutex

	id           MovieID
	name         string
	policy       Policy
	maxUsers     int
	maxGroupSize int
	created      time.Time

	groups     map[GroupID]*group
	groupNames map[string]GroupID
	users      map[UserID]*user
	userNames  map[string]UserID
	bySession  map[uint64]UserID
	attrs      attributes
	locks      *locks.Table

	// set under mu, read without it by joiners deciding whether to retry
	destroyed atomic.Bool
}

type group struct {
	id         GroupID
	name       string
	persistent bool
	members    map[UserID]struct{}
	attrs      attributes
}

type user struct {
	id      UserID
	session uint64
	name    string
	joined  time.Time
	groups  map[GroupID]struct{}
	attrs   attributes
}

// Handle binds a logged-in session to its user record. Handles stay valid
// after the user leaves; operations on them then fail with ErrInvalidState.
type Handle struct {
	m       *movie
	id      UserID
	session uint64
	name    string
}

func (h *Handle) Movie() string   { return h.m.name }
func (h *Handle) UserName() string { return h.name }
func (h *Handle) UserID() UserID   { return h.id }
func (h *Handle) Session() uint64  { return h.session }

// MovieInfo is a point-in-time view of a movie
type MovieInfo struct {
	ID           MovieID
	Name         string
	Policy       Policy
	Users        int
	Groups       int
	MaxUsers     int
	MaxGroupSize int
}

// Departure describes everything LeaveMovie tore down
type Departure struct {
	Movie          string
	User           string
	Groups         []GroupDeparture
	ReleasedLocks  []locks.Key
	MovieDestroyed bool
}

// GroupDeparture lists who is left in a group the user was removed from
type GroupDeparture struct {
	Name      string
	Remaining []uint64
	Destroyed bool
}

// New creates an empty registry
func New(opts Options) *Registry {
	r := &Registry{
		movies: make(map[string]*movie),
		now:    opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.nextMovie.Store(1)
	r.nextGroup.Store(1)
	r.nextUser.Store(1)
	r.SetLimits(opts)
	return r
}

// SetLimits swaps the runtime limits. Movies that already exist keep their
// per-movie user and group limits.
func (r *Registry) SetLimits(opts Options) {
	r.autoCreateMovies.Store(opts.AutoCreateMovies)
	r.autoCreateGroups.Store(opts.AutoCreateGroups)
	r.maxAttributeSize.Store(int64(opts.MaxAttributeSize))
	r.defaultLockTTL.Store(int64(opts.DefaultLockTTL))
	r.maxUsers.Store(int64(opts.MaxUsersPerMovie))
	r.maxGroupSize.Store(int64(opts.MaxGroupSize))
}

// DefaultLockTTL returns the ttl applied to lock requests that give none
func (r *Registry) DefaultLockTTL() time.Duration {
	return time.Duration(r.defaultLockTTL.Load())
}

// MaxAttributeSize returns the largest accepted attribute value in bytes
func (r *Registry) MaxAttributeSize() int {
	return int(r.maxAttributeSize.Load())
}

func fold(name string) string {
	return strings.ToLower(name)
}

func validateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty %s name", ErrMalformed, kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s name longer than %d bytes", ErrMalformed, kind, MaxNameLength)
	}
	return nil
}

func (r *Registry) newMovie(name string, opts MovieOptions) *movie {
	return &movie{
		id:           MovieID(r.nextMovie.Add(1) - 1),
		name:         name,
		policy:       opts.Policy,
		maxUsers:     opts.MaxUsers,
		maxGroupSize: opts.MaxGroupSize,
		created:      r.now(),
		groups:       make(map[GroupID]*group),
		groupNames:   make(map[string]GroupID),
		users:        make(map[UserID]*user),
		userNames:    make(map[string]UserID),
		bySession:    make(map[uint64]UserID),
		attrs:        make(attributes),
		locks:        locks.NewTable(),
	}
}

// CreateOrGetMovie returns the named movie, creating it with opts if it
// does not exist. An existing movie with a different policy is a
// NameConflict.
func (r *Registry) CreateOrGetMovie(name string, opts MovieOptions) (MovieInfo, error) {
	if err := validateName("movie", name); err != nil {
		return MovieInfo{}, err
	}

	r.mu.Lock()
	m, ok := r.movies[fold(name)]
	if !ok || m.destroyed.Load() {
		m = r.newMovie(name, opts)
		r.movies[fold(name)] = m
	}
	r.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy != opts.Policy {
		return MovieInfo{}, fmt.Errorf("%w: movie %q exists with policy %s", ErrNameConflict, m.name, m.policy)
	}
	return m.info(), nil
}

// movieForJoin finds or creates the movie a session joins. The returned
// movie may be destroyed by the time the caller locks it; callers retry.
func (r *Registry) movieForJoin(name string) (*movie, error) {
	key := fold(name)

	r.mu.RLock()
	m, ok := r.movies[key]
	r.mu.RUnlock()
	if ok && !m.destroyed.Load() {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok = r.movies[key]
	if ok && !m.destroyed.Load() {
		return m, nil
	}
	if !r.autoCreateMovies.Load() {
		return nil, fmt.Errorf("%w: movie %q", ErrNotFound, name)
	}
	m = r.newMovie(name, MovieOptions{
		Policy:       PolicyOnJoin,
		MaxUsers:     int(r.maxUsers.Load()),
		MaxGroupSize: int(r.maxGroupSize.Load()),
	})
	r.movies[key] = m
	return m, nil
}

// JoinMovie logs session into movieName as userName
func (r *Registry) JoinMovie(session uint64, movieName, userName string) (*Handle, error) {
	if err := validateName("movie", movieName); err != nil {
		return nil, err
	}
	if err := validateName("user", userName); err != nil {
		return nil, err
	}

	for {
		m, err := r.movieForJoin(movieName)
		if err != nil {
			return nil, err
		}

		h, live, err := r.addUser(m, session, userName)
		if !live {
			// Lost the race against the last user leaving; the next lookup
			// replaces the dead movie
			continue
		}
		return h, err
	}
}

// addUser reports live=false when m was destroyed before the lock was taken
func (r *Registry) addUser(m *movie, session uint64, name string) (h *Handle, live bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed.Load() {
		return nil, false, nil
	}
	h, err = r.addUserLocked(m, session, name)
	return h, true, err
}

func (r *Registry) addUserLocked(m *movie, session uint64, name string) (*Handle, error) {
	if _, taken := m.userNames[fold(name)]; taken {
		return nil, fmt.Errorf("%w: user %q in movie %q", ErrNameInUse, name, m.name)
	}
	if _, dup := m.bySession[session]; dup {
		return nil, fmt.Errorf("%w: session %d already in movie %q", ErrInvalidState, session, m.name)
	}
	if m.maxUsers > 0 && len(m.users) >= m.maxUsers {
		return nil, fmt.Errorf("%w: movie %q is full (%d users)", ErrLimitExceeded, m.name, m.maxUsers)
	}

	u := &user{
		id:      UserID(r.nextUser.Add(1) - 1),
		session: session,
		name:    name,
		joined:  r.now(),
		groups:  make(map[GroupID]struct{}),
		attrs:   make(attributes),
	}
	m.users[u.id] = u
	m.userNames[fold(name)] = u.id
	m.bySession[session] = u.id

	return &Handle{m: m, id: u.id, session: session, name: name}, nil
}

// LeaveMovie removes the user from all groups and then from the movie,
// releasing its locks and destroying whatever became empty
func (r *Registry) LeaveMovie(h *Handle) (Departure, error) {
	m := h.m
	dep, err := m.removeUser(h)
	if err != nil {
		return Departure{}, err
	}

	if dep.MovieDestroyed {
		r.mu.Lock()
		if r.movies[fold(m.name)] == m {
			delete(r.movies, fold(m.name))
		}
		r.mu.Unlock()
	}
	return dep, nil
}

func (m *movie) removeUser(h *Handle) (Departure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return Departure{}, err
	}

	dep := Departure{Movie: m.name, User: u.name}
	for _, gid := range sortedGroupIDs(u.groups) {
		g := m.groups[gid]
		delete(g.members, u.id)
		gd := GroupDeparture{Name: g.name, Remaining: m.sessionsOf(g.members)}
		if len(g.members) == 0 && !g.persistent {
			m.destroyGroup(g)
			gd.Destroyed = true
		}
		dep.Groups = append(dep.Groups, gd)
	}

	dep.ReleasedLocks = m.locks.ReleaseHolder(u.session)
	m.locks.ReleaseOwner(uint8(ScopeUser), uint64(u.id))
	delete(m.users, u.id)
	delete(m.userNames, fold(u.name))
	delete(m.bySession, u.session)

	if len(m.users) == 0 && m.policy == PolicyOnJoin {
		m.destroyed.Store(true)
		dep.MovieDestroyed = true
	}
	return dep, nil
}

// Movie returns a snapshot of one movie
func (r *Registry) Movie(name string) (MovieInfo, error) {
	m, err := r.lookupMovie(name)
	if err != nil {
		return MovieInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info(), nil
}

// Movies returns a snapshot of every live movie ordered by name
func (r *Registry) Movies() []MovieInfo {
	r.mu.RLock()
	movies := make([]*movie, 0, len(r.movies))
	for _, m := range r.movies {
		movies = append(movies, m)
	}
	r.mu.RUnlock()

	infos := make([]MovieInfo, 0, len(movies))
	for _, m := range movies {
		m.mu.RLock()
		if !m.destroyed.Load() {
			infos = append(infos, m.info())
		}
		m.mu.RUnlock()
	}
	sort.Slice(infos, func(i, j int) bool { return fold(infos[i].Name) < fold(infos[j].Name) })
	return infos
}

// UserSession returns the session of a user, for paths that address users
// from outside a movie
func (r *Registry) UserSession(movieName, userName string) (uint64, error) {
	m, err := r.lookupMovie(movieName)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.userNames[fold(userName)]
	if !ok {
		return 0, fmt.Errorf("%w: user %q in movie %q", ErrNotFound, userName, m.name)
	}
	return m.users[id].session, nil
}

// LookupUser finds another user in the caller's movie and returns its
// session and canonical name
func (r *Registry) LookupUser(h *Handle, userName string) (uint64, string, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return 0, "", err
	}
	u := m.userByName(userName)
	if u == nil {
		return 0, "", fmt.Errorf("%w: user %q in movie %q", ErrNotFound, userName, m.name)
	}
	return u.session, u.name, nil
}

// MovieSessions returns the sessions of every user in a movie
func (r *Registry) MovieSessions(name string) ([]uint64, error) {
	m, err := r.lookupMovie(name)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allSessions(), nil
}

// Reset drops every movie. Handles into dropped movies turn invalid.
func (r *Registry) Reset() {
	r.mu.Lock()
	movies := r.movies
	r.movies = make(map[string]*movie)
	r.mu.Unlock()

	for _, m := range movies {
		m.mu.Lock()
		m.destroyed.Store(true)
		m.mu.Unlock()
	}
}

func (r *Registry) lookupMovie(name string) (*movie, error) {
	r.mu.RLock()
	m, ok := r.movies[fold(name)]
	r.mu.RUnlock()
	if !ok || m.destroyed.Load() {
		return nil, fmt.Errorf("%w: movie %q", ErrNotFound, name)
	}
	return m, nil
}

// user resolves a handle. Caller holds m.mu.
func (m *movie) user(h *Handle) (*user, error) {
	if m.destroyed.Load() {
		return nil, fmt.Errorf("%w: movie %q is gone", ErrInvalidState, m.name)
	}
	u, ok := m.users[h.id]
	if !ok {
		return nil, fmt.Errorf("%w: user %q has left movie %q", ErrInvalidState, h.name, m.name)
	}
	return u, nil
}

func (m *movie) info() MovieInfo {
	return MovieInfo{
		ID:           m.id,
		Name:         m.name,
		Policy:       m.policy,
		Users:        len(m.users),
		Groups:       len(m.groups),
		MaxUsers:     m.maxUsers,
		MaxGroupSize: m.maxGroupSize,
	}
}

func (m *movie) allSessions() []uint64 {
	sessions := make([]uint64, 0, len(m.users))
	for _, u := range m.users {
		sessions = append(sessions, u.session)
	}
	sortSessions(sessions)
	return sessions
}

func (m *movie) sessionsOf(ids map[UserID]struct{}) []uint64 {
	sessions := make([]uint64, 0, len(ids))
	for id := range ids {
		sessions = append(sessions, m.users[id].session)
	}
	sortSessions(sessions)
	return sessions
}

func (m *movie) holderName(session uint64) string {
	if id, ok := m.bySession[session]; ok {
		return m.users[id].name
	}
	return ""
}

func sortSessions(s []uint64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

func sortedGroupIDs(ids map[GroupID]struct{}) []GroupID {
	out := make([]GroupID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
