package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/aeolun/musserver/pkg/locks"
)

// ScopeKind says which kind of record owns an attribute
type ScopeKind uint8

const (
	ScopeMovie ScopeKind = 1
	ScopeGroup ScopeKind = 2
	ScopeUser  ScopeKind = 3
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeMovie:
		return "movie"
	case ScopeGroup:
		return "group"
	case ScopeUser:
		return "user"
	default:
		return fmt.Sprintf("scope(%d)", uint8(k))
	}
}

// Scope addresses an attribute owner inside the caller's movie. Name is the
// group or user name and is ignored for ScopeMovie.
type Scope struct {
	Kind ScopeKind
	Name string
}

func (s Scope) String() string {
	if s.Kind == ScopeMovie {
		return "movie"
	}
	return s.Kind.String() + " " + s.Name
}

// Attribute is a stored value with its provenance
type Attribute struct {
	Key       string
	Value     []byte
	SetBy     string
	UpdatedAt time.Time
}

type attributes map[string]*Attribute

// AttributeInfo is an attribute read together with its lock state
type AttributeInfo struct {
	Attribute
	LockHolder string
}

// AttributeChange describes a set or delete and who should hear about it
type AttributeChange struct {
	Scope      Scope
	Key        string
	Value      []byte
	SetBy      string
	Deleted    bool
	Interested []uint64
}

// LockInfo describes a lock after a TryLock, granted or not
type LockInfo struct {
	Scope   Scope
	Key     string
	Holder  string
	Expires time.Time // zero = no expiry
}

// owner is a resolved scope: the attribute map plus the lock key parts
type owner struct {
	kind  ScopeKind
	id    uint64
	attrs attributes
	g     *group
	u     *user
}

func (m *movie) resolve(s Scope) (owner, error) {
	switch s.Kind {
	case ScopeMovie:
		return owner{kind: ScopeMovie, attrs: m.attrs}, nil
	case ScopeGroup:
		g := m.group(s.Name)
		if g == nil {
			return owner{}, fmt.Errorf("%w: group %q in movie %q", ErrNotFound, s.Name, m.name)
		}
		return owner{kind: ScopeGroup, id: uint64(g.id), attrs: g.attrs, g: g}, nil
	case ScopeUser:
		u := m.userByName(s.Name)
		if u == nil {
			return owner{}, fmt.Errorf("%w: user %q in movie %q", ErrNotFound, s.Name, m.name)
		}
		return owner{kind: ScopeUser, id: uint64(u.id), attrs: u.attrs, u: u}, nil
	default:
		return owner{}, fmt.Errorf("%w: unknown attribute scope %d", ErrMalformed, s.Kind)
	}
}

func (o owner) lockKey(key string) locks.Key {
	return locks.Key{Kind: uint8(o.kind), Owner: o.id, Name: key}
}

// interested returns who hears about changes to the owner's attributes:
// the movie for movie attributes, members for group attributes, and
// everyone sharing a group with the user for user attributes
func (m *movie) interested(o owner) []uint64 {
	switch o.kind {
	case ScopeGroup:
		return m.sessionsOf(o.g.members)
	case ScopeUser:
		ids := map[UserID]struct{}{o.u.id: {}}
		for gid := range o.u.groups {
			for id := range m.groups[gid].members {
				ids[id] = struct{}{}
			}
		}
		return m.sessionsOf(ids)
	default:
		return m.allSessions()
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty attribute key", ErrMalformed)
	}
	if len(key) > MaxNameLength {
		return fmt.Errorf("%w: attribute key longer than %d bytes", ErrMalformed, MaxNameLength)
	}
	return nil
}

// checkOwner refuses writes and locks on another user's attributes
func checkOwner(u *user, o owner) error {
	if o.kind == ScopeUser && o.u.id != u.id {
		return fmt.Errorf("%w: attributes of user %q belong to that user", ErrPermissionDenied, o.u.name)
	}
	return nil
}

// checkWrite enforces ownership of user attributes and the lock on key
func (m *movie) checkWrite(u *user, o owner, s Scope, key string, now time.Time) error {
	if err := checkOwner(u, o); err != nil {
		return err
	}
	if l, held := m.locks.Holder(o.lockKey(key), now); held && l.Holder != u.session {
		return fmt.Errorf("%w: %s attribute %q is held by %q", ErrLocked, s, key, m.holderName(l.Holder))
	}
	return nil
}

// GetAttribute reads one attribute
func (r *Registry) GetAttribute(h *Handle, s Scope, key string) (AttributeInfo, error) {
	if err := validateKey(key); err != nil {
		return AttributeInfo{}, err
	}

	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return AttributeInfo{}, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return AttributeInfo{}, err
	}
	a, ok := o.attrs[key]
	if !ok {
		return AttributeInfo{}, fmt.Errorf("%w: %s attribute %q", ErrNotFound, s, key)
	}

	info := AttributeInfo{Attribute: *a}
	info.Value = append([]byte(nil), a.Value...)
	if l, held := m.locks.Holder(o.lockKey(key), r.now()); held {
		info.LockHolder = m.holderName(l.Holder)
	}
	return info, nil
}

// SetAttribute stores value under key. It fails with ErrLocked while another
// session holds the key's lock and with ErrPermissionDenied when the scope
// is another user.
func (r *Registry) SetAttribute(h *Handle, s Scope, key string, value []byte) (AttributeChange, error) {
	if err := validateKey(key); err != nil {
		return AttributeChange{}, err
	}
	if limit := r.MaxAttributeSize(); limit > 0 && len(value) > limit {
		return AttributeChange{}, fmt.Errorf("%w (%d > %d bytes)", ErrValueTooLarge, len(value), limit)
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return AttributeChange{}, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return AttributeChange{}, err
	}
	if err := m.checkWrite(u, o, s, key, r.now()); err != nil {
		return AttributeChange{}, err
	}

	stored := append([]byte(nil), value...)
	o.attrs[key] = &Attribute{Key: key, Value: stored, SetBy: u.name, UpdatedAt: r.now()}
	return AttributeChange{
		Scope:      s,
		Key:        key,
		Value:      stored,
		SetBy:      u.name,
		Interested: m.interested(o),
	}, nil
}

// DeleteAttribute removes key under the same rules as SetAttribute
func (r *Registry) DeleteAttribute(h *Handle, s Scope, key string) (AttributeChange, error) {
	if err := validateKey(key); err != nil {
		return AttributeChange{}, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return AttributeChange{}, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return AttributeChange{}, err
	}
	if _, ok := o.attrs[key]; !ok {
		return AttributeChange{}, fmt.Errorf("%w: %s attribute %q", ErrNotFound, s, key)
	}
	if err := m.checkWrite(u, o, s, key, r.now()); err != nil {
		return AttributeChange{}, err
	}

	delete(o.attrs, key)
	return AttributeChange{
		Scope:      s,
		Key:        key,
		SetBy:      u.name,
		Deleted:    true,
		Interested: m.interested(o),
	}, nil
}

// AttributeNames lists the keys stored in one scope, sorted
func (r *Registry) AttributeNames(h *Handle, s Scope) ([]string, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return nil, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(o.attrs))
	for k := range o.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// TryLock claims key for the caller's session. ttl 0 applies the default
// ttl; a zero default means the lock only ends by unlock or teardown. The
// key does not need to exist yet. A denied attempt returns the current
// holder along with ErrLocked. Only the owner may lock user attributes.
func (r *Registry) TryLock(h *Handle, s Scope, key string, ttl time.Duration) (LockInfo, error) {
	if err := validateKey(key); err != nil {
		return LockInfo{}, err
	}
	if ttl <= 0 {
		ttl = r.DefaultLockTTL()
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return LockInfo{}, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return LockInfo{}, err
	}
	if err := checkOwner(u, o); err != nil {
		return LockInfo{}, err
	}

	l, granted := m.locks.TryLock(o.lockKey(key), u.session, ttl, r.now())
	info := LockInfo{Scope: s, Key: key, Holder: m.holderName(l.Holder), Expires: l.Expires}
	if !granted {
		return info, fmt.Errorf("%w: %s attribute %q is held by %q", ErrLocked, s, key, info.Holder)
	}
	return info, nil
}

// Unlock releases key if the caller holds it. For anyone else it reports
// false and leaves the lock alone.
func (r *Registry) Unlock(h *Handle, s Scope, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return false, err
	}
	o, err := m.resolve(s)
	if err != nil {
		return false, err
	}
	return m.locks.Unlock(o.lockKey(key), u.session, r.now()), nil
}

// SweepLocks drops expired locks in every movie and returns how many went
func (r *Registry) SweepLocks() int {
	r.mu.RLock()
	movies := make([]*movie, 0, len(r.movies))
	for _, m := range r.movies {
		movies = append(movies, m)
	}
	r.mu.RUnlock()

	now := r.now()
	swept := 0
	for _, m := range movies {
		m.mu.Lock()
		swept += len(m.locks.Sweep(now))
		m.mu.Unlock()
	}
	return swept
}

// MovieAttributes copies the movie-level attributes of a movie, sorted by key
func (r *Registry) MovieAttributes(name string) ([]Attribute, error) {
	m, err := r.lookupMovie(name)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Attribute, 0, len(m.attrs))
	for _, a := range m.attrs {
		c := *a
		c.Value = append([]byte(nil), a.Value...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// RestoreMovieAttributes loads previously saved movie-level attributes,
// replacing any with the same key
func (r *Registry) RestoreMovieAttributes(name string, attrs []Attribute) error {
	m, err := r.lookupMovie(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range attrs {
		if err := validateKey(a.Key); err != nil {
			return fmt.Errorf("failed to restore attribute: %w", err)
		}
		c := a
		c.Value = append([]byte(nil), a.Value...)
		m.attrs[a.Key] = &c
	}
	return nil
}
