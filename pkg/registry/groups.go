package registry

import (
	"fmt"
	"sort"
)

// GroupInfo is a point-in-time view of a group
type GroupInfo struct {
	ID         GroupID
	Name       string
	Members    int
	Persistent bool
}

// GroupJoin reports the outcome of JoinGroup. Interested holds the other
// members at the time of the join.
type GroupJoin struct {
	Group      GroupInfo
	Created    bool
	Already    bool
	Interested []uint64
}

// GroupLeave reports the outcome of LeaveGroup. Interested holds the
// members left behind.
type GroupLeave struct {
	Group      string
	WasMember  bool
	Destroyed  bool
	Interested []uint64
}

// IsAllUsers reports whether name refers to the implicit movie-wide group
func IsAllUsers(name string) bool {
	return fold(name) == fold(AllUsersGroup)
}

func validateGroupName(name string) error {
	if err := validateName("group", name); err != nil {
		return err
	}
	if IsAllUsers(name) {
		return fmt.Errorf("%w: %s is reserved", ErrPermissionDenied, AllUsersGroup)
	}
	return nil
}

// CreateGroup creates a group that lives as long as its movie
func (r *Registry) CreateGroup(h *Handle, name string) (GroupInfo, error) {
	if err := validateGroupName(name); err != nil {
		return GroupInfo{}, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(h); err != nil {
		return GroupInfo{}, err
	}
	if _, exists := m.groupNames[fold(name)]; exists {
		return GroupInfo{}, fmt.Errorf("%w: group %q exists in movie %q", ErrNameConflict, name, m.name)
	}
	return r.addGroup(m, name, true).info(), nil
}

// CreateOrGetGroup returns the named group, creating a persistent one if
// needed
func (r *Registry) CreateOrGetGroup(h *Handle, name string) (GroupInfo, bool, error) {
	if err := validateGroupName(name); err != nil {
		return GroupInfo{}, false, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.user(h); err != nil {
		return GroupInfo{}, false, err
	}
	if g := m.group(name); g != nil {
		return g.info(), false, nil
	}
	return r.addGroup(m, name, true).info(), true, nil
}

// JoinGroup adds the user to a group. Joining twice is a no-op.
func (r *Registry) JoinGroup(h *Handle, name string) (GroupJoin, error) {
	return r.joinGroup(h, name, r.autoCreateGroups.Load())
}

// JoinExistingGroup is JoinGroup without auto-creation
func (r *Registry) JoinExistingGroup(h *Handle, name string) (GroupJoin, error) {
	return r.joinGroup(h, name, false)
}

func (r *Registry) joinGroup(h *Handle, name string, create bool) (GroupJoin, error) {
	if err := validateGroupName(name); err != nil {
		return GroupJoin{}, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return GroupJoin{}, err
	}

	var res GroupJoin
	g := m.group(name)
	if g == nil {
		if !create {
			return GroupJoin{}, fmt.Errorf("%w: group %q in movie %q", ErrNotFound, name, m.name)
		}
		g = r.addGroup(m, name, false)
		res.Created = true
	}

	if _, ok := g.members[u.id]; ok {
		res.Already = true
	} else {
		if m.maxGroupSize > 0 && len(g.members) >= m.maxGroupSize {
			return GroupJoin{}, fmt.Errorf("%w: group %q is full (%d members)", ErrLimitExceeded, g.name, m.maxGroupSize)
		}
		res.Interested = m.sessionsOf(g.members)
		g.members[u.id] = struct{}{}
		u.groups[g.id] = struct{}{}
	}

	res.Group = g.info()
	return res, nil
}

// LeaveGroup removes the user from a group. Leaving a group the user is not
// in, or one that does not exist, is a no-op.
func (r *Registry) LeaveGroup(h *Handle, name string) (GroupLeave, error) {
	if err := validateGroupName(name); err != nil {
		return GroupLeave{}, err
	}

	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(h)
	if err != nil {
		return GroupLeave{}, err
	}

	res := GroupLeave{Group: name}
	g := m.group(name)
	if g == nil {
		return res, nil
	}
	res.Group = g.name
	if _, ok := g.members[u.id]; !ok {
		return res, nil
	}

	delete(g.members, u.id)
	delete(u.groups, g.id)
	res.WasMember = true
	res.Interested = m.sessionsOf(g.members)
	if len(g.members) == 0 && !g.persistent {
		m.destroyGroup(g)
		res.Destroyed = true
	}
	return res, nil
}

// Groups lists the groups of the user's movie and the movie's user count
func (r *Registry) Groups(h *Handle) (int, []GroupInfo, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return 0, nil, err
	}

	infos := make([]GroupInfo, 0, len(m.groups))
	for _, g := range m.groups {
		infos = append(infos, g.info())
	}
	sort.Slice(infos, func(i, j int) bool { return fold(infos[i].Name) < fold(infos[j].Name) })
	return len(m.users), infos, nil
}

// GroupMembers returns the user names in a group, sorted.
// AllUsersGroup lists the whole movie.
func (r *Registry) GroupMembers(h *Handle, name string) ([]string, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return nil, err
	}

	var ids map[UserID]struct{}
	if IsAllUsers(name) {
		ids = make(map[UserID]struct{}, len(m.users))
		for id := range m.users {
			ids[id] = struct{}{}
		}
	} else {
		g := m.group(name)
		if g == nil {
			return nil, fmt.Errorf("%w: group %q in movie %q", ErrNotFound, name, m.name)
		}
		ids = g.members
	}

	names := make([]string, 0, len(ids))
	for id := range ids {
		names = append(names, m.users[id].name)
	}
	sort.Strings(names)
	return names, nil
}

// GroupSessions snapshots the recipients of a group send. AllUsersGroup
// resolves to every user of the movie.
func (r *Registry) GroupSessions(h *Handle, name string) ([]uint64, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.user(h); err != nil {
		return nil, err
	}

	if IsAllUsers(name) {
		return m.allSessions(), nil
	}
	g := m.group(name)
	if g == nil {
		return nil, fmt.Errorf("%w: group %q in movie %q", ErrNotFound, name, m.name)
	}
	return m.sessionsOf(g.members), nil
}

// UserGroups returns the names of the groups a user belongs to, sorted.
// An empty userName means the caller.
func (r *Registry) UserGroups(h *Handle, userName string) ([]string, error) {
	m := h.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	self, err := m.user(h)
	if err != nil {
		return nil, err
	}

	u := self
	if userName != "" {
		if u = m.userByName(userName); u == nil {
			return nil, fmt.Errorf("%w: user %q in movie %q", ErrNotFound, userName, m.name)
		}
	}

	names := make([]string, 0, len(u.groups))
	for gid := range u.groups {
		names = append(names, m.groups[gid].name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) addGroup(m *movie, name string, persistent bool) *group {
	g := &group{
		id:         GroupID(r.nextGroup.Add(1) - 1),
		name:       name,
		persistent: persistent,
		members:    make(map[UserID]struct{}),
		attrs:      make(attributes),
	}
	m.groups[g.id] = g
	m.groupNames[fold(name)] = g.id
	return g
}

// destroyGroup drops an empty group and every lock on its attributes
func (m *movie) destroyGroup(g *group) {
	m.locks.ReleaseOwner(uint8(ScopeGroup), uint64(g.id))
	delete(m.groups, g.id)
	delete(m.groupNames, fold(g.name))
}

func (m *movie) group(name string) *group {
	if id, ok := m.groupNames[fold(name)]; ok {
		return m.groups[id]
	}
	return nil
}

func (m *movie) userByName(name string) *user {
	if id, ok := m.userNames[fold(name)]; ok {
		return m.users[id]
	}
	return nil
}

func (g *group) info() GroupInfo {
	return GroupInfo{
		ID:         g.id,
		Name:       g.name,
		Members:    len(g.members),
		Persistent: g.persistent,
	}
}
