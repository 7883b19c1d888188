// Package locks implements advisory, ttl-bounded attribute locks.
//
// A Table holds the locks of one movie. It does no locking of its own: the
// registry only touches a table while holding that movie's mutex, which keeps
// lock decisions and attribute writes in the same critical section.
package locks

import (
	"sort"
	"time"
)

// Key identifies a lockable attribute by the kind and id of its owner and
// the attribute name
type Key struct {
	Kind  uint8
	Owner uint64
	Name  string
}

// Lock is a granted claim on one Key
type Lock struct {
	Key      Key
	Holder   uint64 // session id
	Acquired time.Time
	Expires  time.Time // zero means the lock never expires
}

// Expired reports whether the lock's ttl has elapsed at now
func (l Lock) Expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

// Table tracks at most one lock per Key. Not safe for concurrent use.
type Table struct {
	locks    map[Key]Lock
	byHolder map[uint64]map[Key]struct{}
}

// NewTable returns an empty lock table
func NewTable() *Table {
	return &Table{
		locks:    make(map[Key]Lock),
		byHolder: make(map[uint64]map[Key]struct{}),
	}
}

// TryLock grants k to holder if it is free, expired, or already held by
// holder (in which case the ttl is refreshed). On denial the current lock
// is returned with false. ttl <= 0 grants a lock without expiry.
func (t *Table) TryLock(k Key, holder uint64, ttl time.Duration, now time.Time) (Lock, bool) {
	acquired := now
	if cur, ok := t.current(k, now); ok {
		if cur.Holder != holder {
			return cur, false
		}
		acquired = cur.Acquired
	}

	l := Lock{Key: k, Holder: holder, Acquired: acquired}
	if ttl > 0 {
		l.Expires = now.Add(ttl)
	}
	t.locks[k] = l

	held := t.byHolder[holder]
	if held == nil {
		held = make(map[Key]struct{})
		t.byHolder[holder] = held
	}
	held[k] = struct{}{}
	return l, true
}

// Unlock releases k if holder currently holds it. Anyone else gets false
// and the lock is untouched.
func (t *Table) Unlock(k Key, holder uint64, now time.Time) bool {
	cur, ok := t.current(k, now)
	if !ok || cur.Holder != holder {
		return false
	}
	t.remove(k, holder)
	return true
}

// Holder returns the live lock on k. It never mutates the table, so it is
// safe under a read lock; expired entries are left for the next write or
// Sweep.
func (t *Table) Holder(k Key, now time.Time) (Lock, bool) {
	l, ok := t.locks[k]
	if !ok || l.Expired(now) {
		return Lock{}, false
	}
	return l, true
}

// ReleaseHolder drops every lock held by holder and returns their keys
func (t *Table) ReleaseHolder(holder uint64) []Key {
	held := t.byHolder[holder]
	if len(held) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(held))
	for k := range held {
		delete(t.locks, k)
		keys = append(keys, k)
	}
	delete(t.byHolder, holder)
	sortKeys(keys)
	return keys
}

// ReleaseOwner drops every lock on attributes of one owner, used when a
// group or user goes away
func (t *Table) ReleaseOwner(kind uint8, owner uint64) int {
	n := 0
	for k, l := range t.locks {
		if k.Kind == kind && k.Owner == owner {
			t.remove(k, l.Holder)
			n++
		}
	}
	return n
}

// Sweep removes all locks expired at now and returns them
func (t *Table) Sweep(now time.Time) []Lock {
	var expired []Lock
	for k, l := range t.locks {
		if l.Expired(now) {
			t.remove(k, l.Holder)
			expired = append(expired, l)
		}
	}
	return expired
}

// Len returns the number of locks in the table, expired ones included
func (t *Table) Len() int {
	return len(t.locks)
}

func (t *Table) current(k Key, now time.Time) (Lock, bool) {
	l, ok := t.locks[k]
	if !ok {
		return Lock{}, false
	}
	if l.Expired(now) {
		t.remove(k, l.Holder)
		return Lock{}, false
	}
	return l, true
}

func (t *Table) remove(k Key, holder uint64) {
	delete(t.locks, k)
	if held := t.byHolder[holder]; held != nil {
		delete(held, k)
		if len(held) == 0 {
			delete(t.byHolder, holder)
		}
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		if keys[i].Owner != keys[j].Owner {
			return keys[i].Owner < keys[j].Owner
		}
		return keys[i].Name < keys[j].Name
	})
}
