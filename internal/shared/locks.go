package shared

import "sync"

// KeyedMutex hands out one mutex per key so unrelated keys never contend.
// Entries are reference counted and dropped once released.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// SessionLockKey scopes session bookkeeping to one actor.
func SessionLockKey(actorID string) string {
	return "sessions:actor:" + actorID
}

// RoleLockKey scopes role mutations to one role.
func RoleLockKey(roleID string) string {
	return "rbac:role:" + roleID
}
