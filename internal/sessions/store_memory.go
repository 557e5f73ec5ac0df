package sessions

import (
	"context"
	"sync"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MemoryStore keeps sessions in process memory. Ended sessions are kept so
// their tokens keep answering with the terminal state.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Session
	byToken map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Session), byToken: make(map[string]string)}
}

func copySession(s Session) Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

func (m *MemoryStore) Insert(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; ok {
		return shared.ErrDuplicate
	}
	m.byID[s.ID] = copySession(s)
	m.byToken[s.TokenHash] = s.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return Session{}, shared.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetByTokenHash(ctx context.Context, digest string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[digest]
	if !ok {
		return Session{}, shared.ErrSessionNotFound
	}
	return copySession(m.byID[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return shared.ErrSessionNotFound
	}
	m.byID[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil
	}
	delete(m.byToken, s.TokenHash)
	delete(m.byID, id)
	return nil
}

func (m *MemoryStore) ListByActor(ctx context.Context, actorID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.byID {
		if s.ActorID == actorID && !s.State.Terminal() {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListLive(ctx context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.byID {
		if !s.State.Terminal() {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
