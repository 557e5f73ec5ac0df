package audit

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Head returns the last stored entry.
func (s *MemoryStore) Head(ctx context.Context) (Head, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Head{}, nil
	}
	last := s.entries[len(s.entries)-1]
	return Head{ID: last.ID, Hash: last.Hash, Timestamp: last.Timestamp}, nil
}

// AppendBatch stores entries if they continue the current sequence.
func (s *MemoryStore) AppendBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastID int64
	if n := len(s.entries); n > 0 {
		lastID = s.entries[n-1].ID
	}
	for i, e := range entries {
		if e.ID != lastID+int64(i)+1 {
			return fmt.Errorf("audit: memory store: id %d out of sequence: %w", e.ID, shared.ErrDuplicate)
		}
	}
	s.entries = append(s.entries, entries...)
	return nil
}

// Query iterates a snapshot of the stored entries.
func (s *MemoryStore) Query(ctx context.Context, filter Filter) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		s.mu.RLock()
		snapshot := s.entries[:len(s.entries):len(s.entries)]
		s.mu.RUnlock()
		emitted := 0
		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !filter.Match(e) {
				continue
			}
			if !yield(e, nil) {
				return
			}
			emitted++
			if filter.Limit > 0 && emitted >= filter.Limit {
				return
			}
		}
	}
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryLog builds a Log over a fresh MemoryStore.
func NewMemoryLog(ctx context.Context, key []byte, opts Options) (*Log, *MemoryStore, error) {
	signer, err := NewSigner(key)
	if err != nil {
		return nil, nil, err
	}
	store := NewMemoryStore()
	log, err := NewLog(ctx, store, signer, opts)
	if err != nil {
		return nil, nil, err
	}
	return log, store, nil
}
