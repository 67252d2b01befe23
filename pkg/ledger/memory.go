package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process ledger for tests and dry runs. Nothing
// survives a restart, so every document looks new on the next run.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func memKey(sourceID, documentID string) string {
	return sourceID + "\x00" + documentID
}

func (s *MemoryStore) ShouldProcess(_ context.Context, sourceID, documentID string, candidate Validators) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[memKey(sourceID, documentID)]
	if !ok {
		return true, nil
	}
	return Changed(entry.Validators, candidate), nil
}

func (s *MemoryStore) Commit(_ context.Context, entry Entry) error {
	if entry.CommittedAt.IsZero() {
		entry.CommittedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[memKey(entry.SourceID, entry.DocumentID)] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sourceID, documentID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[memKey(sourceID, documentID)]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
