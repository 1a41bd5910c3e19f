package cache

import (
	"context"
	"sync"
)

type encodedEntry struct {
	meta    []byte
	payload []byte
}

// MemoryStore keeps encoded entries in process memory. Entries are encoded
// on save so callers never share row slices with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]encodedEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[Key]encodedEntry{}}
}

func (s *MemoryStore) Load(ctx context.Context, key Key) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	encoded, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	return DecodeEntry(encoded.meta, encoded.payload)
}

func (s *MemoryStore) Save(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta, payload, err := EncodeEntry(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[entry.Key] = encodedEntry{meta: meta, payload: payload}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
