package objectstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/spice/internal/cache"
	"github.com/duckmesh/spice/internal/storage"
	"github.com/duckmesh/spice/internal/table"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (m *memoryObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func TestStoreRoundTrip(t *testing.T) {
	objects := &memoryObjects{objects: map[string][]byte{}}
	store, err := New(objects)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	key := cache.Fingerprint{QueryID: 77}.Key()
	entry := cache.Entry{
		Key:         key,
		QueryID:     77,
		ExecutionID: "01HZ",
		StoredAt:    time.Now().UTC(),
		Table: table.Table{
			Columns: []string{"v"},
			Types:   []table.Type{table.TypeFloat},
			Rows:    [][]any{{1.5}},
		},
	}
	if err := store.Save(context.Background(), entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, ok := objects.objects["results/query=77/"+key.String()+".json"]; !ok {
		t.Fatalf("metadata object missing: %v", objects.objects)
	}
	got, err := store.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Table.Rows[0][0] != 1.5 || got.ExecutionID != "01HZ" {
		t.Fatalf("entry = %+v", got)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := New(&memoryObjects{objects: map[string][]byte{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := store.Load(context.Background(), cache.Fingerprint{QueryID: 1}.Key()); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestStoreSavePropagatesPutFailure(t *testing.T) {
	store, err := New(&memoryObjects{objects: map[string][]byte{}, putErr: errors.New("bucket gone")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	entry := cache.Entry{Key: cache.Fingerprint{QueryID: 1}.Key(), Table: table.Table{Columns: []string{}, Types: []table.Type{}}}
	if err := store.Save(context.Background(), entry); err == nil {
		t.Fatal("expected error")
	}
}
