package vectormemory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is the default Store: a flat JSON index of every memory
// record, loaded into memory and rewritten atomically on each mutation.
// Search does a brute-force cosine scan over All(), which is the right
// tradeoff at the record counts a single agent's memory accumulates —
// the pluggable Store seam exists for deployments that outgrow it.
type FileStore struct {
	mu      sync.Mutex
	path    string
	records map[string]MemoryRecord
}

// NewFileStore loads path if it exists, or starts with an empty index.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, records: make(map[string]MemoryRecord)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vectormemory: read %s: %w", path, err)
	}

	var list []MemoryRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("vectormemory: parse %s: %w", path, err)
	}
	for _, r := range list {
		fs.records[r.ID] = r
	}
	return fs, nil
}

func (fs *FileStore) Upsert(_ context.Context, rec MemoryRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.records[rec.ID] = rec
	return fs.saveLocked()
}

func (fs *FileStore) Get(_ context.Context, id string) (MemoryRecord, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.records[id]
	return rec, ok, nil
}

func (fs *FileStore) All(_ context.Context) ([]MemoryRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]MemoryRecord, 0, len(fs.records))
	for _, rec := range fs.records {
		out = append(out, rec)
	}
	return out, nil
}

func (fs *FileStore) Delete(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.records, id)
	return fs.saveLocked()
}

func (fs *FileStore) saveLocked() error {
	list := make([]MemoryRecord, 0, len(fs.records))
	for _, rec := range fs.records {
		list = append(list, rec)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("vectormemory: marshal: %w", err)
	}
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectormemory: mkdir %s: %w", dir, err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vectormemory: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, fs.path)
}
