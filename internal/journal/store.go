// Package journal records every operation batch the submitter hands to the
// wallet, keyed by operation group hash. It holds submission history only;
// swap state is always re-read from the chain.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Submission outcomes besides the chain's own operation statuses.
const (
	StatusPending = "pending"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Record is one submitted batch. Status is StatusPending until confirmation,
// then the indexed operation status (applied, backtracked, failed, skipped) or
// StatusTimeout.
type Record struct {
	GroupID      string     `json:"groupId"`
	Key          string     `json:"key,omitempty"`
	Account      string     `json:"account"`
	Entrypoints  []string   `json:"entrypoints"`
	Destinations []string   `json:"destinations"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	ConfirmedAt  *time.Time `json:"confirmedAt,omitempty"`
}

// Store abstracts journal persistence. Lookups return nil, nil when nothing
// matches.
type Store interface {
	Get(ctx context.Context, groupID string) (*Record, error)
	FindByKey(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, record Record) error
}

var errMissingGroup = errors.New("journal record has no group id")

type ctxKey struct{}

// WithKey tags ctx with an idempotency key that the submitter stores on the
// record it writes.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(ctxKey{}).(string)
	return key
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, groupID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[groupID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) FindByKey(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestByKey(m.data, key), nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.GroupID == "" {
		return errMissingGroup
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.GroupID] = record
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single local
// process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, groupID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[groupID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) FindByKey(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return latestByKey(f.data, key), nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if record.GroupID == "" {
		return errMissingGroup
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[record.GroupID] = record
	return f.persist()
}

func latestByKey(data map[string]Record, key string) *Record {
	if key == "" {
		return nil
	}
	var latest *Record
	for _, rec := range data {
		if rec.Key != key {
			continue
		}
		if latest == nil || rec.SubmittedAt.After(latest.SubmittedAt) {
			r := rec
			latest = &r
		}
	}
	return latest
}
