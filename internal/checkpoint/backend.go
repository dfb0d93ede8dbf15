package checkpoint

import "sync"

// Backend defines the durable key-value storage that checkpoints, backups
// and history are persisted in.
// Implementations include SQLite (default) and a single YAML file (headless hosts).
type Backend interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) ([]byte, bool, error)
	// Set replaces the value for key. The replacement must be atomic: a
	// reader never observes a partially written value.
	Set(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	Close() error
}

// Ensure implementations satisfy Backend
var (
	_ Backend = (*SQLiteBackend)(nil)
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*MemoryBackend)(nil)
)

// MemoryBackend keeps values in process memory. Used by tests and by the
// CLI when no state path is configured.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryBackend) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
