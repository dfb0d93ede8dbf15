package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileBackend implements Backend using a single YAML file.
// Designed for headless hosts where SQLite is impractical. The whole
// document is rewritten on every change via write-temp-then-rename.
type FileBackend struct {
	path string
	mu   sync.RWMutex
	data map[string]string
}

// NewFileBackend creates a file-based backend.
// If the file exists, it loads the existing values.
func NewFileBackend(path string) (*FileBackend, error) {
	fb := &FileBackend{
		path: path,
		data: make(map[string]string),
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading state file: %w", err)
		}
		if err := yaml.Unmarshal(data, &fb.data); err != nil {
			return nil, fmt.Errorf("parsing state file: %w", err)
		}
		if fb.data == nil {
			fb.data = make(map[string]string)
		}
	}

	return fb, nil
}

// save writes the current values to the YAML file.
func (fb *FileBackend) save() error {
	data, err := yaml.Marshal(fb.data)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(fb.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fb.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("securing state file: %w", err)
	}
	if err := os.Rename(tmpPath, fb.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (fb *FileBackend) Get(key string) ([]byte, bool, error) {
	fb.mu.RLock()
	defer fb.mu.RUnlock()
	v, ok := fb.data[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

func (fb *FileBackend) Set(key string, value []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	prev, had := fb.data[key]
	fb.data[key] = string(value)
	if err := fb.save(); err != nil {
		if had {
			fb.data[key] = prev
		} else {
			delete(fb.data, key)
		}
		return err
	}
	return nil
}

func (fb *FileBackend) Delete(key string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	prev, had := fb.data[key]
	if !had {
		return nil
	}
	delete(fb.data, key)
	if err := fb.save(); err != nil {
		fb.data[key] = prev
		return err
	}
	return nil
}

// Close is a no-op; every change is flushed immediately.
func (fb *FileBackend) Close() error {
	return nil
}
