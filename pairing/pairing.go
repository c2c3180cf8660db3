// Package pairing keeps the client keys webOS TVs hand out after the user
// accepts a pairing prompt, one key per TV IP.
package pairing

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Backends accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Store maps a TV IP to the last client key it issued.
type Store interface {
	Get(ip string) (string, bool)
	// Set replaces any key previously stored for ip.
	Set(ip, key string) error
}

// MemoryStore is an in-process Store. The zero value is ready to use.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]string
}

func (m *MemoryStore) Get(ip string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[ip]
	return key, ok
}

func (m *MemoryStore) Set(ip, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	m.keys[ip] = key
	return nil
}

// Open returns the Store for backend. An empty path selects the default
// location under the user config dir.
func Open(backend, path string) (Store, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == BackendMemory {
		return &MemoryStore{}, nil
	}

	if path == "" {
		def, err := DefaultFilePath()
		if err != nil {
			return nil, err
		}
		path = def
		if backend == BackendSQLite {
			path = filepath.Join(filepath.Dir(def), "pairing.db")
		}
	}

	switch backend {
	case BackendJSON, "":
		return OpenFileStore(path)
	case BackendSQLite:
		return OpenSQLiteStore(path)
	}

	return nil, fmt.Errorf("Open: unknown pairing store %q", backend)
}
