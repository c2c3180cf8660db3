package pairing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists client keys as a JSON object in a single file.
type FileStore struct {
	path string

	mu   sync.RWMutex
	keys map[string]string
}

// DefaultFilePath returns the pairing file location under the user config dir.
func DefaultFilePath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("DefaultFilePath: failed to get config dir due to error %w", err)
	}

	return filepath.Join(oscfg, "smartcast", "pairing.json"), nil
}

// OpenFileStore loads the keys stored at path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		keys: make(map[string]string),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("OpenFileStore: failed to open %s due to error %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.keys); err != nil {
		return nil, fmt.Errorf("OpenFileStore: failed to decode %s due to error %w", path, err)
	}

	return s, nil
}

func (s *FileStore) Get(ip string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[ip]
	return key, ok
}

// Set stores the key and rewrites the file. The in-memory value is only
// updated once the file has been replaced.
func (s *FileStore) Set(ip, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string, len(s.keys)+1)
	for k, v := range s.keys {
		next[k] = v
	}
	next[ip] = key

	if err := s.write(next); err != nil {
		return err
	}

	s.keys = next
	return nil
}

func (s *FileStore) write(keys map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("FileStore: failed to create dir due to error %w", err)
	}

	b, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("FileStore: failed to marshal json due to error %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pairing-*.json")
	if err != nil {
		return fmt.Errorf("FileStore: failed to create temp file due to error %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore: failed to write keys due to error %w", err)
	}

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("FileStore: failed to chmod keys due to error %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("FileStore: failed to close keys due to error %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("FileStore: failed to save keys due to error %w", err)
	}

	return nil
}
