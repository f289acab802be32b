// Package database provides a JSON-file backed key-value store. Values
// are opaque byte blobs (in practice JSON documents); each namespace is
// stored in a separate file under the data directory and rewritten on
// every mutation.
package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Store is a namespaced durable byte store.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	cache   map[string]map[string]json.RawMessage // namespace -> key -> value
}

// New creates a store rooted at dataDir, loading any existing
// namespace files.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	s := &Store{
		dataDir: dataDir,
		cache:   make(map[string]map[string]json.RawMessage),
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading database directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		namespace := strings.TrimSuffix(entry.Name(), ".json")
		if err := s.loadNamespace(namespace); err != nil {
			// Corrupted files can be recreated; don't fail startup.
			log.Printf("Warning: failed to load namespace %s: %v", namespace, err)
		}
	}

	return s, nil
}

func (s *Store) loadNamespace(namespace string) error {
	path := filepath.Join(s.dataDir, namespace+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var ns map[string]json.RawMessage
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}

	s.cache[namespace] = ns
	return nil
}

func (s *Store) saveNamespace(namespace string) error {
	ns, ok := s.cache[namespace]
	if !ok {
		return nil
	}

	data, err := json.MarshalIndent(ns, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(s.dataDir, namespace+".json")
	return os.WriteFile(path, data, 0644)
}

// Get retrieves the value stored under namespace/key.
func (s *Store) Get(namespace, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.cache[namespace]
	if !ok {
		return nil, false
	}
	v, ok := ns[key]
	if !ok {
		return nil, false
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put stores a value under namespace/key and persists the namespace
// before returning.
func (s *Store) Put(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.cache[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		s.cache[namespace] = ns
	}

	v := make(json.RawMessage, len(value))
	copy(v, value)
	ns[key] = v
	return s.saveNamespace(namespace)
}

// Delete removes the value stored under namespace/key.
func (s *Store) Delete(namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.cache[namespace]
	if !ok {
		return nil
	}

	delete(ns, key)
	return s.saveNamespace(namespace)
}

// Keys returns all keys present in a namespace.
func (s *Store) Keys(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.cache[namespace]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	return keys
}
