package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// Scope and key under which the in-flight job id survives restarts.
const (
	ScopeSession    = "session"
	KeyCurrentJobID = "currentJobId"
	stateFilePerm   = 0o600
	stateDirPerm    = 0o755
)

// KV is small scoped key-value storage local to the client.
type KV interface {
	// Get returns the value and whether it was present.
	Get(scope, key string) (string, bool, error)
	Set(scope, key, value string) error
	// Delete is a no-op for missing keys.
	Delete(scope, key string) error
}

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu     sync.Mutex
	scopes map[string]map[string]string
}

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{scopes: make(map[string]map[string]string)}
}

func (m *MemoryKV) Get(scope, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.scopes[scope][key]
	return v, ok, nil
}

func (m *MemoryKV) Set(scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scopes[scope] == nil {
		m.scopes[scope] = make(map[string]string)
	}
	m.scopes[scope][key] = value
	return nil
}

func (m *MemoryKV) Delete(scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes[scope], key)
	return nil
}

// FileKV stores scopes as top-level YAML maps in a single file. Every write
// replaces the file atomically.
type FileKV struct {
	mu   sync.Mutex
	path string
}

// NewFileKV returns a KV backed by path. The file is created on first write.
func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

// Path returns the backing file.
func (f *FileKV) Path() string {
	return f.path
}

func (f *FileKV) Get(scope, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	scopes, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := scopes[scope][key]
	return v, ok, nil
}

func (f *FileKV) Set(scope, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	scopes, err := f.load()
	if err != nil {
		return err
	}
	if scopes[scope] == nil {
		scopes[scope] = make(map[string]string)
	}
	scopes[scope][key] = value
	return f.save(scopes)
}

func (f *FileKV) Delete(scope, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	scopes, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := scopes[scope][key]; !ok {
		return nil
	}
	delete(scopes[scope], key)
	if len(scopes[scope]) == 0 {
		delete(scopes, scope)
	}
	return f.save(scopes)
}

func (f *FileKV) load() (map[string]map[string]string, error) {
	scopes := make(map[string]map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return scopes, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := yaml.Unmarshal(data, &scopes); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", f.path, err)
	}
	if scopes == nil {
		scopes = make(map[string]map[string]string)
	}
	return scopes, nil
}

func (f *FileKV) save(scopes map[string]map[string]string) error {
	data, err := yaml.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), stateDirPerm); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := atomicwriter.WriteFile(f.path, data, stateFilePerm); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

var (
	_ KV = (*MemoryKV)(nil)
	_ KV = (*FileKV)(nil)
)
