package sourcestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory source store for tests.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

// Add registers content under a reference.
func (m *Memory) Add(ref string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[ref] = content
}

// Open returns a reader over the registered content.
func (m *Memory) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	m.mu.RLock()
	content, ok := m.files[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sourcestore: %q not found", ref)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
