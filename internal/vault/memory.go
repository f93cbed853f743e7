package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"depot-go/internal/depot"
)

// MemoryVault keeps chunks and manifests in memory. Safe for concurrent use.
type MemoryVault struct {
	name      string
	baseURL   string
	chunks    map[string][]byte
	manifests map[string][]byte
	mu        sync.RWMutex
}

// NewMemoryVault creates an in-memory vault. With an empty baseURL, chunk URLs
// use the memory:// scheme and cannot be fetched remotely.
func NewMemoryVault(name, baseURL string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		baseURL:   baseURL,
		chunks:    make(map[string][]byte),
		manifests: make(map[string][]byte),
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutChunk(id string, r io.Reader, size int64) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[id] = data
	return nil
}

func (m *MemoryVault) GetChunk(id string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.chunks[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("chunk %s: %w", id, depot.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}

func (m *MemoryVault) DeleteChunk(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
	return nil
}

func (m *MemoryVault) ChunkURL(id string) (string, error) {
	if err := ValidateName("chunk", id); err != nil {
		return "", err
	}
	if m.baseURL != "" {
		return chunkHTTPURL(m.baseURL, id), nil
	}
	return "memory://" + m.name + "/chunks/" + id, nil
}

func (m *MemoryVault) PutManifest(fileID string, r io.Reader, size int64) error {
	if err := ValidateName("manifest", fileID); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[fileID] = data
	return nil
}

func (m *MemoryVault) GetManifest(fileID string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.manifests[fileID]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("manifest %s: %w", fileID, depot.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (m *MemoryVault) ListManifests() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.manifests))
	for id := range m.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ChunkCount returns the number of stored chunks.
func (m *MemoryVault) ChunkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

var _ depot.Vault = (*MemoryVault)(nil)
