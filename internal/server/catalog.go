package server

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"depot-go/internal/chunk"
	"depot-go/internal/depot"
	"depot-go/internal/protocol"
)

// Catalog lists the files published in a vault. Manifests are immutable once
// stored, so each one is decoded at most once.
type Catalog struct {
	vault  depot.Vault
	engine *chunk.Engine

	mu    sync.Mutex
	cache map[string]*chunk.Manifest
}

// NewCatalog creates a Catalog over the manifests of vault, read through engine.
func NewCatalog(vault depot.Vault, engine *chunk.Engine) *Catalog {
	return &Catalog{
		vault:  vault,
		engine: engine,
		cache:  make(map[string]*chunk.Manifest),
	}
}

// List returns every published file, ordered by file name.
func (c *Catalog) List() ([]*chunk.Manifest, error) {
	ids, err := c.vault.ListManifests()
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}

	out := make([]*chunk.Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := c.manifest(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

// Resolve finds a file by its ID or, failing that, by its file name.
func (c *Catalog) Resolve(ref string) (*chunk.Manifest, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty file reference: %w", depot.ErrNotFound)
	}

	ids, err := c.vault.ListManifests()
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	for _, id := range ids {
		if id == ref {
			return c.manifest(id)
		}
	}

	all, err := c.List()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.FileName == ref {
			return m, nil
		}
	}
	return nil, fmt.Errorf("file %q: %w", ref, depot.ErrNotFound)
}

// DownloadInfo describes where every chunk of m can be fetched.
func (c *Catalog) DownloadInfo(m *chunk.Manifest) (protocol.DownloadInfo, error) {
	info := protocol.DownloadInfo{
		ItemID:     m.FileID,
		Title:      Title(m.FileName),
		FileID:     m.FileID,
		FileName:   m.FileName,
		ChunkCount: m.ChunkCount,
		TotalSize:  m.FileSize,
		Chunks:     make([]protocol.ChunkRef, 0, m.ChunkCount),
	}

	for i := 0; i < m.ChunkCount; i++ {
		fc, ok := m.Find(i)
		if !ok {
			return protocol.DownloadInfo{}, fmt.Errorf("manifest %s has no chunk %d: %w", m.FileID, i, depot.ErrNotFound)
		}
		url, err := c.vault.ChunkURL(fc.ID)
		if err != nil {
			return protocol.DownloadInfo{}, fmt.Errorf("locating chunk %s: %w", fc.ID, err)
		}
		info.Chunks = append(info.Chunks, protocol.ChunkRef{
			Index: fc.Index,
			ID:    fc.ID,
			Size:  fc.Size,
			URL:   url,
			Hash:  fc.Hash,
		})
	}
	return info, nil
}

// Item summarizes m for listings.
func Item(m *chunk.Manifest) protocol.CatalogItem {
	return protocol.CatalogItem{
		ID:         m.FileID,
		Title:      Title(m.FileName),
		FileName:   m.FileName,
		FileSize:   m.FileSize,
		ChunkCount: m.ChunkCount,
	}
}

// Title is the display name of a file: its name without the extension.
func Title(fileName string) string {
	base := filepath.Base(fileName)
	if t := strings.TrimSuffix(base, filepath.Ext(base)); t != "" {
		return t
	}
	return base
}

func (c *Catalog) manifest(id string) (*chunk.Manifest, error) {
	c.mu.Lock()
	m, ok := c.cache[id]
	c.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := c.engine.LoadManifest(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[id] = m
	c.mu.Unlock()
	return m, nil
}
