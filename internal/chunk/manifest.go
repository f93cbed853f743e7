// Package chunk splits files into fixed-size, MD5-hashed chunks stored in a
// depot.Vault and reassembles them from the manifest that records their order.
package chunk

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// DefaultChunkSize is the nominal chunk size used when none is configured (8 MiB).
const DefaultChunkSize int64 = 8 * 1024 * 1024

// FileChunk describes one contiguous byte range of a source file.
// Size is the number of bytes actually read; only the last chunk may be
// smaller than the manifest's ChunkSize.
type FileChunk struct {
	ID             string `json:"id"` // "{fileId}_{index}"
	Index          int    `json:"index"`
	Size           int64  `json:"size"`
	Hash           string `json:"hash"` // lowercase hex MD5 of the chunk bytes
	SourceFileName string `json:"sourceFileName"`
	FileID         string `json:"fileId"`
}

// Manifest is the authoritative, ordered description of a produced file.
type Manifest struct {
	FileID     string      `json:"fileId"`
	FileName   string      `json:"fileName"`
	FileSize   int64       `json:"fileSize"`
	ChunkCount int         `json:"chunkCount"`
	ChunkSize  int64       `json:"chunkSize"`
	Chunks     []FileChunk `json:"chunks"`
	BaseRef    string      `json:"baseRef,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ChunkID returns the identifier of the chunk at index within fileID.
func ChunkID(fileID string, index int) string {
	return fmt.Sprintf("%s_%d", fileID, index)
}

// MD5Hex returns the lowercase hex MD5 of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ExpectedChunkCount returns ceil(fileSize / chunkSize).
func ExpectedChunkCount(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Find returns the chunk whose Index equals index. Chunks are looked up by
// their recorded index, not by slice position.
func (m *Manifest) Find(index int) (FileChunk, bool) {
	if index >= 0 && index < len(m.Chunks) && m.Chunks[index].Index == index {
		return m.Chunks[index], true
	}
	for _, c := range m.Chunks {
		if c.Index == index {
			return c, true
		}
	}
	return FileChunk{}, false
}

// Validate checks the manifest's structural invariants: indices form exactly
// {0..ChunkCount-1} without duplicates and the chunk sizes sum to FileSize.
func (m *Manifest) Validate() error {
	if len(m.Chunks) != m.ChunkCount {
		return fmt.Errorf("manifest lists %d chunks, chunkCount is %d", len(m.Chunks), m.ChunkCount)
	}

	indices := make([]int, len(m.Chunks))
	var total int64
	for i, c := range m.Chunks {
		indices[i] = c.Index
		total += c.Size
	}
	sort.Ints(indices)
	for i, idx := range indices {
		if idx != i {
			return fmt.Errorf("chunk indices are not contiguous: expected %d, found %d", i, idx)
		}
	}

	if total != m.FileSize {
		return fmt.Errorf("chunk sizes sum to %d, fileSize is %d", total, m.FileSize)
	}
	return nil
}
