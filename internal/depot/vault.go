package depot

import "io"

// Vault is the blob store that hosts chunk bytes and manifests.
// All operations stream through io.Reader/io.Writer so multi-gigabyte files
// never have to be held in memory.
type Vault interface {
	// PutChunk stores the bytes of one chunk under its ID ("{fileId}_{index}").
	// size is the number of bytes that will be read from r; a short or long
	// reader is an error. Storing the same ID twice overwrites it.
	PutChunk(id string, r io.Reader, size int64) error

	// GetChunk writes the bytes of a chunk to w. A missing chunk wraps ErrNotFound.
	GetChunk(id string, w io.Writer) error

	// DeleteChunk removes a chunk. Removing a missing chunk is not an error.
	DeleteChunk(id string) error

	// ChunkURL returns a reference from which the chunk bytes can be fetched
	// with a plain byte-stream GET (http, https or file URL).
	ChunkURL(id string) (string, error)

	// PutManifest stores the serialized manifest of a produced file.
	PutManifest(fileID string, r io.Reader, size int64) error

	// GetManifest writes the serialized manifest to w. A missing manifest wraps ErrNotFound.
	GetManifest(fileID string, w io.Writer) error

	// ListManifests returns the file IDs of every stored manifest, sorted.
	ListManifests() ([]string, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
