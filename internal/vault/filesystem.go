package vault

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"depot-go/internal/depot"
)

const manifestExt = ".json"

// FileSystemVault stores chunks and manifests as files:
//
//	<root>/
//	  chunks/
//	    <fileId>_<index>
//	  manifests/
//	    <fileId>.json
//
// Chunk URLs point at the depot HTTP endpoint when a base URL is configured,
// otherwise they are file:// URLs.
type FileSystemVault struct {
	name        string
	root        string
	chunkDir    string
	manifestDir string
	baseURL     string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root, baseURL string) (*FileSystemVault, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	chunkDir := filepath.Join(absRoot, "chunks")
	manifestDir := filepath.Join(absRoot, "manifests")

	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := os.MkdirAll(manifestDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	return &FileSystemVault{
		name:        name,
		root:        absRoot,
		chunkDir:    chunkDir,
		manifestDir: manifestDir,
		baseURL:     baseURL,
	}, nil
}

// Root returns the absolute vault directory.
func (v *FileSystemVault) Root() string { return v.root }

func (v *FileSystemVault) PutChunk(id string, r io.Reader, size int64) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	return v.writeFile(filepath.Join(v.chunkDir, id), r, size)
}

func (v *FileSystemVault) GetChunk(id string, w io.Writer) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	return v.readFile(filepath.Join(v.chunkDir, id), w, "chunk "+id)
}

func (v *FileSystemVault) DeleteChunk(id string) error {
	if err := ValidateName("chunk", id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(v.chunkDir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing chunk %s: %w", id, err)
	}
	return nil
}

func (v *FileSystemVault) ChunkURL(id string) (string, error) {
	if err := ValidateName("chunk", id); err != nil {
		return "", err
	}
	if v.baseURL != "" {
		return chunkHTTPURL(v.baseURL, id), nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(v.chunkDir, id))}
	return u.String(), nil
}

func (v *FileSystemVault) PutManifest(fileID string, r io.Reader, size int64) error {
	if err := ValidateName("manifest", fileID); err != nil {
		return err
	}
	return v.writeFile(filepath.Join(v.manifestDir, fileID+manifestExt), r, size)
}

func (v *FileSystemVault) GetManifest(fileID string, w io.Writer) error {
	if err := ValidateName("manifest", fileID); err != nil {
		return err
	}
	return v.readFile(filepath.Join(v.manifestDir, fileID+manifestExt), w, "manifest "+fileID)
}

func (v *FileSystemVault) ListManifests() ([]string, error) {
	entries, err := os.ReadDir(v.manifestDir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, manifestExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.chunkDir, v.manifestDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes data from r to destPath using an atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Temp file in the same directory so the rename stays on one filesystem.
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (v *FileSystemVault) readFile(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", what, depot.ErrNotFound)
		}
		return fmt.Errorf("failed to open %s: %w", what, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", what, err)
	}
	return nil
}

var _ depot.Vault = (*FileSystemVault)(nil)
