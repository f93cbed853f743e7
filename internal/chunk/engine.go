package chunk

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"depot-go/internal/depot"
)

// Engine produces chunked files into a vault and reassembles them. The same
// Engine type is used on the producing server and on the consuming client.
type Engine struct {
	vault   depot.Vault
	logger  depot.Logger
	clock   depot.Clock
	idgen   depot.IDGenerator
	policy  IntegrityPolicy
	baseRef string
}

// Result describes a reassembled file. Warnings holds every integrity failure
// that the policy allowed the operation to survive.
type Result struct {
	Path     string
	Size     int64
	Warnings []error
}

// NewEngine creates an Engine over vault. baseRef is recorded in produced
// manifests as the blob-store base reference (e.g. "s3://bucket/prefix").
func NewEngine(vault depot.Vault, logger depot.Logger, clock depot.Clock, idgen depot.IDGenerator, policy IntegrityPolicy, baseRef string) *Engine {
	if policy == "" {
		policy = IntegrityWarn
	}
	return &Engine{
		vault:   vault,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
		policy:  policy,
		baseRef: baseRef,
	}
}

// Policy returns the engine's integrity policy.
func (e *Engine) Policy() IntegrityPolicy { return e.policy }

// Split streams the file at path in chunkSize reads, hashing and storing each
// chunk in the vault, then persists and returns the manifest. A byte-identical
// input always yields identical chunk boundaries and hashes.
func (e *Engine) Split(path string, chunkSize int64) (*Manifest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	fileID := e.idgen.New()
	m := &Manifest{
		FileID:    fileID,
		FileName:  filepath.Base(path),
		ChunkSize: chunkSize,
		Chunks:    make([]FileChunk, 0, ExpectedChunkCount(info.Size(), chunkSize)),
		BaseRef:   e.baseRef,
		CreatedAt: e.clock.Now().UTC(),
	}

	buf := make([]byte, chunkSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading chunk %d: %w", index, readErr)
		}

		data := buf[:n]
		c := FileChunk{
			ID:             ChunkID(fileID, index),
			Index:          index,
			Size:           int64(n),
			Hash:           MD5Hex(data),
			SourceFileName: m.FileName,
			FileID:         fileID,
		}
		if err := e.vault.PutChunk(c.ID, bytes.NewReader(data), c.Size); err != nil {
			return nil, fmt.Errorf("storing chunk %d: %w", index, err)
		}

		m.Chunks = append(m.Chunks, c)
		m.FileSize += c.Size
		e.logger.Debug("chunk stored", "id", c.ID, "size", c.Size, "hash", c.Hash)

		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}
	m.ChunkCount = len(m.Chunks)

	if m.FileSize != info.Size() {
		e.logger.Warn("source file changed while splitting", "path", path, "stat_size", info.Size(), "read_size", m.FileSize)
	}

	if err := e.SaveManifest(m); err != nil {
		return nil, err
	}

	e.logger.Info("file split", "file_id", fileID, "name", m.FileName, "size", m.FileSize, "chunks", m.ChunkCount)
	return m, nil
}

// SaveManifest persists m in the vault as indented JSON.
func (e *Engine) SaveManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := e.vault.PutManifest(m.FileID, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of fileID from the vault.
func (e *Engine) LoadManifest(fileID string) (*Manifest, error) {
	var buf bytes.Buffer
	if err := e.vault.GetManifest(fileID, &buf); err != nil {
		return nil, fmt.Errorf("loading manifest %s: %w", fileID, err)
	}

	var m Manifest
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		return nil, fmt.Errorf("decoding manifest %s: %w", fileID, err)
	}
	return &m, nil
}

// Reassemble rebuilds the file described by the manifest of fileID into outputDir,
// reading chunks from the engine's vault.
func (e *Engine) Reassemble(fileID, outputDir string) (*Result, error) {
	m, err := e.LoadManifest(fileID)
	if err != nil {
		return nil, err
	}
	return e.Assemble(m, e.vault, outputDir)
}

// Assemble writes the chunks of m, read from src in index order, to a file named
// after m.FileName in outputDir. A chunk index missing from the manifest or from
// src is fatal (depot.ErrNotFound). A final size that differs from m.FileSize is
// handled by the integrity policy.
func (e *Engine) Assemble(m *Manifest, src depot.Vault, outputDir string) (*Result, error) {
	name, err := safeFileName(m.FileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	tmp, err := os.CreateTemp(outputDir, ".assemble-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	for i := 0; i < m.ChunkCount; i++ {
		c, ok := m.Find(i)
		if !ok {
			return nil, fmt.Errorf("%w: manifest %s has no chunk with index %d", depot.ErrNotFound, m.FileID, i)
		}
		if err := src.GetChunk(c.ID, tmp); err != nil {
			if errors.Is(err, depot.ErrNotFound) {
				return nil, fmt.Errorf("chunk %d (%s): %w", i, c.ID, err)
			}
			return nil, fmt.Errorf("copying chunk %d (%s): %w", i, c.ID, err)
		}
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("stat assembled file: %w", err)
	}

	result := &Result{Path: filepath.Join(outputDir, name), Size: info.Size()}
	if result.Size != m.FileSize {
		mismatch := fmt.Errorf("%w: %s is %d bytes, manifest says %d", depot.ErrIntegrity, name, result.Size, m.FileSize)
		if err := e.policy.Handle(mismatch, e.logger, &result.Warnings); err != nil {
			return nil, err
		}
	}

	if err := os.Rename(tmpPath, result.Path); err != nil {
		return nil, fmt.Errorf("renaming assembled file: %w", err)
	}
	success = true

	e.logger.Info("file reassembled", "file_id", m.FileID, "path", result.Path, "size", result.Size, "warnings", len(result.Warnings))
	return result, nil
}

// Verify re-reads every chunk of m from src and compares size and MD5 with the
// manifest. It returns one error per problem; nil means the file is intact.
func (e *Engine) Verify(m *Manifest, src depot.Vault) []error {
	var problems []error
	if err := m.Validate(); err != nil {
		problems = append(problems, fmt.Errorf("%w: %v", depot.ErrIntegrity, err))
	}

	for _, c := range m.Chunks {
		h := md5.New()
		cw := &countingWriter{w: h}
		if err := src.GetChunk(c.ID, cw); err != nil {
			problems = append(problems, fmt.Errorf("chunk %d (%s): %w", c.Index, c.ID, err))
			continue
		}
		if cw.n != c.Size {
			problems = append(problems, fmt.Errorf("%w: chunk %d is %d bytes, manifest says %d", depot.ErrIntegrity, c.Index, cw.n, c.Size))
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != c.Hash {
			problems = append(problems, fmt.Errorf("%w: chunk %d hash %s, manifest says %s", depot.ErrIntegrity, c.Index, got, c.Hash))
		}
	}
	return problems
}

// safeFileName keeps only the final element of a manifest file name so a
// manifest cannot direct writes outside the output directory.
func safeFileName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", fmt.Errorf("invalid file name in manifest: %q", name)
	}
	return base, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
