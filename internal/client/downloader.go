package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"depot-go/internal/chunk"
	"depot-go/internal/depot"
	"depot-go/internal/protocol"
	"depot-go/internal/vault"
)

// DefaultRequestTimeout bounds the wait for a DOWNLOAD_INFO reply.
const DefaultRequestTimeout = 15 * time.Second

// Requester sends a COMMAND and waits for its response. *Client implements it.
type Requester interface {
	Request(ctx context.Context, text string) (protocol.Message, error)
}

// Progress is reported as chunk bytes arrive. BytesDone never decreases.
type Progress struct {
	ChunkIndex int
	ChunkCount int
	BytesDone  int64
	BytesTotal int64
}

// DownloadOptions configures a Downloader.
type DownloadOptions struct {
	WorkDir        string // chunk staging area; one subdirectory per file
	RequestTimeout time.Duration
	KeepChunks     bool
	Policy         chunk.IntegrityPolicy
}

// Downloader fetches every chunk of a file named by the server, verifies it
// and reassembles the file.
type Downloader struct {
	requester Requester
	fetcher   Fetcher
	logger    depot.Logger
	clock     depot.Clock
	opts      DownloadOptions
}

func NewDownloader(requester Requester, fetcher Fetcher, opts DownloadOptions, logger depot.Logger, clock depot.Clock) *Downloader {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Policy == "" {
		opts.Policy = chunk.IntegrityWarn
	}
	return &Downloader{
		requester: requester,
		fetcher:   fetcher,
		logger:    logger,
		clock:     clock,
		opts:      opts,
	}
}

// Download asks the server for itemID and writes the reassembled file into
// outputDir. Any failed fetch aborts the download and leaves the chunks
// fetched so far in the work directory.
func (d *Downloader) Download(ctx context.Context, itemID, outputDir string, progress func(Progress)) (*chunk.Result, error) {
	info, err := d.requestInfo(ctx, itemID)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(d.opts.WorkDir, info.FileID)
	local, err := vault.NewFileSystemVault("download", workDir, "")
	if err != nil {
		return nil, fmt.Errorf("preparing work directory: %w", err)
	}

	refs := append([]protocol.ChunkRef(nil), info.Chunks...)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })

	var warnings []error
	var done int64
	for i, ref := range refs {
		var report func(int64)
		if progress != nil {
			base := done
			report = func(read int64) {
				progress(Progress{ChunkIndex: i, ChunkCount: len(refs), BytesDone: base + read, BytesTotal: info.TotalSize})
			}
		}
		n, err := d.fetchChunk(ctx, local, ref, &warnings, report)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %s: %w", ref.Index, info.FileName, err)
		}
		done += n
	}

	engine := chunk.NewEngine(local, d.logger, d.clock, depot.UUIDGenerator{}, d.opts.Policy, "")
	result, err := engine.Assemble(manifestFromInfo(info, d.clock.Now()), local, outputDir)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(warnings, result.Warnings...)

	if !d.opts.KeepChunks {
		if err := os.RemoveAll(workDir); err != nil {
			d.logger.Warn("removing downloaded chunks", "dir", workDir, "error", err)
		}
	}

	d.logger.Info("download complete", "item", itemID, "path", result.Path, "size", result.Size, "warnings", len(result.Warnings))
	return result, nil
}

func (d *Downloader) requestInfo(ctx context.Context, itemID string) (*protocol.DownloadInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	m, err := d.requester.Request(reqCtx, "download "+itemID)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", itemID, err)
	}

	switch m.Type {
	case protocol.TypeDownloadInfo:
	case protocol.TypeError:
		resp, err := protocol.DecodeAs[protocol.ErrorResponse](m)
		if err != nil {
			return nil, fmt.Errorf("server refused %s: %s", itemID, m.Content)
		}
		return nil, fmt.Errorf("server refused %s: %w", itemID, resp)
	default:
		return nil, fmt.Errorf("%w: %s reply to download", depot.ErrProtocol, m.Type)
	}

	info, err := protocol.DecodeAs[protocol.DownloadInfo](m)
	if err != nil {
		return nil, err
	}
	if err := vault.ValidateName("file", info.FileID); err != nil {
		return nil, fmt.Errorf("%w: %v", depot.ErrProtocol, err)
	}
	if info.ChunkCount != len(info.Chunks) {
		return nil, fmt.Errorf("%w: download info lists %d of %d chunks", depot.ErrProtocol, len(info.Chunks), info.ChunkCount)
	}
	return info, nil
}

// fetchChunk streams one chunk into dst while hashing it. A hash mismatch is
// left to the integrity policy; a short or long body is always fatal. report,
// if not nil, receives the bytes read so far after every read.
func (d *Downloader) fetchChunk(ctx context.Context, dst depot.Vault, ref protocol.ChunkRef, warnings *[]error, report func(int64)) (int64, error) {
	body, err := d.fetcher.Fetch(ctx, ref.URL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	h := md5.New()
	counter := &countingReader{r: io.TeeReader(body, h), report: report}
	if err := dst.PutChunk(ref.ID, counter, ref.Size); err != nil {
		if counter.n != ref.Size {
			return counter.n, fmt.Errorf("%w: received %d bytes, expected %d", depot.ErrIntegrity, counter.n, ref.Size)
		}
		return counter.n, fmt.Errorf("storing chunk: %w", err)
	}

	if ref.Hash != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != ref.Hash {
			mismatch := fmt.Errorf("%w: chunk %s hash %s, expected %s", depot.ErrIntegrity, ref.ID, got, ref.Hash)
			if err := d.opts.Policy.Handle(mismatch, d.logger, warnings); err != nil {
				return counter.n, err
			}
		}
	}
	return counter.n, nil
}

func manifestFromInfo(info *protocol.DownloadInfo, now time.Time) *chunk.Manifest {
	m := &chunk.Manifest{
		FileID:     info.FileID,
		FileName:   info.FileName,
		FileSize:   info.TotalSize,
		ChunkCount: info.ChunkCount,
		CreatedAt:  now.UTC(),
		Chunks:     make([]chunk.FileChunk, 0, len(info.Chunks)),
	}
	for _, ref := range info.Chunks {
		if ref.Size > m.ChunkSize {
			m.ChunkSize = ref.Size
		}
		m.Chunks = append(m.Chunks, chunk.FileChunk{
			ID:             ref.ID,
			Index:          ref.Index,
			Size:           ref.Size,
			Hash:           ref.Hash,
			SourceFileName: info.FileName,
			FileID:         info.FileID,
		})
	}
	return m
}

type countingReader struct {
	r      io.Reader
	n      int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.report != nil {
			c.report(c.n)
		}
	}
	return n, err
}
