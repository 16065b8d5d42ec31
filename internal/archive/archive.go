// Package archive packs referenced objects from the canonical object store
// into a single zip file and unpacks them again.
//
// Downloads run on a bounded worker pool and land in spool files; exactly one
// goroutine owns the zip.Writer and appends the spooled files in completion
// order. A key that cannot be downloaded is skipped, never fatal. Entry names
// are the object keys verbatim; the local file system only ever sees
// generated names.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lendbackup/internal/storage"
)

const (
	// PlaceholderName is written when no object could be archived; some
	// readers reject zip files with no entries.
	PlaceholderName = ".lendbackup-empty"
	// DefaultWorkers bounds concurrent downloads.
	DefaultWorkers = 8
)

// PartialTransferError records one object left out of an archive.
type PartialTransferError struct {
	Key string
	Err error
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("object %s skipped: %v", e.Key, e.Err)
}

func (e *PartialTransferError) Unwrap() error { return e.Err }

// BuildResult summarizes an archive build.
type BuildResult struct {
	Added   []string
	Skipped []*PartialTransferError
	// Bytes is the uncompressed size of all archived objects.
	Bytes int64
}

// Archiver builds and extracts object archives.
type Archiver struct {
	store   storage.ObjectStore
	workers int
	logger  zerolog.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithWorkers sets the download pool size.
func WithWorkers(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// New returns an Archiver reading from and writing to store.
func New(store storage.ObjectStore, opts ...Option) *Archiver {
	a := &Archiver{store: store, workers: DefaultWorkers, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "archive").Logger()
	return a
}

type spooled struct {
	key  string
	path string
}

// Build writes a zip archive of keys to outputPath. Entry names equal the
// keys. Objects that fail to download are reported in the result and skipped.
// Errors are returned only for local I/O failures or cancellation.
func (a *Archiver) Build(ctx context.Context, outputPath string, keys []string) (res *BuildResult, err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(outputPath)
		}
	}()

	spoolDir, err := os.MkdirTemp(filepath.Dir(outputPath), ".spool-")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	defer os.RemoveAll(spoolDir)

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res = &BuildResult{}
	var skippedMu sync.Mutex
	skip := func(key string, cause error) {
		pte := &PartialTransferError{Key: key, Err: cause}
		a.logger.Warn().Err(cause).Str("key", key).Msg("skipping object")
		skippedMu.Lock()
		res.Skipped = append(res.Skipped, pte)
		skippedMu.Unlock()
	}

	results := make(chan spooled)
	fetchDone := make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.workers)
		seen := make(map[string]bool, len(keys))
		for i, key := range keys {
			if gctx.Err() != nil {
				break
			}
			if err := entryNameError(key); err != nil {
				skip(key, err)
				continue
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			i, key := i, key
			g.Go(func() error {
				p, err := a.fetch(gctx, spoolDir, i, key)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					skip(key, err)
					return nil
				}
				select {
				case results <- spooled{key: key, path: p}:
					return nil
				case <-gctx.Done():
					os.Remove(p)
					return gctx.Err()
				}
			})
		}
		fetchDone <- g.Wait()
		close(results)
	}()

	// Single writer: only this loop touches zw.
	var writeErr error
	for s := range results {
		if writeErr == nil {
			n, err := appendFile(zw, s)
			if err != nil {
				writeErr = fmt.Errorf("failed to add %s: %w", s.key, err)
				cancel()
			} else {
				res.Added = append(res.Added, s.key)
				res.Bytes += n
			}
		}
		os.Remove(s.path)
	}
	fetchErr := <-fetchDone

	if writeErr != nil {
		return nil, writeErr
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("archive build aborted: %w", fetchErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(res.Added) == 0 {
		w, err := zw.Create(PlaceholderName)
		if err != nil {
			return nil, fmt.Errorf("failed to write placeholder: %w", err)
		}
		if _, err := io.WriteString(w, "no referenced objects were archived\n"); err != nil {
			return nil, fmt.Errorf("failed to write placeholder: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize zip: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}

	a.logger.Info().
		Int("added", len(res.Added)).
		Int("skipped", len(res.Skipped)).
		Int64("bytes", res.Bytes).
		Msg("archive built")
	return res, nil
}

// fetch downloads key into a spool file and returns its path.
func (a *Archiver) fetch(ctx context.Context, spoolDir string, idx int, key string) (string, error) {
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	p := filepath.Join(spoolDir, fmt.Sprintf("%08d", idx))
	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(p)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(p)
		return "", err
	}
	return p, nil
}

func appendFile(zw *zip.Writer, s spooled) (int64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     s.key,
		Method:   zip.Deflate,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	return io.Copy(w, f)
}

// Entry is one object unpacked by Extract. Path is a generated file name
// below the destination directory and never derived from Key.
type Entry struct {
	Key  string
	Path string
}

// entryNameError reports keys a zip entry name cannot carry. Keys are
// otherwise opaque and are never interpreted as file paths.
func entryNameError(key string) error {
	switch {
	case key == "":
		return errors.New("empty key")
	case key == PlaceholderName:
		return errors.New("key collides with the placeholder entry")
	case strings.HasSuffix(key, "/"):
		// A trailing slash marks a directory entry, which cannot hold data.
		return errors.New("key ends with a slash")
	}
	return nil
}

// Extract inflates every entry of the archive into destDir. Each object is
// written to a generated file name, so any key (nested prefixes, leading
// slashes, dot segments) round-trips. The placeholder and directory entries
// are skipped.
func (a *Archiver) Extract(ctx context.Context, archivePath, destDir string) ([]Entry, error) {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// Entry names are object keys, not paths; nothing is written under them.
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)

	destDir = filepath.Clean(destDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	var entries []Entry
	for i, file := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if file.Name == PlaceholderName || file.FileInfo().IsDir() {
			continue
		}

		destPath := filepath.Join(destDir, fmt.Sprintf("%08d", i))
		if err := extractFile(file, destPath); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", file.Name, err)
		}
		entries = append(entries, Entry{Key: file.Name, Path: destPath})
	}

	a.logger.Info().Int("objects", len(entries)).Msg("archive extracted")
	return entries, nil
}

// extractFile extracts a single file from the zip to destPath.
func extractFile(file *zip.File, destPath string) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
