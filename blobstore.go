package filevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	tempDirName = ".tmp"

	maxPathLength = 1024
)

// BlobStore keeps opaque blobs in a directory on the local filesystem.
// Blobs are addressed by their path relative to the root; the path is
// derived from a stored filename by the configured ShardFunc.
//
// The store owns its root: nothing else is expected to write there. Temp
// files live in "<root>/.tmp" so that a commit is a rename within one
// filesystem.
//
// All methods are safe for concurrent use.
type BlobStore struct {
	root string
	opts *Options

	// dirMu keeps cleanupEmptyDirs from pruning a shard directory between
	// a commit's MkdirAll and its link into that directory.
	dirMu sync.RWMutex
}

// BlobInfo describes a committed blob.
type BlobInfo struct {
	Path        string    // Relative to the storage root, slash separated
	Size        int64     // Content bytes (uncompressed when written, on-disk when listed)
	Checksum    string    // Hex SHA-256 of the content, set on commit only
	ContentType string    // Sniffed on commit only
	ModTime     time.Time // Last modification time
}

// NewBlobStore opens the store rooted at root, creating the directory if
// needed.
func NewBlobStore(root string, opts ...OptionFunc) (*BlobStore, error) {
	// Copy so the package defaults stay untouched.
	options := &Options{
		FileMode:  defaultOpts.FileMode,
		DirMode:   defaultOpts.DirMode,
		ShardFunc: defaultOpts.ShardFunc,
	}

	for _, opt := range opts {
		opt(options)
	}

	bs := &BlobStore{
		root: filepath.Clean(root),
		opts: options,
	}
	if err := bs.ensureDirs(); err != nil {
		return nil, err
	}

	return bs, nil
}

// Root returns the storage root directory.
func (bs *BlobStore) Root() string {
	return bs.root
}

// PathFor returns the relative path a blob stored under name is kept at.
func (bs *BlobStore) PathFor(name string) string {
	return filepath.ToSlash(bs.opts.ShardFunc(name))
}

func (bs *BlobStore) ensureDirs() error {
	if err := os.MkdirAll(bs.root, bs.opts.DirMode); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(bs.root, tempDirName), bs.opts.DirMode); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	return nil
}

// Put stores the content of r under name and returns the committed blob's
// info. The content is fully consumed into a temp file before anything
// appears at the final path; if r fails midway nothing is committed.
//
// Put creates the root if it has gone missing, and never overwrites an
// existing blob: a taken path yields ErrNameCollision.
func (bs *BlobStore) Put(ctx context.Context, name string, r io.Reader) (BlobInfo, error) {
	if err := bs.ensureDirs(); err != nil {
		return BlobInfo{}, err
	}

	blob, err := bs.NewBlob()
	if err != nil {
		return BlobInfo{}, err
	}
	defer blob.Discard()

	if _, err := io.Copy(blob, contextReader{ctx: ctx, r: r}); err != nil {
		return BlobInfo{}, fmt.Errorf("writing blob %q: %w", name, err)
	}

	return blob.Commit(name)
}

// Get opens the blob at path. It returns ErrNotFound if no blob exists
// there. The caller must close the returned reader.
//
// The open handle keeps reading the full content even if the blob is
// deleted concurrently.
func (bs *BlobStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(bs.absPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}
	if stat.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("blob %q is a directory: %w", path, ErrNotFound)
	}

	if !bs.opts.Compression {
		return f, nil
	}

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

func (bs *BlobStore) Stat(ctx context.Context, path string) (BlobInfo, error) {
	if err := validatePath(path); err != nil {
		return BlobInfo{}, err
	}

	stat, err := os.Stat(bs.absPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BlobInfo{}, fmt.Errorf("blob %q: %w", path, ErrNotFound)
		}
		return BlobInfo{}, fmt.Errorf("stat blob %q: %w", path, err)
	}
	if stat.IsDir() {
		return BlobInfo{}, fmt.Errorf("blob %q is a directory: %w", path, ErrNotFound)
	}

	return BlobInfo{
		Path:    path,
		Size:    stat.Size(),
		ModTime: stat.ModTime(),
	}, nil
}

func (bs *BlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := bs.Stat(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the blob at path. It returns ErrNotFound if there is
// nothing to remove, so callers can tell a retried delete from a failed
// one.
//
// The blob is first renamed into the temp directory and only then
// unlinked: the path disappears atomically and readers holding the blob
// open finish with the complete content.
func (bs *BlobStore) Delete(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	abs := bs.absPath(path)
	stat, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %q: %w", path, ErrNotFound)
		}
		return fmt.Errorf("delete blob %q: %w", path, err)
	}
	if stat.IsDir() {
		return fmt.Errorf("blob %q is a directory: %w", path, ErrNotFound)
	}

	if err := bs.ensureDirs(); err != nil {
		return fmt.Errorf("delete blob %q: %w", path, err)
	}

	trash := filepath.Join(bs.root, tempDirName, newID()+".del")
	if err := os.Rename(abs, trash); err != nil {
		// Only a source that vanished since the Lstat counts as not found.
		if _, lerr := os.Lstat(abs); errors.Is(lerr, os.ErrNotExist) {
			return fmt.Errorf("blob %q: %w", path, ErrNotFound)
		}
		return fmt.Errorf("delete blob %q: %w", path, err)
	}

	// The blob is gone from its path at this point. A leftover trash file
	// is collected by SweepTemp.
	_ = os.Remove(trash)

	bs.cleanupEmptyDirs(abs)

	return nil
}

// BlobResult iterates over committed blobs.
//
//	iter := store.List(ctx)
//	defer iter.Close()
//	for iter.Next() {
//	    info := iter.Info()
//	}
//	if err := iter.Err(); err != nil {
//	    return err
//	}
type BlobResult struct {
	ctx    context.Context // owned by the walk goroutine
	cancel context.CancelFunc

	infoChan chan BlobInfo
	errChan  chan error

	current BlobInfo
	err     error
	closed  bool
}

// Next advances to the next blob. It returns false when iteration is done
// or failed; check Err afterwards.
func (br *BlobResult) Next() bool {
	if br.closed || br.err != nil {
		return false
	}

	select {
	case info, ok := <-br.infoChan:
		if !ok {
			// infoChan closes after errChan has had its say.
			if err, ok := <-br.errChan; ok {
				br.err = err
			}
			return false
		}
		br.current = info
		return true

	case <-br.ctx.Done():
		br.err = br.ctx.Err()
		return false
	}
}

// Info returns the current blob. Only valid after Next returns true.
func (br *BlobResult) Info() BlobInfo {
	return br.current
}

func (br *BlobResult) Err() error {
	return br.err
}

// Close stops the iteration. Safe to call multiple times.
func (br *BlobResult) Close() error {
	if br.closed {
		return nil
	}

	br.closed = true
	if br.cancel != nil {
		br.cancel()
	}
	return nil
}

// List returns an iterator over every committed blob under the root. Temp
// files are not included. The iterator must be closed.
func (bs *BlobStore) List(ctx context.Context) *BlobResult {
	ctx, cancel := context.WithCancel(ctx)

	result := &BlobResult{
		ctx:      ctx,
		cancel:   cancel,
		infoChan: make(chan BlobInfo, 10),
		errChan:  make(chan error, 1),
	}

	go bs.walkBlobs(ctx, result.infoChan, result.errChan)

	return result
}

func (bs *BlobStore) walkBlobs(ctx context.Context, infoChan chan<- BlobInfo, errChan chan<- error) {
	defer close(infoChan)
	defer close(errChan)

	tempDir := filepath.Join(bs.root, tempDirName)

	err := filepath.WalkDir(bs.root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == tempDir {
				return filepath.SkipDir
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			// Removed while walking.
			return nil
		}

		rel, err := filepath.Rel(bs.root, path)
		if err != nil {
			return err
		}

		select {
		case infoChan <- BlobInfo{Path: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()}:
		case <-ctx.Done():
			return ctx.Err()
		}

		return nil
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		errChan <- err
	}
}

// SweepTemp finds temp files older than olderThan: uploads that never
// committed and deletes whose final unlink failed. With remove set they
// are deleted. The returned names are relative to the temp directory.
func (bs *BlobStore) SweepTemp(ctx context.Context, olderThan time.Duration, remove bool) ([]string, error) {
	tempDir := filepath.Join(bs.root, tempDirName)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading temp directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stale, err
		}

		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}

		if remove {
			if err := os.RemoveAll(filepath.Join(tempDir, e.Name())); err != nil {
				return stale, fmt.Errorf("removing temp file %q: %w", e.Name(), err)
			}
		}
		stale = append(stale, e.Name())
	}

	return stale, nil
}

func (bs *BlobStore) absPath(path string) string {
	return filepath.Join(bs.root, filepath.FromSlash(path))
}

func (bs *BlobStore) newTempFile() (*os.File, error) {
	return os.OpenFile(filepath.Join(bs.root, tempDirName, newID()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
}

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if len(path) > maxPathLength {
		return ErrPathTooLong
	}

	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute paths are not allowed: %w", ErrInvalidPath)
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("relative path traversal not allowed: %w", ErrInvalidPath)
	}

	if strings.Contains(path, "\x00") {
		return fmt.Errorf("null bytes not allowed: %w", ErrInvalidPath)
	}

	for i, r := range path {
		if !isValidPathChar(r) {
			return fmt.Errorf("invalid character %q at position %d: %w", r, i, ErrInvalidPath)
		}
	}

	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("path cannot end with slash: %w", ErrInvalidPath)
	}

	if strings.Contains(path, "//") {
		return fmt.Errorf("consecutive slashes not allowed: %w", ErrInvalidPath)
	}

	if path == tempDirName || strings.HasPrefix(path, tempDirName+"/") {
		return fmt.Errorf("temp directory is reserved: %w", ErrInvalidPath)
	}

	return nil
}

// isValidPathChar reports whether r may appear in a blob path:
// alphanumerics, hyphen, underscore, dot and forward slash.
func isValidPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == '/'
}

// cleanupEmptyDirs removes shard directories left empty by a delete,
// walking up from path until it reaches the root or a non-empty directory.
func (bs *BlobStore) cleanupEmptyDirs(path string) {
	bs.dirMu.Lock()
	defer bs.dirMu.Unlock()

	parent := filepath.Dir(path)

	for parent != bs.root && parent != "." && parent != "/" && strings.HasPrefix(parent, bs.root) {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			break
		}

		if err := os.Remove(parent); err != nil {
			break
		}

		parent = filepath.Dir(parent)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}
