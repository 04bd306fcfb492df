package filevault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

var ErrBlobClosed = errors.New("blob is closed")

// Blob is a blob being written. Content goes to a temporary file under the
// store's temp directory and becomes visible at its final path only on
// Commit, so a reader never observes a partially written blob and an
// interrupted upload leaves nothing behind but a temp file.
//
//	blob, err := store.NewBlob()
//	if err != nil {
//		return err
//	}
//	defer blob.Discard()
//
//	if _, err = io.Copy(blob, body); err != nil {
//		return err
//	}
//	info, err := blob.Commit(name)
type Blob struct {
	store *BlobStore

	tmpFile *os.File
	tmpPath string

	// w is tmpFile, or a zstd encoder wrapping it.
	w   io.Writer
	enc *zstd.Encoder

	// SHA-256 and size cover the uncompressed content.
	hasher hash.Hash
	size   int64

	// First 512 bytes, for http.DetectContentType.
	buffer     []byte
	bufferUsed int

	mu        sync.Mutex
	closed    bool
	committed bool
	err       error // sticky
}

// NewBlob creates a writable blob backed by a fresh temp file. It must be
// finished with Commit or Discard.
func (bs *BlobStore) NewBlob() (*Blob, error) {
	tmpFile, err := bs.newTempFile()
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	blob := &Blob{
		store:   bs,
		tmpFile: tmpFile,
		tmpPath: tmpFile.Name(),
		w:       tmpFile,
		hasher:  sha256.New(),
		buffer:  make([]byte, 512),
	}

	if bs.opts.Compression {
		enc, err := zstd.NewWriter(tmpFile, zstd.WithEncoderLevel(bs.opts.CompressionLevel))
		if err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(blob.tmpPath)
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		blob.enc = enc
		blob.w = enc
	}

	return blob, nil
}

// Write implements io.Writer.
func (b *Blob) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrBlobClosed
	}

	if b.err != nil {
		return 0, b.err
	}

	if b.bufferUsed < len(b.buffer) {
		toCopy := min(len(b.buffer)-b.bufferUsed, len(p))
		copy(b.buffer[b.bufferUsed:], p[:toCopy])
		b.bufferUsed += toCopy
	}

	written, err := b.w.Write(p)
	if err != nil {
		b.err = err
		return written, err
	}

	_, _ = b.hasher.Write(p[:written])
	b.size += int64(written)
	return written, nil
}

// Hash returns the hex SHA-256 of the content written so far.
func (b *Blob) Hash() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return hex.EncodeToString(b.hasher.Sum(nil))
}

// Size returns the number of content bytes written so far.
func (b *Blob) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Closed reports whether the blob has been committed or discarded.
func (b *Blob) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Commit makes the blob visible under name and returns its info. The path
// is name passed through the store's ShardFunc.
//
// Commit never replaces an existing blob: if the target path is taken it
// returns ErrNameCollision and the content is discarded. The temp file is
// removed in every case.
func (b *Blob) Commit(name string) (BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return BlobInfo{}, ErrBlobClosed
	}
	if b.err != nil {
		return BlobInfo{}, b.err
	}

	relPath := b.store.PathFor(name)
	if err := validatePath(relPath); err != nil {
		b.err = err
		return BlobInfo{}, err
	}

	b.closed = true
	defer os.Remove(b.tmpPath)

	if b.enc != nil {
		if err := b.enc.Close(); err != nil {
			_ = b.tmpFile.Close()
			b.err = fmt.Errorf("flushing zstd stream: %w", err)
			return BlobInfo{}, b.err
		}
	}
	if err := b.tmpFile.Sync(); err != nil {
		_ = b.tmpFile.Close()
		b.err = fmt.Errorf("syncing temp file: %w", err)
		return BlobInfo{}, b.err
	}
	if err := b.tmpFile.Close(); err != nil {
		b.err = err
		return BlobInfo{}, b.err
	}

	if err := os.Chmod(b.tmpPath, b.store.opts.FileMode); err != nil {
		b.err = err
		return BlobInfo{}, b.err
	}

	dataPath := b.store.absPath(relPath)
	b.store.dirMu.RLock()
	err := os.MkdirAll(filepath.Dir(dataPath), b.store.opts.DirMode)
	if err == nil {
		err = commitNoClobber(b.tmpPath, dataPath)
	} else {
		err = fmt.Errorf("creating blob directory: %w", err)
	}
	b.store.dirMu.RUnlock()
	if err != nil {
		if errors.Is(err, ErrNameCollision) {
			b.err = fmt.Errorf("blob %q: %w", relPath, err)
		} else {
			b.err = fmt.Errorf("committing blob %q: %w", relPath, err)
		}
		return BlobInfo{}, b.err
	}

	b.committed = true
	return BlobInfo{
		Path:        relPath,
		Size:        b.size,
		Checksum:    hex.EncodeToString(b.hasher.Sum(nil)),
		ContentType: http.DetectContentType(b.buffer[:b.bufferUsed]),
		ModTime:     time.Now(),
	}, nil
}

// commitNoClobber moves src to dst unless dst exists. A hard link gives
// the check and the move in one atomic step; filesystems without hard
// links fall back to check-then-rename.
func commitNoClobber(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return ErrNameCollision
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return ErrNameCollision
	}
	return os.Rename(src, dst)
}

// Discard drops the blob and removes its temp file. It is a no-op on a
// committed or already discarded blob.
func (b *Blob) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	if b.enc != nil {
		_ = b.enc.Close()
	}
	if err := b.tmpFile.Close(); err != nil && b.err == nil {
		b.err = err
	}
	os.Remove(b.tmpPath)

	return b.err
}

// Close is an alias for Discard, so a Blob can sit behind io.Closer. It
// does NOT commit.
func (b *Blob) Close() error {
	return b.Discard()
}
