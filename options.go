package filevault

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ShardFunc maps a stored filename to the blob's path relative to the
// storage root. It must be deterministic: the path is recorded in the
// metadata store and resolved again on every fetch.
type ShardFunc func(name string) string

// Options configures a BlobStore.
type Options struct {
	FileMode  os.FileMode // Permission bits for blob files
	DirMode   os.FileMode // Permission bits for directories
	ShardFunc ShardFunc   // Layout of blobs under the root

	// Compression enables zstd at rest. It applies to every blob under the
	// root, so it must not be toggled on a root that already holds blobs.
	Compression      bool
	CompressionLevel zstd.EncoderLevel
}

// OptionFunc is a functional option for configuring a BlobStore.
type OptionFunc func(opts *Options)

// WithFileMode sets the permission mode for blob files.
// Default is 0644.
func WithFileMode(mode os.FileMode) OptionFunc {
	return func(opts *Options) {
		opts.FileMode = mode
	}
}

// WithDirMode sets the permission mode for the root and shard directories.
// Default is 0755.
func WithDirMode(mode os.FileMode) OptionFunc {
	return func(opts *Options) {
		opts.DirMode = mode
	}
}

// WithShardFunc sets the blob layout. The default, FlatShardFunc, keeps
// every blob directly under the root.
//
// Example bucketing by the first character of the name:
//
//	WithShardFunc(func(name string) string {
//	    return filepath.Join(name[:1], name)
//	})
func WithShardFunc(fn ShardFunc) OptionFunc {
	return func(opts *Options) {
		opts.ShardFunc = fn
	}
}

// WithCompression stores blobs zstd-compressed. level is a zstd level
// (1-22) which zstd.EncoderLevelFromZstd maps onto the encoder's four
// speed levels. Reads are transparently decompressed. A level of 0
// disables compression.
func WithCompression(level int) OptionFunc {
	return func(opts *Options) {
		if level <= 0 {
			opts.Compression = false
			return
		}
		opts.Compression = true
		opts.CompressionLevel = zstd.EncoderLevelFromZstd(level)
	}
}

// FlatShardFunc stores every blob directly under the root as
// "<name>".
func FlatShardFunc(name string) string {
	return name
}

// HashShardFunc spreads blobs over a two-level directory structure derived
// from the SHA-256 of the name: "a3/f2/<name>". 256 * 256 buckets keep
// directory sizes small for very large vaults.
func HashShardFunc(name string) string {
	hash := sha256.Sum256([]byte(name))
	hexHash := hex.EncodeToString(hash[:])

	return filepath.Join(hexHash[:2], hexHash[2:4], name)
}

var defaultOpts = &Options{
	FileMode:  0644,
	DirMode:   0755,
	ShardFunc: FlatShardFunc,
}
