// Package filevault stores uploaded files as opaque blobs on disk and keeps
// a metadata record for each of them in a relational store.
//
// # Design
//
// A file is two independent facts: a blob in the BlobStore directory and a
// FileRecord in the MetadataStore. There is no transaction spanning both,
// so Vault orders its writes so that a crash leaves the least harmful kind
// of drift:
//
//   - Upload writes the blob, then inserts the record. A crash in between
//     leaves an orphan blob, which Sweep finds and reclaims. It never
//     leaves a record pointing at nothing.
//   - Delete removes the blob, then the record. A crash in between leaves
//     a dangling record, which Fetch reports as ErrBlobMissing. It never
//     leaves an untracked blob.
//
// The record is the source of truth for whether a file is known. Blob
// absence behind an existing record is reported as ErrBlobMissing, never
// as ErrRecordNotFound.
//
// # Usage
//
//	blobs, err := filevault.NewBlobStore("server_storage")
//	if err != nil {
//		return err
//	}
//	meta, err := metastore.OpenSQLite("vault.db")
//	if err != nil {
//		return err
//	}
//	v := filevault.New(blobs, meta, filevault.WithLogger(logger))
//	defer v.Close()
//
//	id, err := v.Upload(ctx, "report.txt", body)
//
//	content, err := v.Fetch(ctx, id)
//	defer content.Close()
//
// # Concurrency
//
// All Vault methods are safe for concurrent use. Concurrent uploads never
// share an id (the metadata store assigns it atomically) or a stored name
// (the NameAllocator counter and the no-clobber commit). A Fetch racing a
// Delete either reads the full content or fails with ErrRecordNotFound or
// ErrBlobMissing.
package filevault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Vault coordinates a BlobStore and a MetadataStore.
type Vault struct {
	blobs  *BlobStore
	meta   MetadataStore
	names  *NameAllocator
	logger *zap.Logger
	stats  *Collector
}

// VaultOption configures a Vault.
type VaultOption func(v *Vault)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) VaultOption {
	return func(v *Vault) {
		v.logger = logger
	}
}

// WithCollector records operation metrics into c.
func WithCollector(c *Collector) VaultOption {
	return func(v *Vault) {
		v.stats = c
	}
}

// WithAllocator replaces the name allocator.
func WithAllocator(a *NameAllocator) VaultOption {
	return func(v *Vault) {
		v.names = a
	}
}

// New returns a Vault over blobs and meta. The Vault owns meta from here
// on and closes it in Close.
func New(blobs *BlobStore, meta MetadataStore, opts ...VaultOption) *Vault {
	v := &Vault{
		blobs:  blobs,
		meta:   meta,
		names:  defaultAllocator,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Content is the result of Fetch. Read the blob through it and Close it
// when done.
type Content struct {
	io.ReadCloser

	// Name is the original filename, the name to present for download.
	Name        string
	ContentType string
	Size        int64
	Checksum    string
	CreatedAt   time.Time
}

// Upload stores the content of r as a new file called originalName and
// returns the record id.
//
// The blob is committed before the record is inserted. If the insert
// fails the committed blob is left in place as an orphan for Sweep, and
// ErrMetadataFailure is returned.
func (v *Vault) Upload(ctx context.Context, originalName string, r io.Reader) (id int64, err error) {
	defer v.stats.observe("upload", time.Now(), &err)

	if originalName == "" {
		return 0, ErrEmptyName
	}

	stored := v.names.Allocate(originalName)

	info, err := v.blobs.Put(ctx, stored, r)
	if err != nil {
		if errors.Is(err, ErrNameCollision) {
			v.logger.Error("stored name collision on blob commit",
				zap.String("stored_filename", stored),
				zap.Error(err),
			)
			return 0, fmt.Errorf("upload %q: %w: %w", originalName, ErrNameCollision, err)
		}
		return 0, fmt.Errorf("upload %q: %w: %w", originalName, ErrIOFailure, err)
	}

	rec := &FileRecord{
		OriginalFilename: originalName,
		StoredFilename:   stored,
		FilePath:         info.Path,
		CreatedAt:        time.Now().UTC(),
		UploadStatus:     StatusUploaded,
		Size:             info.Size,
		Checksum:         info.Checksum,
		ContentType:      info.ContentType,
	}

	id, err = v.meta.Insert(ctx, rec)
	if err != nil {
		v.logger.Warn("record insert failed, orphan blob left for sweep",
			zap.String("file_path", info.Path),
			zap.Error(err),
		)
		if errors.Is(err, ErrDuplicateName) {
			return 0, fmt.Errorf("upload %q: %w: %w", originalName, ErrNameCollision, err)
		}
		return 0, fmt.Errorf("upload %q: %w: %w", originalName, ErrMetadataFailure, err)
	}

	v.stats.uploaded(info.Size)
	v.logger.Debug("file uploaded",
		zap.Int64("id", id),
		zap.String("stored_filename", stored),
		zap.Int64("size", info.Size),
	)

	return id, nil
}

// List returns every known file, most recent first. It does not touch the
// blob store.
func (v *Vault) List(ctx context.Context) (list []Summary, err error) {
	defer v.stats.observe("list", time.Now(), &err)

	list, err = v.meta.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list: %w: %w", ErrMetadataFailure, err)
	}
	return list, nil
}

// Fetch opens the content of file id. It returns ErrRecordNotFound for an
// unknown id and ErrBlobMissing when the record exists but its blob does
// not.
func (v *Vault) Fetch(ctx context.Context, id int64) (c *Content, err error) {
	defer v.stats.observe("fetch", time.Now(), &err)

	rec, err := v.record(ctx, "fetch", id)
	if err != nil {
		return nil, err
	}

	rc, err := v.blobs.Get(ctx, rec.FilePath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			v.logger.Warn("record has no blob",
				zap.Int64("id", id),
				zap.String("file_path", rec.FilePath),
			)
			return nil, fmt.Errorf("fetch %d: %w", id, ErrBlobMissing)
		}
		return nil, fmt.Errorf("fetch %d: %w: %w", id, ErrIOFailure, err)
	}

	return &Content{
		ReadCloser:  rc,
		Name:        rec.OriginalFilename,
		ContentType: rec.ContentType,
		Size:        rec.Size,
		Checksum:    rec.Checksum,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Delete removes file id: blob first, then record. A blob that is already
// gone is not an error. Any other blob failure is returned as ErrIOFailure
// and the record is kept, so the caller can retry. Deleting an unknown or
// already deleted id returns ErrRecordNotFound.
func (v *Vault) Delete(ctx context.Context, id int64) (err error) {
	defer v.stats.observe("delete", time.Now(), &err)

	rec, err := v.record(ctx, "delete", id)
	if err != nil {
		return err
	}

	if err := v.blobs.Delete(ctx, rec.FilePath); err != nil {
		if !errors.Is(err, ErrNotFound) {
			v.logger.Error("blob delete failed, record kept",
				zap.Int64("id", id),
				zap.String("file_path", rec.FilePath),
				zap.Error(err),
			)
			return fmt.Errorf("delete %d: %w: %w", id, ErrIOFailure, err)
		}
		v.logger.Info("blob already absent on delete",
			zap.Int64("id", id),
			zap.String("file_path", rec.FilePath),
		)
	}

	if err := v.meta.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNoRecord) {
			return fmt.Errorf("delete %d: %w", id, ErrRecordNotFound)
		}
		v.logger.Error("record delete failed after blob removal",
			zap.Int64("id", id),
			zap.Error(err),
		)
		return fmt.Errorf("delete %d: %w: %w", id, ErrMetadataFailure, err)
	}

	return nil
}

// Close releases the metadata store.
func (v *Vault) Close() error {
	return v.meta.Close()
}

func (v *Vault) record(ctx context.Context, op string, id int64) (*FileRecord, error) {
	rec, err := v.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, fmt.Errorf("%s %d: %w", op, id, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("%s %d: %w: %w", op, id, ErrMetadataFailure, err)
	}
	return rec, nil
}
