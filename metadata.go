package filevault

import (
	"context"
	"time"
)

// UploadStatus is informational; it does not gate access to a record.
type UploadStatus string

const (
	StatusUploaded UploadStatus = "uploaded"
	StatusError    UploadStatus = "error"
)

// FileRecord is the metadata row describing one uploaded blob.
type FileRecord struct {
	ID               int64        `json:"id"`
	OriginalFilename string       `json:"original_filename"`
	StoredFilename   string       `json:"stored_filename"`
	FilePath         string       `json:"file_path"`
	CreatedAt        time.Time    `json:"created_at"`
	UploadStatus     UploadStatus `json:"upload_status"`
	Size             int64        `json:"size"`
	Checksum         string       `json:"checksum"`
	ContentType      string       `json:"content_type"`
}

// Summary is the listing view of a FileRecord.
type Summary struct {
	ID               int64     `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	CreatedAt        time.Time `json:"created_at"`
}

// MetadataStore persists FileRecords. Implementations return ErrNoRecord
// for unknown ids and ErrDuplicateName when a stored filename is already
// recorded; every other error is a store failure.
type MetadataStore interface {
	// Insert stores rec, assigns its ID (and CreatedAt when zero) and
	// returns the ID.
	Insert(ctx context.Context, rec *FileRecord) (int64, error)

	// List returns all records, most recently created (highest id) first.
	List(ctx context.Context) ([]Summary, error)

	Get(ctx context.Context, id int64) (*FileRecord, error)

	Delete(ctx context.Context, id int64) error

	// Records returns every full record in ascending id order.
	Records(ctx context.Context) ([]FileRecord, error)

	Close() error
}
