// Package metastore provides the relational MetadataStore implementations:
// SQLite for single-node installs and Postgres for shared databases.
package metastore

import (
	"context"
	"fmt"
	"strings"

	"github.com/alexjoedt/filevault"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const recordColumns = `id, original_filename, stored_filename, file_path, created_at, upload_status, size, checksum, content_type`

// Open opens the store for driver. For sqlite dsn is a file path, for
// postgres a connection string.
func Open(ctx context.Context, driver, dsn string) (filevault.MetadataStore, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres, "postgresql", "pgx":
		p, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*filevault.FileRecord, error) {
	var (
		rec    filevault.FileRecord
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.OriginalFilename,
		&rec.StoredFilename,
		&rec.FilePath,
		&rec.CreatedAt,
		&status,
		&rec.Size,
		&rec.Checksum,
		&rec.ContentType,
	)
	if err != nil {
		return nil, err
	}

	rec.UploadStatus = filevault.UploadStatus(status)
	return &rec, nil
}
