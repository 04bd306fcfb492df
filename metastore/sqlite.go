package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/alexjoedt/filevault"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	original_filename TEXT NOT NULL,
	stored_filename   TEXT NOT NULL UNIQUE,
	file_path         TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL,
	upload_status     TEXT NOT NULL CHECK (upload_status IN ('uploaded', 'error')),
	size              INTEGER NOT NULL DEFAULT 0,
	checksum          TEXT NOT NULL DEFAULT '',
	content_type      TEXT NOT NULL DEFAULT ''
);`

// SQLite is a MetadataStore backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the files table exists.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time is all SQLite supports; a single connection
	// turns lock contention into queueing inside database/sql.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate creates the files table if it does not exist.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("error creating files table: %w", err)
	}
	return nil
}

func (s *SQLite) Insert(ctx context.Context, rec *filevault.FileRecord) (int64, error) {
	const query = `
	INSERT INTO files (original_filename, stored_filename, file_path, created_at, upload_status, size, checksum, content_type)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, query,
		rec.OriginalFilename, rec.StoredFilename, rec.FilePath, rec.CreatedAt,
		string(rec.UploadStatus), rec.Size, rec.Checksum, rec.ContentType)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("insert %q: %w", rec.StoredFilename, filevault.ErrDuplicateName)
		}
		return 0, fmt.Errorf("error inserting file record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error reading inserted id: %w", err)
	}

	rec.ID = id
	return id, nil
}

func (s *SQLite) List(ctx context.Context) ([]filevault.Summary, error) {
	const query = `SELECT id, original_filename, created_at FROM files ORDER BY id DESC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing files: %w", err)
	}
	defer rows.Close()

	list := []filevault.Summary{}
	for rows.Next() {
		var sum filevault.Summary
		if err := rows.Scan(&sum.ID, &sum.OriginalFilename, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning file summary: %w", err)
		}
		list = append(list, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return list, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*filevault.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files WHERE id = ?;`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file %d: %w", id, filevault.ErrNoRecord)
		}
		return nil, fmt.Errorf("error finding file record %d: %w", id, err)
	}

	return rec, nil
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("error deleting file record %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error deleting file record %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("file %d: %w", id, filevault.ErrNoRecord)
	}

	return nil
}

func (s *SQLite) Records(ctx context.Context) ([]filevault.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing file records: %w", err)
	}
	defer rows.Close()

	var records []filevault.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning file record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rows: %w", err)
	}

	return records, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
