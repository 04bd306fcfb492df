package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexjoedt/filevault"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS files (
	id                BIGSERIAL PRIMARY KEY,
	original_filename TEXT NOT NULL,
	stored_filename   TEXT NOT NULL UNIQUE,
	file_path         TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	upload_status     VARCHAR(16) NOT NULL CHECK (upload_status IN ('uploaded', 'error')),
	size              BIGINT NOT NULL DEFAULT 0,
	checksum          VARCHAR(64) NOT NULL DEFAULT '',
	content_type      TEXT NOT NULL DEFAULT ''
);`

const pgUniqueViolation = "23505"

// Postgres is a MetadataStore backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connStr and ensures the files table exists.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := NewPostgres(pool)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

// NewPostgres wraps an existing pool. The store closes the pool in Close.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the files table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("error creating files table: %w", err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, rec *filevault.FileRecord) (int64, error) {
	const query = `
	INSERT INTO files (original_filename, stored_filename, file_path, created_at, upload_status, size, checksum, content_type)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id;`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var id int64
	err := p.pool.QueryRow(ctx, query,
		rec.OriginalFilename, rec.StoredFilename, rec.FilePath, rec.CreatedAt,
		string(rec.UploadStatus), rec.Size, rec.Checksum, rec.ContentType,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, fmt.Errorf("insert %q: %w", rec.StoredFilename, filevault.ErrDuplicateName)
		}
		return 0, fmt.Errorf("error inserting file record: %w", err)
	}

	rec.ID = id
	return id, nil
}

func (p *Postgres) List(ctx context.Context) ([]filevault.Summary, error) {
	const query = `SELECT id, original_filename, created_at FROM files ORDER BY id DESC;`

	rows, err := p.pool.Query(ctx, query)
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

func (p *Postgres) Get(ctx context.Context, id int64) (*filevault.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files WHERE id = $1;`

	rec, err := scanRecord(p.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("file %d: %w", id, filevault.ErrNoRecord)
		}
		return nil, fmt.Errorf("error finding file record %d: %w", id, err)
	}

	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM files WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("error deleting file record %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("file %d: %w", id, filevault.ErrNoRecord)
	}

	return nil
}

func (p *Postgres) Records(ctx context.Context) ([]filevault.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM files ORDER BY id ASC;`

	rows, err := p.pool.Query(ctx, query)
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

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
