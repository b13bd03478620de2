package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/addrsync/internal/model"
)

const fileColumns = `id, filename, size, mode, status, checksum, inserted, updated, error,
	created_at, started_at, finished_at`

// FileStore tracks discovered and processed source files.
type FileStore struct {
	db *sql.DB
}

// NewFileStore creates a new imported-file repository
func NewFileStore(db *sql.DB) *FileStore {
	return &FileStore{db: db}
}

func scanFile(row rowScanner) (*model.ImportedFile, error) {
	var f model.ImportedFile
	err := row.Scan(&f.ID, &f.Filename, &f.Size, &f.Mode, &f.Status, &f.Checksum, &f.Inserted,
		&f.Updated, &f.Error, &f.CreatedAt, &f.StartedAt, &f.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *FileStore) one(ctx context.Context, what, query string, args ...any) (*model.ImportedFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	return f, nil
}

// Create registers a file as pending.
func (s *FileStore) Create(ctx context.Context, f *model.ImportedFile) (*model.ImportedFile, error) {
	return s.one(ctx, "imported file", `
		INSERT INTO imported_files (filename, size, mode, status, checksum)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING `+fileColumns, f.Filename, f.Size, string(f.Mode), f.Checksum)
}

// LatestByFilename returns the most recent record of filename.
func (s *FileStore) LatestByFilename(ctx context.Context, filename string) (*model.ImportedFile, error) {
	return s.one(ctx, "file "+filename, `
		SELECT `+fileColumns+` FROM imported_files
		WHERE filename = $1
		ORDER BY id DESC
		LIMIT 1
	`, filename)
}

// DoneByChecksum returns a completed import of identical content.
func (s *FileStore) DoneByChecksum(ctx context.Context, checksum string) (*model.ImportedFile, error) {
	return s.one(ctx, "checksum "+checksum, `
		SELECT `+fileColumns+` FROM imported_files
		WHERE checksum = $1 AND status = 'done'
		ORDER BY id DESC
		LIMIT 1
	`, checksum)
}

// MarkProcessing records the start of an import of file id. Finished
// records are never reopened; the call reports ErrNotFound for them.
func (s *FileStore) MarkProcessing(ctx context.Context, id int64, checksum string, size int64, mode model.ImportMode) error {
	return s.exec(ctx, `
		UPDATE imported_files
		SET status = 'processing', checksum = $2, size = $3, mode = $4, error = NULL,
			started_at = now(), finished_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, checksum, size, string(mode))
}

// MarkDone records a successful import with its counts.
func (s *FileStore) MarkDone(ctx context.Context, id, inserted, updated int64) error {
	return s.exec(ctx, `
		UPDATE imported_files
		SET status = 'done', inserted = $2, updated = $3, error = NULL, finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, inserted, updated)
}

// MarkSkipped records that the file was not imported and why.
func (s *FileStore) MarkSkipped(ctx context.Context, id int64, checksum, reason string) error {
	return s.exec(ctx, `
		UPDATE imported_files
		SET status = 'skipped', checksum = $2, error = $3, finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, checksum, reason)
}

// RecordError keeps the status as is and stores the failure text.
func (s *FileStore) RecordError(ctx context.Context, id int64, msg string) error {
	return s.exec(ctx, `UPDATE imported_files SET error = $2 WHERE id = $1`, id, msg)
}

// List returns the newest file records first.
func (s *FileStore) List(ctx context.Context, limit int) ([]model.ImportedFile, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM imported_files ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var out []model.ImportedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *FileStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update imported file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("imported file %v: %w", args[0], model.ErrNotFound)
	}
	return nil
}
