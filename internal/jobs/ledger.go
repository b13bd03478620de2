package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/addrsync/internal/model"
)

const uniqueViolation = "23505"

const jobColumns = `id, job_type, status, stage, message, meta, error, cancel_requested,
	started_at, updated_at, finished_at`

// Ledger is the PostgreSQL Store.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a new job ledger
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

var _ Store = (*Ledger)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job  model.Job
		meta []byte
		jerr sql.NullString
		fin  sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Stage, &job.Message, &meta,
		&jerr, &job.CancelRequested, &job.StartedAt, &job.UpdatedAt, &fin)
	if err != nil {
		return nil, err
	}
	job.Meta = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode job meta: %w", err)
		}
	}
	if jerr.Valid {
		job.Error = &jerr.String
	}
	if fin.Valid {
		job.FinishedAt = &fin.Time
	}
	return &job, nil
}

// Create records the start of a job
func (l *Ledger) Create(ctx context.Context, typ model.JobType, message string) (*model.Job, error) {
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO jobs (job_type, status, stage, message)
		VALUES ($1, 'running', 'queued', $2)
		RETURNING `+jobColumns, typ, message)

	job, err := scanJob(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%s job: %w", typ, model.ErrAlreadyRunning)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Patch updates stage, message, status, error and merges meta
func (l *Ledger) Patch(ctx context.Context, id int64, patch model.JobPatch) (*model.Job, error) {
	meta, err := patch.MetaJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode job meta: %w", err)
	}

	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	row := l.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			stage = COALESCE($2, stage),
			message = COALESCE($3, message),
			status = COALESCE($4, status),
			error = COALESCE($5, error),
			meta = meta || $6::jsonb,
			updated_at = now(),
			finished_at = CASE WHEN COALESCE($4, status) <> 'running' THEN now() ELSE finished_at END
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobColumns, id, patch.Stage, patch.Message, status, patch.Error, string(meta))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, l.notRunning(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to patch job %d: %w", id, err)
	}
	return job, nil
}

// notRunning explains why a running-only update matched nothing.
func (l *Ledger) notRunning(ctx context.Context, id int64) error {
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %d: %w", id, model.ErrJobFinished)
}

// AppendLog adds a line to the job log
func (l *Ledger) AppendLog(ctx context.Context, id int64, level model.LogLevel, line string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, line) VALUES ($1, $2, $3)
	`, id, string(level), line)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

// RequestCancel sets the cancellation flag of a running job
func (l *Ledger) RequestCancel(ctx context.Context, id int64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return l.notRunning(ctx, id)
	}
	return nil
}

// IsCancelRequested reads the cancellation flag
func (l *Ledger) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var requested bool
	err := l.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// Get loads one job
func (l *Ledger) Get(ctx context.Context, id int64) (*model.Job, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return job, nil
}

// List returns the newest jobs first, optionally of one type
func (l *Ledger) List(ctx context.Context, typ model.JobType, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE $1 = '' OR job_type = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2
	`, string(typ), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// Logs returns log lines after afterID in insertion order
func (l *Ledger) Logs(ctx context.Context, id, afterID int64, limit int) ([]model.JobLogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, job_id, level, line, created_at
		FROM job_logs
		WHERE job_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, id, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load job logs: %w", err)
	}
	defer rows.Close()

	var out []model.JobLogLine
	for rows.Next() {
		var line model.JobLogLine
		if err := rows.Scan(&line.ID, &line.JobID, &line.Level, &line.Line, &line.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// AbandonRunning fails running jobs of a type left behind by a dead process
func (l *Ledger) AbandonRunning(ctx context.Context, typ model.JobType, reason string) ([]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		UPDATE jobs SET status = 'failed', error = $2, stage = 'abandoned',
			updated_at = now(), finished_at = now()
		WHERE job_type = $1 AND status = 'running'
		RETURNING id
	`, string(typ), reason)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
