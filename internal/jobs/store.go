// Package jobs is the durable ledger of fetch, import and reconcile runs
// and the background runner that drives them.
package jobs

import (
	"context"

	"github.com/addrsync/internal/model"
)

// Store persists jobs and their log lines.
type Store interface {
	// Create inserts a running job. It fails with model.ErrAlreadyRunning
	// when a job of the same type is still running.
	Create(ctx context.Context, typ model.JobType, message string) (*model.Job, error)
	// Patch applies a partial update to a running job. Meta is merged.
	// A terminal job yields model.ErrJobFinished.
	Patch(ctx context.Context, id int64, patch model.JobPatch) (*model.Job, error)
	AppendLog(ctx context.Context, id int64, level model.LogLevel, line string) error
	RequestCancel(ctx context.Context, id int64) error
	IsCancelRequested(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (*model.Job, error)
	List(ctx context.Context, typ model.JobType, limit int) ([]model.Job, error)
	Logs(ctx context.Context, id, afterID int64, limit int) ([]model.JobLogLine, error)
	// AbandonRunning fails every running job of typ and returns their ids.
	AbandonRunning(ctx context.Context, typ model.JobType, reason string) ([]int64, error)
}
