package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/model"
)

// Handle is the view a running job has of its own ledger row. Writes go
// through a context detached from cancellation so a cancelled job can
// still record its outcome.
type Handle struct {
	ID   int64
	Type model.JobType

	store Store
	log   *logrus.Entry

	mu       sync.Mutex
	finished bool
}

// NewHandle wraps an existing job row.
func NewHandle(store Store, job *model.Job, log logrus.FieldLogger) *Handle {
	return &Handle{
		ID:    job.ID,
		Type:  job.Type,
		store: store,
		log:   log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type}),
	}
}

// Log returns the structured logger scoped to this job.
func (h *Handle) Log() *logrus.Entry {
	return h.log
}

func (h *Handle) patch(ctx context.Context, p model.JobPatch) {
	if _, err := h.store.Patch(context.WithoutCancel(ctx), h.ID, p); err != nil {
		h.log.WithError(err).Warn("job patch failed")
	}
}

// Stage records the current phase and a human readable message.
func (h *Handle) Stage(ctx context.Context, stage, message string) {
	h.log.WithField("stage", stage).Info(message)
	h.patch(ctx, model.JobPatch{Stage: &stage, Message: &message})
}

// Progress merges counters into the job metadata.
func (h *Handle) Progress(ctx context.Context, meta map[string]any) {
	h.patch(ctx, model.JobPatch{Meta: meta})
}

func (h *Handle) appendLog(ctx context.Context, level model.LogLevel, line string) {
	if err := h.store.AppendLog(context.WithoutCancel(ctx), h.ID, level, line); err != nil {
		h.log.WithError(err).Warn("job log append failed")
	}
}

// Infof appends an info line to the job log.
func (h *Handle) Infof(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	h.log.Info(line)
	h.appendLog(ctx, model.LogInfo, line)
}

// Warnf appends a warning line to the job log.
func (h *Handle) Warnf(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	h.log.Warn(line)
	h.appendLog(ctx, model.LogWarn, line)
}

// Errorf appends an error line to the job log.
func (h *Handle) Errorf(ctx context.Context, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	h.log.Error(line)
	h.appendLog(ctx, model.LogError, line)
}

// Checkpoint returns model.ErrCancelled once cancellation was requested.
// Long-running work calls it between units of work.
func (h *Handle) Checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return model.ErrCancelled
	}
	return nil
}

// Finish moves the job to a terminal status. Only the first call counts.
func (h *Handle) Finish(ctx context.Context, status model.JobStatus, message string, meta map[string]any) {
	h.finish(ctx, model.JobPatch{Status: &status, Message: &message, Meta: meta})
}

// Fail marks the job failed with err.
func (h *Handle) Fail(ctx context.Context, err error) {
	status := model.JobFailed
	msg := err.Error()
	h.appendLog(ctx, model.LogError, msg)
	h.finish(ctx, model.JobPatch{Status: &status, Message: model.Ptr("failed"), Error: &msg})
}

func (h *Handle) finish(ctx context.Context, p model.JobPatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	stage := string(*p.Status)
	p.Stage = &stage
	h.log.WithField("status", *p.Status).Info("job finished")
	h.patch(ctx, p)
}

// Finished reports whether Finish or Fail was called.
func (h *Handle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}
