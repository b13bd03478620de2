package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/metrics"
	"github.com/addrsync/internal/model"
)

// Func is the body of a job. Returning nil without calling Finish marks
// the job successful. Returning model.ErrCancelled marks it cancelled.
type Func func(ctx context.Context, h *Handle) error

// Runner executes jobs and propagates cancellation requests from the
// ledger into the job context.
type Runner struct {
	store Store
	log   logrus.FieldLogger

	// PollInterval is how often a running job's cancel flag is read.
	PollInterval time.Duration

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

// NewRunner creates a runner over store.
func NewRunner(store Store, log logrus.FieldLogger) *Runner {
	base, stop := context.WithCancel(context.Background())
	return &Runner{
		store:        store,
		log:          log,
		PollInterval: time.Second,
		base:         base,
		stop:         stop,
		active:       make(map[int64]context.CancelFunc),
	}
}

// Start creates the job row and runs fn in the background. The returned
// job is the freshly created running row.
func (r *Runner) Start(ctx context.Context, typ model.JobType, message string, fn Func) (*model.Job, error) {
	job, err := r.store.Create(ctx, typ, message)
	if err != nil {
		return nil, err
	}

	h := NewHandle(r.store, job, r.log)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(r.base, h, fn)
	}()
	return job, nil
}

// Run creates the job and executes fn in the caller's goroutine. It
// returns the final job row and the error fn returned.
func (r *Runner) Run(ctx context.Context, typ model.JobType, message string, fn Func) (*model.Job, error) {
	job, err := r.store.Create(ctx, typ, message)
	if err != nil {
		return nil, err
	}

	h := NewHandle(r.store, job, r.log)
	runErr := r.execute(ctx, h, fn)

	final, err := r.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return job, errors.Join(runErr, err)
	}
	return final, runErr
}

// Cancel requests cancellation of a running job.
func (r *Runner) Cancel(ctx context.Context, id int64) error {
	if err := r.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels every background job and waits for them to record
// their outcome.
func (r *Runner) Shutdown() {
	r.stop()
	r.wg.Wait()
}

// Wait blocks until background jobs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(parent context.Context, h *Handle, fn Func) (err error) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.active[h.ID] = cancel
	r.mu.Unlock()

	started := time.Now()
	watchDone := make(chan struct{})
	go r.watch(ctx, h, cancel, watchDone)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		cancelled := ctx.Err() != nil
		cancel()
		<-watchDone

		r.mu.Lock()
		delete(r.active, h.ID)
		r.mu.Unlock()

		status := r.finalize(parent, h, err, cancelled)
		metrics.JobsFinished.WithLabelValues(string(h.Type), string(status)).Inc()
		metrics.JobDuration.WithLabelValues(string(h.Type)).Observe(time.Since(started).Seconds())
	}()

	return fn(ctx, h)
}

// watch polls the ledger so cancellation requested from another process
// reaches the job context.
func (r *Runner) watch(ctx context.Context, h *Handle, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := r.store.IsCancelRequested(ctx, h.ID)
			if err != nil {
				if ctx.Err() == nil {
					h.log.WithError(err).Warn("cancel flag poll failed")
				}
				continue
			}
			if requested {
				h.log.Info("cancellation requested")
				cancel()
				return
			}
		}
	}
}

// finalize records the outcome of fn. Once the job context is cancelled
// any error counts as cancellation, since statements interrupted by the
// cancel surface as driver errors rather than context.Canceled.
func (r *Runner) finalize(ctx context.Context, h *Handle, err error, cancelled bool) model.JobStatus {
	switch {
	case h.Finished():
		if err != nil {
			h.log.WithError(err).Warn("job returned an error after finishing")
		}
		job, getErr := r.store.Get(context.WithoutCancel(ctx), h.ID)
		if getErr != nil {
			return model.JobFailed
		}
		return job.Status
	case err == nil:
		h.Finish(ctx, model.JobSuccess, "completed", nil)
		return model.JobSuccess
	case cancelled, errors.Is(err, model.ErrCancelled), errors.Is(err, context.Canceled):
		if !errors.Is(err, model.ErrCancelled) && !errors.Is(err, context.Canceled) {
			h.log.WithError(err).Info("error after cancellation")
		}
		h.Warnf(ctx, "cancelled")
		h.Finish(ctx, model.JobCancelled, "cancelled", nil)
		return model.JobCancelled
	default:
		h.Fail(ctx, err)
		return model.JobFailed
	}
}
