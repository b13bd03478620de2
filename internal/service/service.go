// Package service is the trigger surface shared by the CLI and the HTTP
// API. Long-running work is handed to the job runner; everything else is
// a thin validated call into the stores.
package service

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/etl"
	"github.com/addrsync/internal/geo"
	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/model"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	jobLogLimit  = 500
)

// Points is the point repository surface used here.
type Points interface {
	Get(ctx context.Context, id int64) (*model.AddressPoint, error)
	CreateLocal(ctx context.Context, p *model.AddressPoint) (*model.AddressPoint, error)
	Pending(ctx context.Context, limit int) ([]model.AddressPoint, error)
	Candidates(ctx context.Context, p model.AddressPoint) ([]model.Candidate, error)
	Promote(ctx context.Context, pointID, candidateID int64, resolvedBy *int64, automatic bool) (*model.AddressPoint, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Queue is the review queue repository.
type Queue interface {
	Get(ctx context.Context, id int64) (*model.ReconcileQueueItem, error)
	List(ctx context.Context, status model.QueueStatus, limit int) ([]model.ReconcileQueueItem, error)
	Reject(ctx context.Context, id int64, decidedBy int64) error
}

// Files registers and lists source files.
type Files interface {
	Create(ctx context.Context, f *model.ImportedFile) (*model.ImportedFile, error)
	List(ctx context.Context, limit int) ([]model.ImportedFile, error)
}

// State reads the dataset marker.
type State interface {
	Get(ctx context.Context) (*model.DatasetState, error)
}

// Buildings counts the building-number reference table.
type Buildings interface {
	Count(ctx context.Context) (int64, error)
}

// Locks inspects and clears execution locks.
type Locks interface {
	Inspect(name string) (*lock.Status, error)
	Clear(name string) (*lock.Status, error)
}

// Fetcher runs one fetch.
type Fetcher interface {
	Run(ctx context.Context, h *jobs.Handle) error
}

// Importer runs one import.
type Importer interface {
	Run(ctx context.Context, h *jobs.Handle, opts etl.Options) error
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context, h *jobs.Handle) (model.ReconcileStats, error)
}

// Deps wires a Service.
type Deps struct {
	ImportDir  string
	Runner     *jobs.Runner
	Jobs       jobs.Store
	Locks      Locks
	Points     Points
	Queue      Queue
	Files      Files
	State      State
	Buildings  Buildings
	Fetcher    Fetcher
	Importer   Importer
	Reconciler Reconciler
	Log        logrus.FieldLogger
}

// Service implements every externally triggered operation.
type Service struct {
	importDir  string
	runner     *jobs.Runner
	jobs       jobs.Store
	locks      Locks
	points     Points
	queue      Queue
	files      Files
	state      State
	buildings  Buildings
	fetcher    Fetcher
	importer   Importer
	reconciler Reconciler
	grid       *geo.Transformer
	validate   *validator.Validate
	log        logrus.FieldLogger
}

// New creates a new service from its dependencies.
func New(d Deps) (*Service, error) {
	grid, err := geo.NewTransformer(geo.EPSGPoland1992)
	if err != nil {
		return nil, err
	}
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		importDir:  d.ImportDir,
		runner:     d.Runner,
		jobs:       d.Jobs,
		locks:      d.Locks,
		points:     d.Points,
		queue:      d.Queue,
		files:      d.Files,
		state:      d.State,
		buildings:  d.Buildings,
		fetcher:    d.Fetcher,
		importer:   d.Importer,
		reconciler: d.Reconciler,
		grid:       grid,
		validate:   validator.New(),
		log:        log.WithField("component", "service"),
	}, nil
}

// ensureFree reports a held execution lock before a job row is created,
// so contention is a synchronous error for the caller.
func (s *Service) ensureFree(typ model.JobType) error {
	st, err := s.locks.Inspect(string(typ))
	if err != nil {
		return err
	}
	if st.Held {
		return &lock.HeldError{Name: st.Name, Info: st.Info}
	}
	return nil
}

// StartFetchJob starts a background fetch and returns its running job.
func (s *Service) StartFetchJob(ctx context.Context) (*model.Job, error) {
	if err := s.ensureFree(model.JobFetch); err != nil {
		return nil, err
	}
	job, err := s.runner.Start(ctx, model.JobFetch, "fetching registry extract", s.fetcher.Run)
	if err != nil {
		return nil, err
	}
	s.log.WithField("job_id", job.ID).Info("fetch job started")
	return job, nil
}

// ImportRequest selects what an import job processes. Both fields are
// optional.
type ImportRequest struct {
	Mode string `json:"mode"`
	File string `json:"file"`
}

func (r ImportRequest) options() (etl.Options, error) {
	opts := etl.Options{File: r.File}
	if r.Mode != "" {
		mode, err := model.ParseImportMode(r.Mode)
		if err != nil {
			return opts, err
		}
		opts.Mode = mode
	}
	return opts, nil
}

// StartImportJob starts a background import and returns its running job.
func (s *Service) StartImportJob(ctx context.Context, req ImportRequest) (*model.Job, error) {
	opts, err := req.options()
	if err != nil {
		return nil, err
	}
	if err := s.ensureFree(model.JobImport); err != nil {
		return nil, err
	}

	message := "importing next file"
	if opts.File != "" {
		message = "importing " + opts.File
	}
	job, err := s.runner.Start(ctx, model.JobImport, message, func(ctx context.Context, h *jobs.Handle) error {
		return s.importer.Run(ctx, h, opts)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"job_id": job.ID, "mode": opts.Mode, "file": opts.File}).Info("import job started")
	return job, nil
}

// StartReconcileJob runs reconciliation in the caller's goroutine and
// returns the finished job with its statistics.
func (s *Service) StartReconcileJob(ctx context.Context) (*model.Job, model.ReconcileStats, error) {
	var stats model.ReconcileStats
	if err := s.ensureFree(model.JobReconcile); err != nil {
		return nil, stats, err
	}

	job, err := s.runner.Run(ctx, model.JobReconcile, "reconciling pending points", func(ctx context.Context, h *jobs.Handle) error {
		var err error
		stats, err = s.reconciler.Run(ctx, h)
		if err != nil {
			return err
		}
		h.Finish(ctx, model.JobSuccess, fmt.Sprintf("scanned %d: %d matched, %d queued (%d already queued), %d unmatched",
			stats.Scanned, stats.Matched, stats.Queued, stats.AlreadyQueued, stats.Unmatched), map[string]any{"reconcile": stats})
		return nil
	})
	return job, stats, err
}

// JobView is a job with the start of its log.
type JobView struct {
	Job  *model.Job         `json:"job"`
	Logs []model.JobLogLine `json:"logs"`
}

// GetJob returns a job and its first log lines.
func (s *Service) GetJob(ctx context.Context, id int64) (*JobView, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := s.jobs.Logs(ctx, id, 0, jobLogLimit)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Logs: logs}, nil
}

// ListJobs lists recent jobs, newest first. An empty type lists all.
func (s *Service) ListJobs(ctx context.Context, typ string, limit int) ([]model.Job, error) {
	var jt model.JobType
	if typ != "" {
		var err error
		if jt, err = model.ParseJobType(typ); err != nil {
			return nil, err
		}
	}
	return s.jobs.List(ctx, jt, clampLimit(limit))
}

// JobLogs returns log lines of a job after afterID, for tailing.
func (s *Service) JobLogs(ctx context.Context, id, afterID int64, limit int) ([]model.JobLogLine, error) {
	if _, err := s.jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.jobs.Logs(ctx, id, afterID, clampLimit(limit))
}

// CancelJob requests cancellation of a running job.
func (s *Service) CancelJob(ctx context.Context, id int64) error {
	if err := s.runner.Cancel(ctx, id); err != nil {
		return err
	}
	s.log.WithField("job_id", id).Info("job cancellation requested")
	return nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
