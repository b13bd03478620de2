// Package etl imports registry extracts into the address store.
package etl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/addrsync/internal/debug"
	"github.com/addrsync/internal/geo"
	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/metrics"
	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/reader"
)

// FileStore tracks imported files.
type FileStore interface {
	Create(ctx context.Context, f *model.ImportedFile) (*model.ImportedFile, error)
	LatestByFilename(ctx context.Context, filename string) (*model.ImportedFile, error)
	DoneByChecksum(ctx context.Context, checksum string) (*model.ImportedFile, error)
	MarkProcessing(ctx context.Context, id int64, checksum string, size int64, mode model.ImportMode) error
	MarkDone(ctx context.Context, id, inserted, updated int64) error
	MarkSkipped(ctx context.Context, id int64, checksum, reason string) error
	RecordError(ctx context.Context, id int64, msg string) error
}

// PointWriter persists official address points.
type PointWriter interface {
	ExistingOfficialIDs(ctx context.Context, ids []string) (map[string]bool, error)
	UpsertOfficial(ctx context.Context, jobID int64, batch []model.AddressPoint, stage bool) error
	DeactivateMissing(ctx context.Context, jobID int64) (int64, error)
	ClearStaging(ctx context.Context, jobID int64) error
}

// BuildingWriter persists the building-number reference feed.
type BuildingWriter interface {
	Truncate(ctx context.Context) error
	InsertBatch(ctx context.Context, batch []model.BuildingNumberRecord) (int64, error)
}

// StateWriter updates the dataset marker.
type StateWriter interface {
	MarkImported(ctx context.Context, at time.Time) error
}

// Locker hands out execution locks.
type Locker interface {
	Acquire(name, holder string) (*lock.Lock, error)
}

// Reconciler is run after address-point imports when enabled.
type Reconciler interface {
	Run(ctx context.Context, h *jobs.Handle) (model.ReconcileStats, error)
}

// Config tunes the import engine.
type Config struct {
	ImportDir         string
	BatchSize         int
	SkipLogCap        int
	ProgressInterval  time.Duration
	CacheSize         int
	AutoReconcile     bool
	DeleteAfterImport bool
	Debug             bool
}

// Options select what a single run imports. An empty Mode uses the mode
// recorded for the file, falling back to delta. An empty File picks the
// oldest unconsumed file in the import directory.
type Options struct {
	Mode model.ImportMode
	File string
}

// Importer streams registry files into the store in batches.
type Importer struct {
	cfg        Config
	files      FileStore
	points     PointWriter
	buildings  BuildingWriter
	state      StateWriter
	locks      Locker
	reconciler Reconciler
	grid       *geo.Transformer
}

// NewImporter creates a new import engine. reconciler may be nil.
func NewImporter(cfg Config, files FileStore, points PointWriter, buildings BuildingWriter,
	state StateWriter, locks Locker, reconciler Reconciler) (*Importer, error) {
	grid, err := geo.NewTransformer(geo.EPSGPoland1992)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	return &Importer{
		cfg:        cfg,
		files:      files,
		points:     points,
		buildings:  buildings,
		state:      state,
		locks:      locks,
		reconciler: reconciler,
		grid:       grid,
	}, nil
}

// Run imports one file under the import lock.
func (im *Importer) Run(ctx context.Context, h *jobs.Handle, opts Options) error {
	if opts.Mode != "" {
		if _, err := model.ParseImportMode(string(opts.Mode)); err != nil {
			return err
		}
	}

	l, err := im.locks.Acquire(string(model.JobImport), fmt.Sprintf("job %d", h.ID))
	if err != nil {
		return err
	}
	defer l.Release()

	h.Stage(ctx, "select", "selecting file")
	path, rec, err := im.selectFile(ctx, opts.File)
	if err != nil {
		return err
	}
	if path == "" {
		h.Finish(ctx, model.JobSkipped, "no files to import", nil)
		return nil
	}
	name := filepath.Base(path)

	mode := opts.Mode
	if mode == "" {
		mode = model.ModeDelta
		if rec != nil && rec.Mode != "" {
			mode = rec.Mode
		}
	}

	h.Stage(ctx, "checksum", "hashing "+name)
	sum, size, err := Checksum(path)
	if err != nil {
		return err
	}

	prev, err := im.files.DoneByChecksum(ctx, sum)
	switch {
	case err == nil:
		if rec != nil && finished(rec) && rec.Checksum != nil && *rec.Checksum == sum {
			return im.finishDuplicate(ctx, h, rec, prev, path, sum)
		}
	case errors.Is(err, model.ErrNotFound):
		prev = nil
	default:
		return err
	}

	// A finished record keeps its checksum and counts; new content gets its own row.
	if rec == nil || finished(rec) {
		rec, err = im.files.Create(ctx, &model.ImportedFile{Filename: name, Size: size, Mode: mode})
		if err != nil {
			return err
		}
	}
	if prev != nil {
		return im.finishDuplicate(ctx, h, rec, prev, path, sum)
	}

	if err := im.files.MarkProcessing(ctx, rec.ID, sum, size, mode); err != nil {
		return err
	}

	run, err := im.newRun(h, rec.ID, name, mode)
	if err != nil {
		return err
	}
	if err := run.execute(ctx, path); err != nil {
		// The file stays in processing so it is retried on the next run.
		bg := context.WithoutCancel(ctx)
		if recErr := im.files.RecordError(bg, rec.ID, err.Error()); recErr != nil {
			h.Log().WithError(recErr).Warn("could not record file error")
		}
		if run.staged {
			if clrErr := im.points.ClearStaging(bg, h.ID); clrErr != nil {
				h.Log().WithError(clrErr).Warn("could not clear staging")
			}
		}
		return err
	}

	if err := im.files.MarkDone(ctx, rec.ID, run.inserted, run.updated); err != nil {
		return err
	}
	if err := im.state.MarkImported(ctx, time.Now().UTC()); err != nil {
		return err
	}
	run.record()

	meta := run.meta()
	if run.kind == kindPoints && im.cfg.AutoReconcile && im.reconciler != nil {
		h.Stage(ctx, "reconcile", "reconciling pending points")
		stats, err := im.reconciler.Run(ctx, h)
		if err != nil {
			h.Warnf(ctx, "reconciliation after import failed: %v", err)
		} else {
			meta["reconcile"] = stats
		}
	}

	if im.cfg.DeleteAfterImport {
		im.remove(ctx, h, path)
	}

	h.Finish(ctx, model.JobSuccess, fmt.Sprintf("imported %s: %d inserted, %d updated, %d skipped",
		name, run.inserted, run.updated, run.skipped), meta)
	return nil
}

func (im *Importer) finishDuplicate(ctx context.Context, h *jobs.Handle, rec, prev *model.ImportedFile, path, sum string) error {
	reason := fmt.Sprintf("identical to %s (file %d)", prev.Filename, prev.ID)
	if !finished(rec) {
		if err := im.files.MarkSkipped(ctx, rec.ID, sum, reason); err != nil {
			return err
		}
	}
	h.Infof(ctx, "%s already imported: %s", filepath.Base(path), reason)
	if im.cfg.DeleteAfterImport {
		im.remove(ctx, h, path)
	}
	h.Finish(ctx, model.JobSuccess, "already imported", map[string]any{
		"file":             filepath.Base(path),
		"already_imported": true,
		"previous_file_id": prev.ID,
		"inserted":         0,
		"updated":          0,
	})
	return nil
}

func (im *Importer) remove(ctx context.Context, h *jobs.Handle, path string) {
	if err := os.Remove(path); err != nil {
		h.Warnf(ctx, "could not delete %s: %v", filepath.Base(path), err)
		return
	}
	h.Infof(ctx, "deleted %s", filepath.Base(path))
}

// selectFile resolves an explicit file or picks the oldest file whose
// latest record is not done or skipped. An empty path means nothing to do.
func (im *Importer) selectFile(ctx context.Context, explicit string) (string, *model.ImportedFile, error) {
	if explicit != "" {
		name := filepath.Base(explicit)
		path := filepath.Join(im.cfg.ImportDir, name)
		if _, err := os.Stat(path); err != nil {
			return "", nil, fmt.Errorf("import file %s: %w", name, model.ErrNotFound)
		}
		rec, err := im.latest(ctx, name)
		return path, rec, err
	}

	files, err := listImportable(im.cfg.ImportDir)
	if err != nil {
		return "", nil, err
	}
	for _, f := range files {
		rec, err := im.latest(ctx, f.name)
		if err != nil {
			return "", nil, err
		}
		consumed := rec != nil && rec.Size == f.size && finished(rec)
		if !consumed {
			return f.path, rec, nil
		}
	}
	return "", nil, nil
}

func finished(rec *model.ImportedFile) bool {
	return rec.Status == model.FileDone || rec.Status == model.FileSkipped
}

func (im *Importer) latest(ctx context.Context, name string) (*model.ImportedFile, error) {
	rec, err := im.files.LatestByFilename(ctx, name)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

type recordKind string

const (
	kindPoints    recordKind = "address_points"
	kindReference recordKind = "building_numbers"
)

// importRun carries the counters of one file import.
type importRun struct {
	im     *Importer
	h      *jobs.Handle
	fileID int64
	name   string
	mode   model.ImportMode
	kind   recordKind
	cache  *existenceCache
	rd     *reader.Reader
	staged bool

	seen        int64
	inserted    int64
	updated     int64
	skipped     int64
	deactivated int64
	reasons     map[skipReason]int64
	logged      int

	progress rate.Sometimes
}

func (im *Importer) newRun(h *jobs.Handle, fileID int64, name string, mode model.ImportMode) (*importRun, error) {
	cache, err := newExistenceCache(im.cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &importRun{
		im:       im,
		h:        h,
		fileID:   fileID,
		name:     name,
		mode:     mode,
		cache:    cache,
		reasons:  make(map[skipReason]int64),
		progress: rate.Sometimes{Interval: im.cfg.ProgressInterval},
	}, nil
}

func (r *importRun) execute(ctx context.Context, path string) error {
	r.h.Stage(ctx, "open", "opening "+r.name)
	rd, err := reader.Open(path)
	if err != nil {
		return err
	}
	defer rd.Close()
	r.rd = rd

	r.kind = kindPoints
	if rd.HasColumn(recordColumns...) {
		r.kind = kindReference
	}
	r.h.Infof(ctx, "reading %s (entry %q, delimiter %q, encoding %s) as %s in %s mode",
		r.name, rd.Entry, rd.Delimiter, rd.Encoding, r.kind, r.mode)
	r.h.Progress(ctx, r.meta())

	if r.kind == kindReference {
		return r.importReference(ctx)
	}
	return r.importPoints(ctx)
}

// next returns the next row, skipping malformed records. io.EOF ends input.
func (r *importRun) next(ctx context.Context) (reader.Row, error) {
	for {
		row, err := r.rd.Next()
		if err == nil {
			r.seen++
			return row, nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.seen++
			r.skip(ctx, skip(skipMalformed, "%v", perr.Err))
			continue
		}
		return row, err
	}
}

func (r *importRun) importPoints(ctx context.Context) error {
	full := r.mode == model.ModeFull
	r.staged = full
	r.h.Stage(ctx, "rows", "importing address points")

	batchSize := r.im.cfg.BatchSize
	batch := make([]model.AddressPoint, 0, batchSize)
	index := make(map[string]int, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.flushPoints(ctx, batch, full); err != nil {
			return err
		}
		batch = batch[:0]
		clear(index)
		r.reportProgress(ctx)
		return r.h.Checkpoint(ctx)
	}

	for {
		row, err := r.next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", r.rd.Line(), err)
		}

		p, rerr := mapPointRow(row, r.im.grid)
		if rerr != nil {
			r.skip(ctx, rerr)
			continue
		}

		id := *p.OfficialID
		if i, ok := index[id]; ok {
			// Later rows of the same identifier win.
			batch[i] = p
			r.updated++
			continue
		}
		index[id] = len(batch)
		batch = append(batch, p)

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		r.reportProgress(ctx)
	}
	if err := flush(); err != nil {
		return err
	}

	if full {
		r.h.Stage(ctx, "deactivate", "deactivating points absent from the full extract")
		wctx := context.WithoutCancel(ctx)
		n, err := r.im.points.DeactivateMissing(wctx, r.h.ID)
		if err != nil {
			return err
		}
		r.deactivated = n
		r.h.Infof(ctx, "deactivated %d points", n)
		if err := r.im.points.ClearStaging(wctx, r.h.ID); err != nil {
			return err
		}
		r.staged = false
	}
	r.h.Progress(ctx, r.meta())
	return nil
}

// flushPoints counts each row as inserted or updated from the existence
// cache and a lookup of unknown identifiers, then writes the batch. A batch
// is never interrupted; cancellation is observed at the next checkpoint.
func (r *importRun) flushPoints(ctx context.Context, batch []model.AddressPoint, stage bool) error {
	defer debug.Timing(r.h.Log(), r.im.cfg.Debug, "flush point batch")()
	ctx = context.WithoutCancel(ctx)

	ids := make([]string, len(batch))
	var unknown []string
	for i, p := range batch {
		ids[i] = *p.OfficialID
		if !r.cache.has(ids[i]) {
			unknown = append(unknown, ids[i])
		}
	}

	existing := map[string]bool{}
	if len(unknown) > 0 {
		var err error
		existing, err = r.im.points.ExistingOfficialIDs(ctx, unknown)
		if err != nil {
			return err
		}
	}

	if err := r.im.points.UpsertOfficial(ctx, r.h.ID, batch, stage); err != nil {
		return err
	}

	for _, id := range ids {
		if r.cache.has(id) || existing[id] {
			r.updated++
		} else {
			r.inserted++
		}
	}
	r.cache.add(ids...)
	debug.Output(r.h.Log(), r.im.cfg.Debug, "flushed %d points (%d looked up)", len(batch), len(unknown))
	return nil
}

func (r *importRun) reportProgress(ctx context.Context) {
	r.progress.Do(func() {
		r.h.Progress(ctx, r.meta())
	})
}

func (r *importRun) skip(ctx context.Context, e *rowError) {
	r.skipped++
	r.reasons[e.reason]++

	limit := r.im.cfg.SkipLogCap
	if r.logged >= limit {
		return
	}
	r.logged++
	r.h.Warnf(ctx, "line %d skipped: %v", r.rd.Line(), e)
	if r.logged == limit {
		r.h.Warnf(ctx, "skip log limit of %d reached; further skipped rows are only counted", limit)
	}
}

func (r *importRun) meta() map[string]any {
	reasons := make(map[string]int64, len(r.reasons))
	for k, v := range r.reasons {
		reasons[string(k)] = v
	}
	meta := map[string]any{
		"file":            r.name,
		"file_id":         r.fileID,
		"mode":            r.mode,
		"kind":            r.kind,
		"rows_seen":       r.seen,
		"inserted":        r.inserted,
		"updated":         r.updated,
		"skipped":         r.skipped,
		"deactivated":     r.deactivated,
		"skipped_reasons": reasons,
	}
	if r.rd != nil {
		meta["line"] = r.rd.Line()
		if r.rd.Recoded > 0 {
			meta["fields_recoded"] = r.rd.Recoded
		}
		if p := r.rd.Progress(); p >= 0 {
			meta["progress"] = p
		}
	}
	return meta
}

// record adds the run's counters to the process metrics.
func (r *importRun) record() {
	metrics.ImportRows.WithLabelValues("inserted").Add(float64(r.inserted))
	metrics.ImportRows.WithLabelValues("updated").Add(float64(r.updated))
	metrics.ImportRows.WithLabelValues("skipped").Add(float64(r.skipped))
	metrics.ImportRows.WithLabelValues("deactivated").Add(float64(r.deactivated))
}
