// Package engine reconciles staff-entered pending points against the
// official registry.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/addrsync/internal/geo"
	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/metrics"
	"github.com/addrsync/internal/model"
)

// PointStore is the slice of the point repository reconciliation needs.
type PointStore interface {
	PendingAfter(ctx context.Context, after model.PendingCursor, limit int) ([]model.AddressPoint, error)
	Candidates(ctx context.Context, p model.AddressPoint) ([]model.Candidate, error)
	Promote(ctx context.Context, pointID, candidateID int64, resolvedBy *int64, automatic bool) (*model.AddressPoint, error)
}

// QueueStore opens review items for ambiguous outcomes.
type QueueStore interface {
	Enqueue(ctx context.Context, pointID int64, cands []model.Candidate) (bool, error)
}

// StateStore records the last reconciliation outcome.
type StateStore interface {
	MarkReconciled(ctx context.Context, stats model.ReconcileStats) error
}

// Locker hands out execution locks.
type Locker interface {
	Acquire(name, holder string) (*lock.Lock, error)
}

// Outcome of matching one pending point.
type Outcome string

const (
	OutcomeMatch     Outcome = "matched"
	OutcomeQueue     Outcome = "queued"
	OutcomeUnmatched Outcome = "unmatched"
)

// Decision is the result of Decide.
type Decision struct {
	Outcome    Outcome
	Chosen     *model.Candidate
	Candidates []model.Candidate
}

// Decide classifies a pending point against its key-equal candidates.
// With a positive threshold, candidates farther than thresholdM metres are
// dropped and the rest ordered nearest first. Exactly one survivor is a
// match; any other count goes to review carrying the survivors.
func Decide(p model.AddressPoint, cands []model.Candidate, thresholdM float64) Decision {
	if len(cands) == 0 {
		return Decision{Outcome: OutcomeUnmatched}
	}

	kept := cands
	if thresholdM > 0 {
		kept = make([]model.Candidate, 0, len(cands))
		for _, c := range cands {
			d := geo.Haversine(p.Lat, p.Lon, c.Lat, c.Lon)
			c.Distance = &d
			if d <= thresholdM {
				kept = append(kept, c)
			}
		}
		sort.SliceStable(kept, func(i, j int) bool { return *kept[i].Distance < *kept[j].Distance })
	}

	switch len(kept) {
	case 1:
		chosen := kept[0]
		return Decision{Outcome: OutcomeMatch, Chosen: &chosen, Candidates: kept}
	default:
		// Several survivors, or key matches that were all too far away.
		return Decision{Outcome: OutcomeQueue, Candidates: kept}
	}
}

// Reconciler promotes pending points with a single unambiguous official
// counterpart and queues the rest for review.
type Reconciler struct {
	points     PointStore
	queue      QueueStore
	state      StateStore
	locks      Locker
	thresholdM float64

	// PageSize is how many pending points are loaded per query.
	PageSize int
}

// NewReconciler creates a reconciler. A threshold of zero disables the
// distance filter.
func NewReconciler(points PointStore, queue QueueStore, state StateStore, thresholdM float64) *Reconciler {
	return &Reconciler{points: points, queue: queue, state: state, thresholdM: thresholdM, PageSize: 500}
}

// WithLock makes every run hold the reconcile execution lock, so a
// standalone run and one triggered after an import never overlap.
func (r *Reconciler) WithLock(locks Locker) *Reconciler {
	r.locks = locks
	return r
}

// Run processes every pending point oldest first and records the stats.
func (r *Reconciler) Run(ctx context.Context, h *jobs.Handle) (model.ReconcileStats, error) {
	var stats model.ReconcileStats

	if r.locks != nil {
		l, err := r.locks.Acquire(string(model.JobReconcile), fmt.Sprintf("job %d", h.ID))
		if err != nil {
			return stats, err
		}
		defer l.Release()
	}

	// Store calls run to completion; cancellation is observed between points.
	wctx := context.WithoutCancel(ctx)
	size := r.PageSize
	if size <= 0 {
		size = 500
	}

	h.Infof(ctx, "reconciling pending points (distance threshold %.0fm)", r.thresholdM)
	var after model.PendingCursor
	for {
		page, err := r.points.PendingAfter(wctx, after, size)
		if err != nil {
			return stats, err
		}
		for _, p := range page {
			if err := h.Checkpoint(ctx); err != nil {
				return stats, err
			}
			if err := r.reconcileOne(wctx, h, p, &stats); err != nil {
				return stats, err
			}
		}
		if len(page) < size {
			break
		}
		last := page[len(page)-1]
		after = model.PendingCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	stats.FinishedAt = time.Now().UTC()
	if err := r.state.MarkReconciled(wctx, stats); err != nil {
		return stats, err
	}
	h.Progress(ctx, map[string]any{"reconcile": stats})
	return stats, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, h *jobs.Handle, p model.AddressPoint, stats *model.ReconcileStats) error {
	stats.Scanned++

	cands, err := r.points.Candidates(ctx, p)
	if err != nil {
		return fmt.Errorf("candidates for point %d: %w", p.ID, err)
	}

	d := Decide(p, cands, r.thresholdM)
	switch d.Outcome {
	case OutcomeMatch:
		_, err := r.points.Promote(ctx, p.ID, d.Chosen.PointID, nil, true)
		if errors.Is(err, model.ErrNotPending) || errors.Is(err, model.ErrValidation) {
			// Resolved concurrently, or the candidate went away.
			h.Warnf(ctx, "point %d not promoted: %v", p.ID, err)
			stats.Unmatched++
			return nil
		}
		if err != nil {
			return fmt.Errorf("promote point %d: %w", p.ID, err)
		}
		stats.Matched++
		h.Infof(ctx, "point %d promoted to %s", p.ID, d.Chosen.OfficialID)
	case OutcomeQueue:
		created, err := r.queue.Enqueue(ctx, p.ID, d.Candidates)
		if err != nil {
			return fmt.Errorf("enqueue point %d: %w", p.ID, err)
		}
		if created {
			stats.Queued++
			h.Infof(ctx, "point %d queued for review with %d candidates", p.ID, len(d.Candidates))
		} else {
			stats.AlreadyQueued++
		}
	default:
		stats.Unmatched++
	}
	metrics.ReconcileOutcomes.WithLabelValues(string(d.Outcome)).Inc()
	return nil
}
