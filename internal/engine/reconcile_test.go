package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addrsync/internal/jobs"
	"github.com/addrsync/internal/jobs/jobstest"
	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/logging"
	"github.com/addrsync/internal/model"
)

func pendingAt(id int64, lat, lon float64) model.AddressPoint {
	return model.AddressPoint{
		ID:             id,
		Source:         model.SourceLocalPending,
		LocalID:        model.Ptr("L"),
		Terc:           "3064011",
		Simc:           "0969400",
		NoStreet:       true,
		BuildingNo:     "7",
		BuildingNoNorm: "7",
		Lat:            lat,
		Lon:            lon,
		Status:         model.PointActive,
		CreatedAt:      time.Unix(id, 0),
	}
}

func TestDecideDistanceFilter(t *testing.T) {
	p := pendingAt(1, 52.40, 16.93)
	cands := []model.Candidate{
		{PointID: 20, OfficialID: "FAR", Lat: 52.409, Lon: 16.93},
		{PointID: 10, OfficialID: "NEAR", Lat: 52.40009, Lon: 16.93},
	}

	d := Decide(p, cands, 50)
	require.Equal(t, OutcomeMatch, d.Outcome)
	require.NotNil(t, d.Chosen)
	assert.Equal(t, "NEAR", d.Chosen.OfficialID)
	require.NotNil(t, d.Chosen.Distance)
	assert.InDelta(t, 10.0, *d.Chosen.Distance, 0.1)
	assert.Len(t, d.Candidates, 1)
}

func TestDecideTwoWithinThreshold(t *testing.T) {
	p := pendingAt(1, 52.40, 16.93)
	cands := []model.Candidate{
		{PointID: 11, OfficialID: "B", Lat: 52.40018, Lon: 16.93},
		{PointID: 10, OfficialID: "A", Lat: 52.40009, Lon: 16.93},
	}

	d := Decide(p, cands, 50)
	assert.Equal(t, OutcomeQueue, d.Outcome)
	require.Len(t, d.Candidates, 2)
	assert.Equal(t, "A", d.Candidates[0].OfficialID, "nearest first")
	assert.Nil(t, d.Chosen)
}

func TestDecideAllTooFar(t *testing.T) {
	p := pendingAt(1, 52.40, 16.93)
	cands := []model.Candidate{{PointID: 20, OfficialID: "FAR", Lat: 52.409, Lon: 16.93}}

	d := Decide(p, cands, 50)
	assert.Equal(t, OutcomeQueue, d.Outcome)
	assert.Empty(t, d.Candidates)
}

func TestDecideWithoutThreshold(t *testing.T) {
	p := pendingAt(1, 52.40, 16.93)
	cands := []model.Candidate{{PointID: 20, OfficialID: "FAR", Lat: 52.409, Lon: 16.93}}

	d := Decide(p, cands, 0)
	assert.Equal(t, OutcomeMatch, d.Outcome)
	assert.Nil(t, d.Chosen.Distance)

	assert.Equal(t, OutcomeUnmatched, Decide(p, nil, 50).Outcome)
}

type fakePoints struct {
	pending    []model.AddressPoint
	candidates map[int64][]model.Candidate
	promoted   map[int64]int64
	pages      int
	ctxErrs    []error
}

func (f *fakePoints) PendingAfter(ctx context.Context, after model.PendingCursor, limit int) ([]model.AddressPoint, error) {
	f.pages++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	var out []model.AddressPoint
	for _, p := range f.pending {
		if _, done := f.promoted[p.ID]; done {
			continue
		}
		if p.CreatedAt.Before(after.CreatedAt) || (p.CreatedAt.Equal(after.CreatedAt) && p.ID <= after.ID) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakePoints) Candidates(_ context.Context, p model.AddressPoint) ([]model.Candidate, error) {
	return f.candidates[p.ID], nil
}

func (f *fakePoints) Promote(_ context.Context, pointID, candidateID int64, _ *int64, automatic bool) (*model.AddressPoint, error) {
	if _, done := f.promoted[pointID]; done {
		return nil, model.ErrNotPending
	}
	f.promoted[pointID] = candidateID
	for _, p := range f.pending {
		if p.ID == pointID {
			if err := p.Promote("X", nil, automatic, time.Now()); err != nil {
				return nil, err
			}
			return &p, nil
		}
	}
	return nil, model.ErrNotFound
}

type fakeQueue struct {
	items map[int64][]model.Candidate
}

func (f *fakeQueue) Enqueue(_ context.Context, pointID int64, cands []model.Candidate) (bool, error) {
	if _, ok := f.items[pointID]; ok {
		return false, nil
	}
	f.items[pointID] = cands
	return true, nil
}

type fakeState struct {
	last *model.ReconcileStats
}

func (f *fakeState) MarkReconciled(_ context.Context, stats model.ReconcileStats) error {
	f.last = &stats
	return nil
}

func newHandle(t *testing.T) *jobs.Handle {
	t.Helper()
	store := jobstest.NewMemory()
	job, err := store.Create(context.Background(), model.JobReconcile, "test")
	require.NoError(t, err)
	return jobs.NewHandle(store, job, logging.Discard())
}

func TestReconcilerRun(t *testing.T) {
	points := &fakePoints{
		pending: []model.AddressPoint{
			pendingAt(1, 52.40, 16.93),
			pendingAt(2, 52.40, 16.93),
			pendingAt(3, 52.40, 16.93),
		},
		candidates: map[int64][]model.Candidate{
			1: {{PointID: 10, OfficialID: "NEAR", Lat: 52.40009, Lon: 16.93}},
			2: {
				{PointID: 11, OfficialID: "A", Lat: 52.40009, Lon: 16.93},
				{PointID: 12, OfficialID: "B", Lat: 52.40018, Lon: 16.93},
			},
		},
		promoted: map[int64]int64{},
	}
	queue := &fakeQueue{items: map[int64][]model.Candidate{}}
	state := &fakeState{}
	r := NewReconciler(points, queue, state, 50)

	stats, err := r.Run(context.Background(), newHandle(t))
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, 1, stats.Queued)
	assert.Zero(t, stats.AlreadyQueued)
	assert.Equal(t, 1, stats.Unmatched)
	assert.Equal(t, int64(10), points.promoted[1])
	assert.Len(t, queue.items[2], 2)
	require.NotNil(t, state.last)
	assert.False(t, state.last.FinishedAt.IsZero())

	// A second run sees only the still-pending points and does not
	// duplicate the review item.
	stats, err = r.Run(context.Background(), newHandle(t))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 0, stats.Matched)
	assert.Zero(t, stats.Queued)
	assert.Equal(t, 1, stats.AlreadyQueued)
	assert.Len(t, queue.items, 1)
}

func TestReconcilerPagesThroughPending(t *testing.T) {
	points := &fakePoints{candidates: map[int64][]model.Candidate{}, promoted: map[int64]int64{}}
	for id := int64(1); id <= 7; id++ {
		points.pending = append(points.pending, pendingAt(id, 52.40, 16.93))
		// Every other point has one close official counterpart.
		if id%2 == 1 {
			points.candidates[id] = []model.Candidate{{PointID: 100 + id, OfficialID: "O", Lat: 52.40, Lon: 16.93}}
		}
	}
	// Two points share a creation time; the id breaks the tie.
	points.pending[4].CreatedAt = points.pending[3].CreatedAt

	r := NewReconciler(points, &fakeQueue{items: map[int64][]model.Candidate{}}, &fakeState{}, 50)
	r.PageSize = 2

	stats, err := r.Run(context.Background(), newHandle(t))
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Scanned)
	assert.Equal(t, 4, stats.Matched)
	assert.Equal(t, 3, stats.Unmatched)
	assert.Equal(t, 4, points.pages)
	for _, err := range points.ctxErrs {
		assert.NoError(t, err)
	}
}

func TestReconcilerWritesSurviveCancel(t *testing.T) {
	points := &fakePoints{
		pending:    []model.AddressPoint{pendingAt(1, 52.40, 16.93), pendingAt(2, 52.40, 16.93)},
		candidates: map[int64][]model.Candidate{},
		promoted:   map[int64]int64{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue := &cancellingQueue{cancel: cancel}
	r := NewReconciler(points, queue, &fakeState{}, 50)
	points.candidates[1] = []model.Candidate{
		{PointID: 10, OfficialID: "A", Lat: 52.40, Lon: 16.93},
		{PointID: 11, OfficialID: "B", Lat: 52.40, Lon: 16.93},
	}

	_, err := r.Run(ctx, newHandle(t))
	assert.ErrorIs(t, err, model.ErrCancelled)
	assert.Equal(t, []int64{1}, queue.enqueued)
	assert.NoError(t, queue.ctxErr)
}

// cancellingQueue cancels the run while the first review item is written.
type cancellingQueue struct {
	cancel   context.CancelFunc
	enqueued []int64
	ctxErr   error
}

func (q *cancellingQueue) Enqueue(ctx context.Context, pointID int64, _ []model.Candidate) (bool, error) {
	q.cancel()
	q.ctxErr = ctx.Err()
	q.enqueued = append(q.enqueued, pointID)
	return true, nil
}

func TestReconcilerStopsOnCancel(t *testing.T) {
	points := &fakePoints{
		pending:  []model.AddressPoint{pendingAt(1, 52.40, 16.93)},
		promoted: map[int64]int64{},
	}
	r := NewReconciler(points, &fakeQueue{items: map[int64][]model.Candidate{}}, &fakeState{}, 50)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, newHandle(t))
	assert.ErrorIs(t, err, model.ErrCancelled)
}

func TestReconcilerHoldsLock(t *testing.T) {
	locks := lock.NewManager(t.TempDir())
	held, err := locks.Acquire(string(model.JobReconcile), "other")
	require.NoError(t, err)

	points := &fakePoints{pending: []model.AddressPoint{pendingAt(1, 52.40, 16.93)}, promoted: map[int64]int64{}}
	r := NewReconciler(points, &fakeQueue{items: map[int64][]model.Candidate{}}, &fakeState{}, 50).WithLock(locks)

	_, err = r.Run(context.Background(), newHandle(t))
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	require.NoError(t, held.Release())
	stats, err := r.Run(context.Background(), newHandle(t))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
}
