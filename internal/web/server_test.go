package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addrsync/internal/lock"
	"github.com/addrsync/internal/logging"
	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/service"
	"github.com/addrsync/internal/web/handlers"
)

// fakeService records the last call and fails with err when set.
type fakeService struct {
	err      error
	importIn service.ImportRequest
	pointIn  service.CreateLocalPointRequest
	resolved int64
	upload   string
	body     string
	mode     string
	listType string
	after    int64
	limit    int
	status   string
	lockType string
}

var started = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func (f *fakeService) job(typ model.JobType, st model.JobStatus) *model.Job {
	return &model.Job{ID: 7, Type: typ, Status: st, StartedAt: started, UpdatedAt: started}
}

func (f *fakeService) StartFetchJob(context.Context) (*model.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.job(model.JobFetch, model.JobRunning), nil
}

func (f *fakeService) StartImportJob(_ context.Context, req service.ImportRequest) (*model.Job, error) {
	f.importIn = req
	if f.err != nil {
		return nil, f.err
	}
	return f.job(model.JobImport, model.JobRunning), nil
}

func (f *fakeService) StartReconcileJob(context.Context) (*model.Job, model.ReconcileStats, error) {
	stats := model.ReconcileStats{Scanned: 3, Matched: 1, Queued: 1, Unmatched: 1}
	if f.err != nil {
		return f.job(model.JobReconcile, model.JobFailed), model.ReconcileStats{}, f.err
	}
	return f.job(model.JobReconcile, model.JobSuccess), stats, nil
}

func (f *fakeService) GetJob(_ context.Context, id int64) (*service.JobView, error) {
	if f.err != nil {
		return nil, f.err
	}
	j := f.job(model.JobImport, model.JobSuccess)
	j.ID = id
	return &service.JobView{Job: j, Logs: []model.JobLogLine{{ID: 1, JobID: id, Line: "done"}}}, nil
}

func (f *fakeService) ListJobs(_ context.Context, typ string, limit int) ([]model.Job, error) {
	f.listType, f.limit = typ, limit
	return nil, f.err
}

func (f *fakeService) JobLogs(_ context.Context, _ int64, after int64, limit int) ([]model.JobLogLine, error) {
	f.after, f.limit = after, limit
	return nil, f.err
}

func (f *fakeService) CancelJob(context.Context, int64) error {
	return f.err
}

func (f *fakeService) CreateLocalPoint(_ context.Context, req service.CreateLocalPointRequest) (*model.AddressPoint, error) {
	f.pointIn = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.AddressPoint{ID: 11, Source: model.SourceLocalPending, Terc: req.Terc}, nil
}

func (f *fakeService) ListPendingPoints(_ context.Context, limit int) ([]model.AddressPoint, error) {
	f.limit = limit
	return nil, f.err
}

func (f *fakeService) ListReconcileQueue(_ context.Context, status string, _ int) ([]model.ReconcileQueueItem, error) {
	f.status = status
	return nil, f.err
}

func (f *fakeService) ResolveQueueItem(_ context.Context, id int64, _ service.ResolveRequest) (*service.Resolution, error) {
	f.resolved = id
	if f.err != nil {
		return nil, f.err
	}
	return &service.Resolution{Item: &model.ReconcileQueueItem{ID: id, Status: model.QueueRejected}}, nil
}

func (f *fakeService) RegisterUpload(_ context.Context, name string, src io.Reader, mode string) (*model.ImportedFile, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	f.upload, f.body, f.mode = name, string(data), mode
	if f.err != nil {
		return nil, f.err
	}
	return &model.ImportedFile{ID: 1, Filename: name, Size: int64(len(data)), Mode: model.ModeDelta}, nil
}

func (f *fakeService) ListFiles(context.Context, int) ([]model.ImportedFile, error) {
	return nil, f.err
}

func (f *fakeService) DatasetState(context.Context) (*service.StateView, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &service.StateView{State: &model.DatasetState{}, Points: map[string]int64{"official:active": 2}}, nil
}

func (f *fakeService) LockStatus(typ string) (*lock.Status, error) {
	f.lockType = typ
	if f.err != nil {
		return nil, f.err
	}
	return &lock.Status{Name: typ}, nil
}

func (f *fakeService) ClearLock(_ context.Context, typ string) (*service.ClearedLock, error) {
	f.lockType = typ
	if f.err != nil {
		return nil, f.err
	}
	return &service.ClearedLock{Lock: &lock.Status{Name: typ, Stale: true}, AbandonedJobs: []int64{4}}, nil
}

type fakeDB struct{ err error }

func (d fakeDB) Ping(context.Context) error { return d.err }

func newTestServer(svc *fakeService, db fakeDB, apiKey string) http.Handler {
	cfg := DefaultConfig()
	cfg.APIKey = apiKey
	log := logging.Discard()
	return NewServer(cfg, &handlers.APIHandler{Service: svc, DB: db, Log: log}, log).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeService{}, fakeDB{}, ""), "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestServer(&fakeService{}, fakeDB{err: errors.New("down")}, ""), "GET", "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&fakeService{}, fakeDB{}, "")
	do(t, h, "GET", "/api/state", "")

	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "addrsync_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/api/state"`)
}

func TestStartJobs(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, fakeDB{}, "")

	rec := do(t, h, "POST", "/api/jobs/fetch", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.JobFetch, decode[model.Job](t, rec).Type)

	rec = do(t, h, "POST", "/api/jobs/import", `{"mode":"full","file":"a.csv"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, service.ImportRequest{Mode: "full", File: "a.csv"}, svc.importIn)

	rec = do(t, h, "POST", "/api/jobs/import", "")
	assert.Equal(t, http.StatusAccepted, rec.Code, "empty body selects defaults")

	rec = do(t, h, "POST", "/api/jobs/import", `{"mode":"full","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "POST", "/api/jobs/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[handlers.ReconcileResponse](t, rec)
	assert.Equal(t, model.JobSuccess, resp.Job.Status)
	assert.Equal(t, 3, resp.Stats.Scanned)
}

func TestReconcileFailureStillReportsJob(t *testing.T) {
	h := newTestServer(&fakeService{err: errors.New("boom")}, fakeDB{}, "")

	rec := do(t, h, "POST", "/api/jobs/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.JobFailed, decode[handlers.ReconcileResponse](t, rec).Job.Status)
}

func TestLockContentionIsConflict(t *testing.T) {
	held := &lock.HeldError{Name: "import", Info: &lock.Info{Name: "import", Holder: "job 3", PID: 42}}
	h := newTestServer(&fakeService{err: held}, fakeDB{}, "")

	rec := do(t, h, "POST", "/api/jobs/import", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[handlers.ErrorResponse](t, rec)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, "job 3", resp.Lock.Holder)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		msg  string
	}{
		{fmt.Errorf("job 9: %w", model.ErrNotFound), http.StatusNotFound, "job 9: not found"},
		{fmt.Errorf("bad: %w", model.ErrValidation), http.StatusBadRequest, "bad: validation failed"},
		{model.ErrUnknownImportMode, http.StatusBadRequest, "unknown import mode"},
		{model.ErrDuplicateLocalPoint, http.StatusConflict, "duplicate local address point"},
		{model.ErrJobFinished, http.StatusConflict, "job already finished"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			h := newTestServer(&fakeService{err: tt.err}, fakeDB{}, "")
			rec := do(t, h, "GET", "/api/jobs/9", "")
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.msg, decode[handlers.ErrorResponse](t, rec).Error)
		})
	}
}

func TestJobQueries(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, fakeDB{}, "")

	rec := do(t, h, "GET", "/api/jobs?type=import&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.Equal(t, "import", svc.listType)
	assert.Equal(t, 5, svc.limit)

	rec = do(t, h, "GET", "/api/jobs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/api/jobs/12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[service.JobView](t, rec)
	assert.Equal(t, int64(12), view.Job.ID)
	assert.Len(t, view.Logs, 1)

	rec = do(t, h, "GET", "/api/jobs/12/logs?after=40", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(40), svc.after)

	rec = do(t, h, "GET", "/api/jobs/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not route")

	rec = do(t, h, "POST", "/api/jobs/12/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPointsAndQueue(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, fakeDB{}, "")

	body := `{"terc":"0201011","simc":"0986283","ulic":"04672","building_no":"12a","lat":52.2,"lon":21.0}`
	rec := do(t, h, "POST", "/api/points", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "12a", svc.pointIn.BuildingNo)
	require.NotNil(t, svc.pointIn.Lat)
	assert.Equal(t, 52.2, *svc.pointIn.Lat)

	rec = do(t, h, "GET", "/api/points/pending?limit=3", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, svc.limit)

	rec = do(t, h, "GET", "/api/queue?status=rejected", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", svc.status)

	rec = do(t, h, "POST", "/api/queue/5/resolve", `{"staff_id":9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), svc.resolved)
	assert.Equal(t, model.QueueRejected, decode[service.Resolution](t, rec).Item.Status)

	rec = do(t, h, "POST", "/api/queue/5/resolve", `{"staff_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadFile(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, fakeDB{}, "")

	req := httptest.NewRequest("PUT", "/api/files/extract.csv?mode=full", bytes.NewReader([]byte("id,terc\n")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "extract.csv", svc.upload)
	assert.Equal(t, "full", svc.mode)
	assert.Equal(t, "id,terc\n", svc.body)
	assert.Equal(t, int64(8), decode[model.ImportedFile](t, rec).Size)
}

func TestStateAndLocks(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc, fakeDB{}, "")

	rec := do(t, h, "GET", "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[service.StateView](t, rec).Points["official:active"])

	rec = do(t, h, "GET", "/api/locks/import", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "import", svc.lockType)

	rec = do(t, h, "DELETE", "/api/locks/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := decode[service.ClearedLock](t, rec)
	assert.True(t, cleared.Lock.Stale)
	assert.Equal(t, []int64{4}, cleared.AbandonedJobs)
}

func TestAPIKey(t *testing.T) {
	h := newTestServer(&fakeService{}, fakeDB{}, "s3cret")

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/state", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/api/state", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/api/state", "", "X-API-Key", "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "").Code, "health stays open")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	log := logging.Discard()
	srv := NewServer(cfg, &handlers.APIHandler{Service: &fakeService{}, DB: fakeDB{}, Log: log}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
