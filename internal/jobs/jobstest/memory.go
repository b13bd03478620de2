// Package jobstest provides an in-memory job store for tests.
package jobstest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/addrsync/internal/model"
)

// Memory is a jobs.Store kept in process memory.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	logID  int64
	jobs   map[int64]*model.Job
	logs   []model.JobLogLine
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[int64]*model.Job)}
}

func clone(j *model.Job) *model.Job {
	c := *j
	c.Meta = maps.Clone(j.Meta)
	return &c
}

func (m *Memory) Create(_ context.Context, typ model.JobType, message string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Type == typ && j.Status == model.JobRunning {
			return nil, fmt.Errorf("%s job: %w", typ, model.ErrAlreadyRunning)
		}
	}
	m.nextID++
	now := time.Now()
	j := &model.Job{
		ID:        m.nextID,
		Type:      typ,
		Status:    model.JobRunning,
		Stage:     "queued",
		Message:   message,
		Meta:      map[string]any{},
		StartedAt: now,
		UpdatedAt: now,
	}
	m.jobs[j.ID] = j
	return clone(j), nil
}

func (m *Memory) Patch(_ context.Context, id int64, p model.JobPatch) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, model.ErrJobFinished
	}
	if p.Stage != nil {
		j.Stage = *p.Stage
	}
	if p.Message != nil {
		j.Message = *p.Message
	}
	if p.Error != nil {
		e := *p.Error
		j.Error = &e
	}
	for k, v := range p.Meta {
		j.Meta[k] = v
	}
	j.UpdatedAt = time.Now()
	if p.Status != nil {
		j.Status = *p.Status
		if j.Status.Terminal() {
			fin := j.UpdatedAt
			j.FinishedAt = &fin
		}
	}
	return clone(j), nil
}

func (m *Memory) AppendLog(_ context.Context, id int64, level model.LogLevel, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return model.ErrNotFound
	}
	m.logID++
	m.logs = append(m.logs, model.JobLogLine{ID: m.logID, JobID: id, Level: level, Line: line, CreatedAt: time.Now()})
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if j.Status.Terminal() {
		return model.ErrJobFinished
	}
	j.CancelRequested = true
	return nil
}

func (m *Memory) IsCancelRequested(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, model.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (m *Memory) Get(_ context.Context, id int64) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return clone(j), nil
}

func (m *Memory) List(_ context.Context, typ model.JobType, limit int) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Job
	for _, j := range m.jobs {
		if typ == "" || j.Type == typ {
			out = append(out, *clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Logs(_ context.Context, id, afterID int64, limit int) ([]model.JobLogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobLogLine
	for _, l := range m.logs {
		if l.JobID == id && l.ID > afterID {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AbandonRunning(_ context.Context, typ model.JobType, reason string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, j := range m.jobs {
		if j.Type == typ && j.Status == model.JobRunning {
			j.Status = model.JobFailed
			r := reason
			j.Error = &r
			now := time.Now()
			j.FinishedAt = &now
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

// LogLines returns the text of every log line of job id.
func (m *Memory) LogLines(id int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.logs {
		if l.JobID == id {
			out = append(out, l.Line)
		}
	}
	return out
}
