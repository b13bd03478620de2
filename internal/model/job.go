package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType names one kind of long-running operation.
type JobType string

const (
	JobFetch     JobType = "fetch"
	JobImport    JobType = "import"
	JobReconcile JobType = "reconcile"
)

// ParseJobType validates a job type string.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobFetch, JobImport, JobReconcile:
		return JobType(s), nil
	}
	return "", fmt.Errorf("job type %q: %w", s, ErrValidation)
}

// JobStatus is the state of a job. Everything except running is terminal.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s != JobRunning
}

// Job tracks one execution of fetch, import or reconcile.
type Job struct {
	ID              int64          `json:"id"`
	Type            JobType        `json:"type"`
	Status          JobStatus      `json:"status"`
	Stage           string         `json:"stage"`
	Message         string         `json:"message"`
	Meta            map[string]any `json:"meta"`
	Error           *string        `json:"error,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// JobPatch is a partial update of a job. Nil fields are left untouched and
// Meta is merged key-wise into the stored map.
type JobPatch struct {
	Stage   *string
	Message *string
	Status  *JobStatus
	Error   *string
	Meta    map[string]any
}

// MetaJSON encodes the metadata patch, or "{}" when there is none.
func (p JobPatch) MetaJSON() ([]byte, error) {
	if len(p.Meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Meta)
}

// LogLevel of a job log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// JobLogLine is one append-only log entry owned by a job.
type JobLogLine struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Level     LogLevel  `json:"level"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
