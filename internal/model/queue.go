package model

import "time"

// QueueStatus of a reconcile queue item.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueResolved QueueStatus = "resolved"
	QueueRejected QueueStatus = "rejected"
)

// Candidate is an official point considered for a pending one.
// Distance is nil when no distance filter was applied.
type Candidate struct {
	PointID    int64    `json:"point_id"`
	OfficialID string   `json:"official_id"`
	Lon        float64  `json:"lon"`
	Lat        float64  `json:"lat"`
	Distance   *float64 `json:"distance_m,omitempty"`
}

// ReconcileQueueItem is an ambiguous reconciliation outcome awaiting staff.
type ReconcileQueueItem struct {
	ID         int64       `json:"id"`
	PointID    int64       `json:"point_id"`
	Status     QueueStatus `json:"status"`
	Candidates []Candidate `json:"candidates"`
	DecidedAt  *time.Time  `json:"decided_at,omitempty"`
	DecidedBy  *int64      `json:"decided_by,omitempty"`
	ChosenID   *int64      `json:"chosen_point_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ReconcileStats summarises one reconciliation run. Queued counts new
// review items; AlreadyQueued counts points whose item already existed.
type ReconcileStats struct {
	Scanned       int       `json:"scanned"`
	Matched       int       `json:"matched"`
	Queued        int       `json:"queued"`
	AlreadyQueued int       `json:"already_queued"`
	Unmatched     int       `json:"unmatched"`
	FinishedAt    time.Time `json:"finished_at"`
}

// PendingCursor is a position in the oldest-first order of pending points.
// The zero value starts at the beginning.
type PendingCursor struct {
	CreatedAt time.Time
	ID        int64
}
