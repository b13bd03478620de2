package model

import (
	"fmt"
	"time"
)

// ImportMode selects whether absent records are deactivated.
type ImportMode string

const (
	ModeFull  ImportMode = "full"
	ModeDelta ImportMode = "delta"
)

// ParseImportMode validates a mode string.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case ModeFull, ModeDelta:
		return ImportMode(s), nil
	}
	return "", fmt.Errorf("mode %q: %w", s, ErrUnknownImportMode)
}

// FileStatus is the processing state of an imported file.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileDone       FileStatus = "done"
	FileSkipped    FileStatus = "skipped"
)

// ImportedFile records one source file discovered and processed.
type ImportedFile struct {
	ID         int64      `json:"id"`
	Filename   string     `json:"filename"`
	Size       int64      `json:"size"`
	Mode       ImportMode `json:"mode"`
	Status     FileStatus `json:"status"`
	Checksum   *string    `json:"checksum,omitempty"`
	Inserted   int64      `json:"inserted"`
	Updated    int64      `json:"updated"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DatasetState is the single-row marker of the last fetch, import and
// reconciliation.
type DatasetState struct {
	LastFetchHash      *string         `json:"last_fetch_hash,omitempty"`
	LastFetchAt        *time.Time      `json:"last_fetch_at,omitempty"`
	LastImportAt       *time.Time      `json:"last_import_at,omitempty"`
	LastReconcileAt    *time.Time      `json:"last_reconcile_at,omitempty"`
	LastReconcileStats *ReconcileStats `json:"last_reconcile_stats,omitempty"`
}
