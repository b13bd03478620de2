package model

import "errors"

// Domain errors surfaced to callers as rejected operations.
var (
	ErrAlreadyRunning           = errors.New("job already running")
	ErrDuplicateLocalPoint      = errors.New("duplicate local address point")
	ErrUnknownImportMode        = errors.New("unknown import mode")
	ErrEmptyArchive             = errors.New("archive has no entries")
	ErrNoHeaderRow              = errors.New("no header row")
	ErrMissingProjectionSupport = errors.New("projection support missing")
	ErrNotFound                 = errors.New("not found")
	ErrValidation               = errors.New("validation failed")
	ErrJobFinished              = errors.New("job already finished")
	ErrNotPending               = errors.New("point is not pending")
)

// ErrCancelled is returned by long-running work stopped at a checkpoint.
var ErrCancelled = errors.New("job cancelled")

// IsDomainError reports whether err is a caller-visible domain error
// rather than an infrastructure failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrAlreadyRunning, ErrDuplicateLocalPoint, ErrUnknownImportMode,
		ErrEmptyArchive, ErrNoHeaderRow, ErrNotFound, ErrValidation,
		ErrJobFinished, ErrNotPending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
