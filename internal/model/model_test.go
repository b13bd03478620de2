package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromote(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	staff := int64(7)
	p := AddressPoint{ID: 42, Source: SourceLocalPending, LocalID: Ptr("L-1"), Status: PointActive}

	require.NoError(t, p.Promote("PL.PZGIK.200.123", &staff, false, at))

	assert.Equal(t, int64(42), p.ID)
	assert.Equal(t, SourceOfficial, p.Source)
	assert.Equal(t, "PL.PZGIK.200.123", *p.OfficialID)
	assert.Nil(t, p.LocalID)
	assert.Equal(t, at, *p.ResolvedAt)
	assert.Equal(t, staff, *p.ResolvedBy)
	assert.False(t, p.AutoResolved)
	assert.False(t, p.IsPending())
}

func TestPromoteRejectsOfficial(t *testing.T) {
	p := AddressPoint{ID: 1, Source: SourceOfficial}
	err := p.Promote("X", nil, true, time.Now())
	assert.ErrorIs(t, err, ErrNotPending)

	pending := AddressPoint{ID: 2, Source: SourceLocalPending}
	assert.ErrorIs(t, pending.Promote("", nil, true, time.Now()), ErrValidation)
}

func TestParseImportMode(t *testing.T) {
	m, err := ParseImportMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseImportMode("partial")
	assert.ErrorIs(t, err, ErrUnknownImportMode)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobRunning.Terminal())
	for _, s := range []JobStatus{JobSuccess, JobFailed, JobSkipped, JobCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(fmt.Errorf("create: %w", ErrDuplicateLocalPoint)))
	assert.False(t, IsDomainError(errors.New("connection reset")))
	assert.False(t, IsDomainError(ErrCancelled))
}

func TestJobPatchMetaJSON(t *testing.T) {
	b, err := JobPatch{}.MetaJSON()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	b, err = JobPatch{Meta: map[string]any{"inserted": 3}}.MetaJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"inserted":3}`, string(b))
}
