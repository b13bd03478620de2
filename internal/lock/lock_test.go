package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addrsync/internal/model"
)

func TestAcquireExclusive(t *testing.T) {
	m := NewManager(t.TempDir())

	first, err := m.Acquire("import", "job 1")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), first.PID)
	assert.NotEmpty(t, first.Token)

	_, err = m.Acquire("import", "job 2")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	var held *HeldError
	require.ErrorAs(t, err, &held)
	require.NotNil(t, held.Info)
	assert.Equal(t, "job 1", held.Info.Holder)

	// Different names do not contend.
	other, err := m.Acquire("fetch", "job 3")
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, first.Release())
	again, err := m.Acquire("import", "job 4")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestReleaseTwice(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Acquire("fetch", "cli")
	require.NoError(t, err)
	require.NoError(t, l.Release())
	assert.NoError(t, l.Release())
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	st, err := m.Inspect("import")
	require.NoError(t, err)
	assert.False(t, st.Held)
	assert.False(t, st.Stale)

	l, err := m.Acquire("import", "job 9")
	require.NoError(t, err)

	st, err = m.Inspect("import")
	require.NoError(t, err)
	assert.True(t, st.Held)
	require.NotNil(t, st.Info)
	assert.Equal(t, "job 9", st.Info.Holder)

	require.NoError(t, l.Release())
	_, err = os.Stat(filepath.Join(dir, "import.info"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearStale(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	// A holder description with no live flock behind it.
	require.NoError(t, writeInfo(filepath.Join(dir, "import.info"), &Info{Name: "import", Holder: "job 5", PID: 1}))

	st, err := m.Inspect("import")
	require.NoError(t, err)
	assert.False(t, st.Held)
	assert.True(t, st.Stale)

	st, err = m.Clear("import")
	require.NoError(t, err)
	assert.True(t, st.Stale)

	st, err = m.Inspect("import")
	require.NoError(t, err)
	assert.False(t, st.Stale)
}

func TestClearRefusesHeld(t *testing.T) {
	m := NewManager(t.TempDir())
	l, err := m.Acquire("import", "job 1")
	require.NoError(t, err)
	defer l.Release()

	_, err = m.Clear("import")
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
}
