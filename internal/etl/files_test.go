package etl

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportable(t *testing.T) {
	assert.True(t, Importable("registry-20260501.zip"))
	assert.True(t, Importable("adresy.csv"))
	assert.False(t, Importable(".fetch-123.part"))
	assert.False(t, Importable("adresy.csv.part"))
	assert.False(t, Importable("upload.tmp"))
	assert.False(t, Importable(".DS_Store"))
}

func TestListImportableOrder(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for name, age := range map[string]int{"c.csv": 0, "b.csv": 2, "a.csv": 2, "skip.tmp": 1} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		mt := base.Add(time.Duration(age) * time.Hour)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	files, err := listImportable(dir)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.name)
	}
	assert.Equal(t, []string{"c.csv", "a.csv", "b.csv"}, names)
	assert.Equal(t, int64(5), files[0].size)
}

func TestChecksum(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.csv")
	require.NoError(t, os.WriteFile(p, []byte("id\n1\n"), 0o644))

	sum, size, err := Checksum(p)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("id\n1\n"))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
	assert.Equal(t, int64(5), size)

	_, _, err = Checksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
