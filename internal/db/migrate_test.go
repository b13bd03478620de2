package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addrsync/internal/db"
	"github.com/addrsync/internal/db/dbtest"
	"github.com/addrsync/internal/logging"
)

func TestMigrateIsIdempotent(t *testing.T) {
	pool := dbtest.Open(t)

	require.NoError(t, db.Migrate(pool, logging.Discard()))

	var rows int
	err := pool.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM dataset_state`).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)
}

func TestOneRunningJobPerType(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()

	_, err := pool.ExecContext(ctx, `INSERT INTO jobs (job_type) VALUES ('import')`)
	require.NoError(t, err)

	_, err = pool.ExecContext(ctx, `INSERT INTO jobs (job_type) VALUES ('import')`)
	assert.Error(t, err)

	_, err = pool.ExecContext(ctx, `INSERT INTO jobs (job_type) VALUES ('fetch')`)
	assert.NoError(t, err)
}
