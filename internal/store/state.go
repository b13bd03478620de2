package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/addrsync/internal/model"
)

// StateStore reads and writes the single dataset_state row.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a new dataset marker repository
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Get returns the dataset marker.
func (s *StateStore) Get(ctx context.Context) (*model.DatasetState, error) {
	var (
		st    model.DatasetState
		stats []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_fetch_hash, last_fetch_at, last_import_at, last_reconcile_at, last_reconcile_stats
		FROM dataset_state WHERE id = 1
	`).Scan(&st.LastFetchHash, &st.LastFetchAt, &st.LastImportAt, &st.LastReconcileAt, &stats)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset state: %w", err)
	}
	if len(stats) > 0 {
		st.LastReconcileStats = &model.ReconcileStats{}
		if err := json.Unmarshal(stats, st.LastReconcileStats); err != nil {
			return nil, fmt.Errorf("failed to decode reconcile stats: %w", err)
		}
	}
	return &st, nil
}

// MarkFetched stores the content hash of the newest download.
func (s *StateStore) MarkFetched(ctx context.Context, hash string, at time.Time) error {
	return s.exec(ctx, `UPDATE dataset_state SET last_fetch_hash = $1, last_fetch_at = $2 WHERE id = 1`, hash, at)
}

// MarkImported stores the completion time of the newest import.
func (s *StateStore) MarkImported(ctx context.Context, at time.Time) error {
	return s.exec(ctx, `UPDATE dataset_state SET last_import_at = $1 WHERE id = 1`, at)
}

// MarkReconciled stores the outcome of the newest reconciliation.
func (s *StateStore) MarkReconciled(ctx context.Context, stats model.ReconcileStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode reconcile stats: %w", err)
	}
	return s.exec(ctx, `
		UPDATE dataset_state SET last_reconcile_at = $1, last_reconcile_stats = $2::jsonb WHERE id = 1
	`, stats.FinishedAt, string(payload))
}

func (s *StateStore) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update dataset state: %w", err)
	}
	return nil
}
