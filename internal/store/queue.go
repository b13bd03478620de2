package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/addrsync/internal/model"
)

// QueueStore holds reconciliation outcomes awaiting staff review.
type QueueStore struct {
	db *sql.DB
}

// NewQueueStore creates a new review-queue repository
func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

const queueColumns = `id, point_id, status, candidates, decided_at, decided_by, chosen_point_id, created_at`

func scanQueueItem(row rowScanner) (*model.ReconcileQueueItem, error) {
	var (
		item  model.ReconcileQueueItem
		cands []byte
	)
	err := row.Scan(&item.ID, &item.PointID, &item.Status, &cands, &item.DecidedAt, &item.DecidedBy,
		&item.ChosenID, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cands, &item.Candidates); err != nil {
		return nil, fmt.Errorf("failed to decode candidates: %w", err)
	}
	return &item, nil
}

// Enqueue opens a review item for pointID unless one is already pending
// or staff already rejected the same candidate set. It reports whether a
// new item was created.
func (s *QueueStore) Enqueue(ctx context.Context, pointID int64, cands []model.Candidate) (bool, error) {
	if cands == nil {
		cands = []model.Candidate{}
	}
	payload, err := json.Marshal(cands)
	if err != nil {
		return false, fmt.Errorf("failed to encode candidates: %w", err)
	}
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.PointID
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reconcile_queue (point_id, status, candidates, candidate_ids)
		SELECT $1, 'pending', $2::jsonb, $3::bigint[]
		WHERE NOT EXISTS (
			SELECT 1 FROM reconcile_queue
			WHERE point_id = $1 AND status = 'rejected'
			  AND candidate_ids @> $3::bigint[] AND candidate_ids <@ $3::bigint[]
		)
		ON CONFLICT (point_id) WHERE status = 'pending' DO NOTHING
	`, pointID, string(payload), pq.Array(ids))
	if err != nil {
		return false, fmt.Errorf("failed to enqueue point %d: %w", pointID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get loads one queue item.
func (s *QueueStore) Get(ctx context.Context, id int64) (*model.ReconcileQueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM reconcile_queue WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue item: %w", err)
	}
	return item, nil
}

// List returns items of status oldest first; an empty status lists all.
func (s *QueueStore) List(ctx context.Context, status model.QueueStatus, limit int) ([]model.ReconcileQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM reconcile_queue
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var out []model.ReconcileQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// Reject closes a pending item without promoting the point.
func (s *QueueStore) Reject(ctx context.Context, id int64, decidedBy int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconcile_queue
		SET status = 'rejected', decided_at = now(), decided_by = $2
		WHERE id = $1 AND status = 'pending'
	`, id, decidedBy)
	if err != nil {
		return fmt.Errorf("failed to reject queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("queue item %d is already decided: %w", id, model.ErrValidation)
	}
	return nil
}
