package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/addrsync/internal/model"
)

// BuildingStore holds the building-number reference feed.
type BuildingStore struct {
	db *sql.DB
}

// NewBuildingStore creates a new building-number repository
func NewBuildingStore(db *sql.DB) *BuildingStore {
	return &BuildingStore{db: db}
}

// Truncate empties the reference table ahead of a full reload.
func (s *BuildingStore) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE building_numbers RESTART IDENTITY`); err != nil {
		return fmt.Errorf("failed to truncate building numbers: %w", err)
	}
	return nil
}

// InsertBatch inserts records in a single statement and returns how many
// were new. Records whose scope key already exists are ignored.
func (s *BuildingStore) InsertBatch(ctx context.Context, batch []model.BuildingNumberRecord) (int64, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	n := len(batch)
	terc := make([]string, n)
	simc := make([]string, n)
	ulic := make([]sql.NullString, n)
	no := make([]string, n)
	norm := make([]string, n)
	place := make([]sql.NullString, n)
	street := make([]sql.NullString, n)
	raw := make([]string, n)
	for i, r := range batch {
		terc[i] = r.Terc
		simc[i] = r.Simc
		ulic[i] = nullString(r.Ulic)
		no[i] = r.BuildingNo
		norm[i] = r.BuildingNoNorm
		place[i] = nullString(r.PlaceName)
		street[i] = nullString(r.StreetName)
		raw[i] = r.RawRecord
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO building_numbers (
			terc, simc, ulic, building_no, building_no_norm, place_name, street_name, raw_record
		)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[],
			$5::text[], $6::text[], $7::text[], $8::text[]
		)
		ON CONFLICT DO NOTHING
	`, pq.Array(terc), pq.Array(simc), pq.Array(ulic), pq.Array(no),
		pq.Array(norm), pq.Array(place), pq.Array(street), pq.Array(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to insert building numbers: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count inserted building numbers: %w", err)
	}
	return inserted, nil
}

// Count returns the number of reference rows.
func (s *BuildingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM building_numbers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count building numbers: %w", err)
	}
	return n, nil
}
