package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/addrsync/internal/model"
)

const pointColumns = `id, source, official_id, local_id, terc, simc, ulic, no_street,
	building_no, building_no_norm, local_no, local_no_norm, x_2180, y_2180, lon, lat,
	status, merged_into, note, resolved_at, resolved_by, auto_resolved, created_by,
	created_at, updated_at`

// PointStore reads and writes address points.
type PointStore struct {
	db *sql.DB
	// ChunkSize bounds the identifier list of one existence query.
	ChunkSize int
}

// NewPointStore creates a new point repository
func NewPointStore(db *sql.DB) *PointStore {
	return &PointStore{db: db, ChunkSize: 10000}
}

func scanPoint(row rowScanner) (*model.AddressPoint, error) {
	var p model.AddressPoint
	err := row.Scan(&p.ID, &p.Source, &p.OfficialID, &p.LocalID, &p.Terc, &p.Simc, &p.Ulic, &p.NoStreet,
		&p.BuildingNo, &p.BuildingNoNorm, &p.LocalNo, &p.LocalNoNorm, &p.X, &p.Y, &p.Lon, &p.Lat,
		&p.Status, &p.MergedInto, &p.Note, &p.ResolvedAt, &p.ResolvedBy, &p.AutoResolved, &p.CreatedBy,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Get loads one point by row id
func (s *PointStore) Get(ctx context.Context, id int64) (*model.AddressPoint, error) {
	p, err := scanPoint(s.db.QueryRowContext(ctx, `SELECT `+pointColumns+` FROM address_points WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("point %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load point %d: %w", id, err)
	}
	return p, nil
}

// ExistingOfficialIDs returns which of ids are already stored. Lookups are
// split into chunks of ChunkSize.
func (s *PointStore) ExistingOfficialIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = len(ids)
	}

	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		rows, err := s.db.QueryContext(ctx, `
			SELECT official_id FROM address_points WHERE official_id = ANY($1)
		`, pq.Array(ids[start:end]))
		if err != nil {
			return nil, fmt.Errorf("failed to look up official ids: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// UpsertOfficial writes one batch of official points in a single
// transaction. Rows are matched on the registry identifier and reactivated
// when they reappear. With stage set, the identifiers are also copied into
// the job's staging set for later deactivation of absent points.
// Identifiers within a batch must be unique.
func (s *PointStore) UpsertOfficial(ctx context.Context, jobID int64, batch []model.AddressPoint, stage bool) error {
	if len(batch) == 0 {
		return nil
	}

	n := len(batch)
	var (
		ids      = make([]string, n)
		terc     = make([]string, n)
		simc     = make([]string, n)
		ulic     = make([]sql.NullString, n)
		noStreet = make([]bool, n)
		bno      = make([]string, n)
		bnoNorm  = make([]string, n)
		lno      = make([]sql.NullString, n)
		lnoNorm  = make([]sql.NullString, n)
		xs       = make([]sql.NullFloat64, n)
		ys       = make([]sql.NullFloat64, n)
		lons     = make([]float64, n)
		lats     = make([]float64, n)
	)
	for i, p := range batch {
		if p.OfficialID == nil {
			return fmt.Errorf("official point without identifier: %w", model.ErrValidation)
		}
		ids[i] = *p.OfficialID
		terc[i] = p.Terc
		simc[i] = p.Simc
		ulic[i] = nullString(p.Ulic)
		noStreet[i] = p.NoStreet
		bno[i] = p.BuildingNo
		bnoNorm[i] = p.BuildingNoNorm
		lno[i] = nullString(p.LocalNo)
		lnoNorm[i] = nullString(p.LocalNoNorm)
		xs[i] = nullFloat(p.X)
		ys[i] = nullFloat(p.Y)
		lons[i] = p.Lon
		lats[i] = p.Lat
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO address_points (
			source, official_id, terc, simc, ulic, no_street, building_no, building_no_norm,
			local_no, local_no_norm, x_2180, y_2180, lon, lat, status
		)
		SELECT 'OFFICIAL', u.official_id, u.terc, u.simc, u.ulic, u.no_street, u.building_no,
			u.building_no_norm, u.local_no, u.local_no_norm, u.x_2180, u.y_2180, u.lon, u.lat, 'active'
		FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[], $5::boolean[], $6::text[], $7::text[],
			$8::text[], $9::text[], $10::float8[], $11::float8[], $12::float8[], $13::float8[]
		) AS u(official_id, terc, simc, ulic, no_street, building_no, building_no_norm,
			local_no, local_no_norm, x_2180, y_2180, lon, lat)
		ON CONFLICT (official_id) DO UPDATE SET
			terc = EXCLUDED.terc,
			simc = EXCLUDED.simc,
			ulic = EXCLUDED.ulic,
			no_street = EXCLUDED.no_street,
			building_no = EXCLUDED.building_no,
			building_no_norm = EXCLUDED.building_no_norm,
			local_no = EXCLUDED.local_no,
			local_no_norm = EXCLUDED.local_no_norm,
			x_2180 = EXCLUDED.x_2180,
			y_2180 = EXCLUDED.y_2180,
			lon = EXCLUDED.lon,
			lat = EXCLUDED.lat,
			status = 'active',
			updated_at = now()
	`, pq.Array(ids), pq.Array(terc), pq.Array(simc), pq.Array(ulic), pq.Array(noStreet),
		pq.Array(bno), pq.Array(bnoNorm), pq.Array(lno), pq.Array(lnoNorm),
		pq.Array(xs), pq.Array(ys), pq.Array(lons), pq.Array(lats))
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	if stage {
		if err := copyStaging(ctx, tx, jobID, ids); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func copyStaging(ctx context.Context, tx *sql.Tx, jobID int64, ids []string) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("import_staging_ids", "job_id", "official_id"))
	if err != nil {
		return fmt.Errorf("failed to prepare staging copy: %w", err)
	}
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, jobID, id); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to stage id: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to flush staging copy: %w", err)
	}
	return stmt.Close()
}

// DeactivateMissing marks every active official point whose identifier
// was not staged by jobID as inactive.
func (s *PointStore) DeactivateMissing(ctx context.Context, jobID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE address_points p
		SET status = 'inactive', updated_at = now()
		WHERE p.source = 'OFFICIAL'
		  AND p.status = 'active'
		  AND p.official_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM import_staging_ids s
			WHERE s.job_id = $1 AND s.official_id = p.official_id
		  )
	`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate absent points: %w", err)
	}
	return res.RowsAffected()
}

// ClearStaging drops the staging set of jobID.
func (s *PointStore) ClearStaging(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM import_staging_ids WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to clear staging: %w", err)
	}
	return nil
}

// CreateLocal inserts a staff-entered pending point. An active pending
// point with the same address tuple yields model.ErrDuplicateLocalPoint.
func (s *PointStore) CreateLocal(ctx context.Context, p *model.AddressPoint) (*model.AddressPoint, error) {
	localID := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO address_points (
			source, local_id, terc, simc, ulic, no_street, building_no, building_no_norm,
			local_no, local_no_norm, x_2180, y_2180, lon, lat, status, note, created_by
		) VALUES ('LOCAL_PENDING', $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 'active', $14, $15)
		RETURNING `+pointColumns,
		localID, p.Terc, p.Simc, p.Ulic, p.NoStreet, p.BuildingNo, p.BuildingNoNorm,
		p.LocalNo, p.LocalNoNorm, p.X, p.Y, p.Lon, p.Lat, p.Note, p.CreatedBy)

	created, err := scanPoint(row)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%s/%s/%s: %w", p.Terc, p.Simc, p.BuildingNoNorm, model.ErrDuplicateLocalPoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create local point: %w", err)
	}
	return created, nil
}

// Pending lists active pending points oldest first.
func (s *PointStore) Pending(ctx context.Context, limit int) ([]model.AddressPoint, error) {
	query := `SELECT ` + pointColumns + `
		FROM address_points
		WHERE source = 'LOCAL_PENDING' AND status = 'active'
		ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.listPoints(ctx, query, args...)
}

// PendingAfter returns up to limit active pending points that follow
// after in (created_at, id) order.
func (s *PointStore) PendingAfter(ctx context.Context, after model.PendingCursor, limit int) ([]model.AddressPoint, error) {
	return s.listPoints(ctx, `SELECT `+pointColumns+`
		FROM address_points
		WHERE source = 'LOCAL_PENDING' AND status = 'active'
		  AND (created_at, id) > ($1, $2)
		ORDER BY created_at, id
		LIMIT $3`, after.CreatedAt, after.ID, limit)
}

func (s *PointStore) listPoints(ctx context.Context, query string, args ...any) ([]model.AddressPoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending points: %w", err)
	}
	defer rows.Close()

	var out []model.AddressPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Candidates returns the active official points sharing p's address key.
// Missing street and unit codes match only missing ones.
func (s *PointStore) Candidates(ctx context.Context, p model.AddressPoint) ([]model.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, official_id, lon, lat
		FROM address_points
		WHERE source = 'OFFICIAL'
		  AND status = 'active'
		  AND official_id IS NOT NULL
		  AND id <> $6
		  AND terc = $1
		  AND simc = $2
		  AND ulic IS NOT DISTINCT FROM $3
		  AND building_no_norm = $4
		  AND local_no_norm IS NOT DISTINCT FROM $5
		ORDER BY id
	`, p.Terc, p.Simc, p.Ulic, p.BuildingNoNorm, p.LocalNoNorm, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.PointID, &c.OfficialID, &c.Lon, &c.Lat); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Promote turns pending point pointID into the official record of
// candidateID. The candidate row is retired and merged into the promoted
// point, which takes over its identifier and coordinates. Any open review
// item of the point is resolved in the same transaction.
func (s *PointStore) Promote(ctx context.Context, pointID, candidateID int64, resolvedBy *int64, automatic bool) (*model.AddressPoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPoint(tx.QueryRowContext(ctx, `
		SELECT `+pointColumns+` FROM address_points WHERE id = $1 FOR UPDATE
	`, pointID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("point %d: %w", pointID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock point: %w", err)
	}
	if !p.IsPending() {
		return nil, fmt.Errorf("point %d: %w", pointID, model.ErrNotPending)
	}

	cand, err := scanPoint(tx.QueryRowContext(ctx, `
		SELECT `+pointColumns+` FROM address_points
		WHERE id = $1 AND source = 'OFFICIAL' AND status = 'active' AND official_id IS NOT NULL
		FOR UPDATE
	`, candidateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("candidate %d is not an active official point: %w", candidateID, model.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock candidate: %w", err)
	}

	if err := p.Promote(*cand.OfficialID, resolvedBy, automatic, time.Now().UTC()); err != nil {
		return nil, err
	}
	p.Lon, p.Lat, p.X, p.Y = cand.Lon, cand.Lat, cand.X, cand.Y

	_, err = tx.ExecContext(ctx, `
		UPDATE address_points
		SET official_id = NULL, status = 'inactive', merged_into = $2, updated_at = now()
		WHERE id = $1
	`, cand.ID, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to retire candidate: %w", err)
	}

	promoted, err := scanPoint(tx.QueryRowContext(ctx, `
		UPDATE address_points SET
			source = 'OFFICIAL',
			official_id = $2,
			local_id = NULL,
			lon = $3, lat = $4, x_2180 = $5, y_2180 = $6,
			resolved_at = $7, resolved_by = $8, auto_resolved = $9,
			updated_at = now()
		WHERE id = $1
		RETURNING `+pointColumns,
		p.ID, p.OfficialID, p.Lon, p.Lat, p.X, p.Y, p.ResolvedAt, p.ResolvedBy, p.AutoResolved))
	if err != nil {
		return nil, fmt.Errorf("failed to promote point: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE reconcile_queue
		SET status = 'resolved', decided_at = now(), decided_by = $2, chosen_point_id = $3
		WHERE point_id = $1 AND status = 'pending'
	`, p.ID, resolvedBy, cand.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return promoted, nil
}

// CountByStatus returns active and inactive point counts per source.
func (s *PointStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source || ':' || status, COUNT(*) FROM address_points GROUP BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count points: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}
