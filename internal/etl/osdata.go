package etl

import (
	"context"
	"fmt"
	"io"

	"github.com/addrsync/internal/debug"
	"github.com/addrsync/internal/model"
)

// importReference loads the building-number reference feed. A full run
// empties the table first; a delta run only adds unseen scope keys.
func (r *importRun) importReference(ctx context.Context) error {
	if r.mode == model.ModeFull {
		r.h.Stage(ctx, "truncate", "clearing building-number reference table")
		if err := r.im.buildings.Truncate(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	r.h.Stage(ctx, "rows", "importing building numbers")

	batchSize := r.im.cfg.BatchSize
	batch := make([]model.BuildingNumberRecord, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.flushReference(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		r.reportProgress(ctx)
		return r.h.Checkpoint(ctx)
	}

	for {
		row, err := r.next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", r.rd.Line(), err)
		}

		rec, rerr := mapReferenceRow(row)
		if rerr != nil {
			r.skip(ctx, rerr)
			continue
		}
		batch = append(batch, rec)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		r.reportProgress(ctx)
	}
	if err := flush(); err != nil {
		return err
	}
	r.h.Progress(ctx, r.meta())
	return nil
}

func (r *importRun) flushReference(ctx context.Context, batch []model.BuildingNumberRecord) error {
	defer debug.Timing(r.h.Log(), r.im.cfg.Debug, "flush reference batch")()

	n, err := r.im.buildings.InsertBatch(context.WithoutCancel(ctx), batch)
	if err != nil {
		return err
	}
	r.inserted += n
	if dup := int64(len(batch)) - n; dup > 0 {
		r.skipped += dup
		r.reasons[skipDuplicate] += dup
	}
	return nil
}
