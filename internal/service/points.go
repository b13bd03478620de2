package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/addrsync/internal/geo"
	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/normalize"
)

// CreateLocalPointRequest is a staff-entered address awaiting an official
// identifier. A street code is required unless NoStreet is set.
type CreateLocalPointRequest struct {
	Terc       string   `json:"terc" validate:"required,max=7"`
	Simc       string   `json:"simc" validate:"required,max=7"`
	Ulic       string   `json:"ulic" validate:"omitempty,max=5"`
	NoStreet   bool     `json:"no_street"`
	BuildingNo string   `json:"building_no" validate:"required,max=20"`
	LocalNo    string   `json:"local_no" validate:"max=20"`
	Lat        *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon        *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
	Note       string   `json:"note" validate:"max=2000"`
	CreatedBy  *int64   `json:"created_by"`
}

// CreateLocalPoint validates and stores a pending local point. Grid
// coordinates are derived from lat/lon.
func (s *Service) CreateLocalPoint(ctx context.Context, req CreateLocalPointRequest) (*model.AddressPoint, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	ulic := normalize.OptionalCode(req.Ulic, normalize.UlicWidth)
	switch {
	case req.NoStreet && ulic != nil:
		return nil, fmt.Errorf("street code given for a no-street address: %w", model.ErrValidation)
	case !req.NoStreet && ulic == nil:
		return nil, fmt.Errorf("street code required unless no_street is set: %w", model.ErrValidation)
	}

	building := normalize.Display(req.BuildingNo)
	buildingNorm := normalize.BuildingNumber(building)
	if buildingNorm == "" {
		return nil, fmt.Errorf("building number %q is blank: %w", req.BuildingNo, model.ErrValidation)
	}
	lon, lat := *req.Lon, *req.Lat
	if !geo.ValidGeographic(lon, lat) {
		return nil, fmt.Errorf("coordinates %f,%f out of range: %w", lat, lon, model.ErrValidation)
	}
	x, y := s.grid.FromGeographic(lon, lat)

	p := &model.AddressPoint{
		Source:         model.SourceLocalPending,
		Terc:           normalize.Code(req.Terc, normalize.TercWidth),
		Simc:           normalize.Code(req.Simc, normalize.SimcWidth),
		Ulic:           ulic,
		NoStreet:       req.NoStreet,
		BuildingNo:     building,
		BuildingNoNorm: buildingNorm,
		LocalNo:        normalize.OptionalDisplay(req.LocalNo),
		LocalNoNorm:    normalize.LocalNumber(req.LocalNo),
		X:              &x,
		Y:              &y,
		Lon:            lon,
		Lat:            lat,
		Status:         model.PointActive,
		CreatedBy:      req.CreatedBy,
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		p.Note = &note
	}

	created, err := s.points.CreateLocal(ctx, p)
	if err != nil {
		return nil, err
	}
	s.log.WithField("point_id", created.ID).Info("local point created")
	return created, nil
}

// ListPendingPoints lists active pending points oldest first.
func (s *Service) ListPendingPoints(ctx context.Context, limit int) ([]model.AddressPoint, error) {
	return s.points.Pending(ctx, clampLimit(limit))
}

// ListReconcileQueue lists review items. An empty status lists pending ones.
func (s *Service) ListReconcileQueue(ctx context.Context, status string, limit int) ([]model.ReconcileQueueItem, error) {
	st := model.QueuePending
	if status != "" {
		st = model.QueueStatus(status)
		switch st {
		case model.QueuePending, model.QueueResolved, model.QueueRejected:
		default:
			return nil, fmt.Errorf("queue status %q: %w", status, model.ErrValidation)
		}
	}
	return s.queue.List(ctx, st, clampLimit(limit))
}

// ResolveRequest is a staff decision on a review item. A nil CandidateID
// rejects the item.
type ResolveRequest struct {
	CandidateID *int64 `json:"candidate_id"`
	StaffID     int64  `json:"staff_id" validate:"required,gt=0"`
}

// Resolution is the outcome of ResolveQueueItem. Point is set when the
// pending point was promoted.
type Resolution struct {
	Item  *model.ReconcileQueueItem `json:"item"`
	Point *model.AddressPoint       `json:"point,omitempty"`
}

// ResolveQueueItem promotes the item's point to the chosen candidate or
// rejects the item. The candidate must still match the point's key.
func (s *Service) ResolveQueueItem(ctx context.Context, itemID int64, req ResolveRequest) (*Resolution, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	item, err := s.queue.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != model.QueuePending {
		return nil, fmt.Errorf("queue item %d is %s: %w", itemID, item.Status, model.ErrValidation)
	}

	log := s.log.WithFields(logrus.Fields{"queue_item": itemID, "staff_id": req.StaffID})
	if req.CandidateID == nil {
		if err := s.queue.Reject(ctx, itemID, req.StaffID); err != nil {
			return nil, err
		}
		log.Info("queue item rejected")
		return s.resolution(ctx, itemID, nil)
	}

	point, err := s.points.Get(ctx, item.PointID)
	if err != nil {
		return nil, err
	}
	cands, err := s.points.Candidates(ctx, *point)
	if err != nil {
		return nil, err
	}
	if !containsCandidate(cands, *req.CandidateID) {
		return nil, fmt.Errorf("point %d is not a current candidate for point %d: %w",
			*req.CandidateID, point.ID, model.ErrValidation)
	}

	promoted, err := s.points.Promote(ctx, point.ID, *req.CandidateID, &req.StaffID, false)
	if err != nil {
		return nil, err
	}
	log.WithField("point_id", promoted.ID).Info("queue item resolved by promotion")
	return s.resolution(ctx, itemID, promoted)
}

func (s *Service) resolution(ctx context.Context, itemID int64, p *model.AddressPoint) (*Resolution, error) {
	item, err := s.queue.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Item: item, Point: p}, nil
}

func containsCandidate(cands []model.Candidate, id int64) bool {
	for _, c := range cands {
		if c.PointID == id {
			return true
		}
	}
	return false
}

// validationError flattens validator output into one ErrValidation.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%v: %w", err, model.ErrValidation)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("invalid %s: %w", strings.Join(fields, ", "), model.ErrValidation)
}
