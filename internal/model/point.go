package model

import (
	"fmt"
	"time"
)

// Source discriminates official registry points from staff-entered ones.
type Source string

const (
	SourceOfficial     Source = "OFFICIAL"
	SourceLocalPending Source = "LOCAL_PENDING"
)

// PointStatus is the activity state of an address point.
type PointStatus string

const (
	PointActive   PointStatus = "active"
	PointInactive PointStatus = "inactive"
)

// AddressPoint is a single postal address location.
type AddressPoint struct {
	ID             int64       `json:"id"`
	Source         Source      `json:"source"`
	OfficialID     *string     `json:"official_id,omitempty"`
	LocalID        *string     `json:"local_id,omitempty"`
	Terc           string      `json:"terc"`
	Simc           string      `json:"simc"`
	Ulic           *string     `json:"ulic,omitempty"`
	NoStreet       bool        `json:"no_street"`
	BuildingNo     string      `json:"building_no"`
	BuildingNoNorm string      `json:"building_no_norm"`
	LocalNo        *string     `json:"local_no,omitempty"`
	LocalNoNorm    *string     `json:"local_no_norm,omitempty"`
	X              *float64    `json:"x_2180,omitempty"`
	Y              *float64    `json:"y_2180,omitempty"`
	Lon            float64     `json:"lon"`
	Lat            float64     `json:"lat"`
	Status         PointStatus `json:"status"`
	MergedInto     *int64      `json:"merged_into,omitempty"`
	Note           *string     `json:"note,omitempty"`

	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy   *int64     `json:"resolved_by,omitempty"`
	AutoResolved bool       `json:"auto_resolved"`
	CreatedBy    *int64     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsPending reports whether the point still awaits reconciliation.
func (p *AddressPoint) IsPending() bool {
	return p.Source == SourceLocalPending && p.Status == PointActive
}

// Promote turns a pending local point into an official one in place.
// The row identity is kept so references to the point stay valid.
// resolvedBy is nil for automatic promotions.
func (p *AddressPoint) Promote(officialID string, resolvedBy *int64, automatic bool, at time.Time) error {
	if p.Source != SourceLocalPending {
		return fmt.Errorf("promote point %d: %w", p.ID, ErrNotPending)
	}
	if officialID == "" {
		return fmt.Errorf("promote point %d: empty official id: %w", p.ID, ErrValidation)
	}
	id := officialID
	p.Source = SourceOfficial
	p.OfficialID = &id
	p.LocalID = nil
	p.ResolvedAt = &at
	p.ResolvedBy = resolvedBy
	p.AutoResolved = automatic
	p.UpdatedAt = at
	return nil
}

// BuildingNumberRecord is a row of the building-number reference feed.
type BuildingNumberRecord struct {
	ID             int64     `json:"id"`
	Terc           string    `json:"terc"`
	Simc           string    `json:"simc"`
	Ulic           *string   `json:"ulic,omitempty"`
	BuildingNo     string    `json:"building_no"`
	BuildingNoNorm string    `json:"building_no_norm"`
	PlaceName      *string   `json:"place_name,omitempty"`
	StreetName     *string   `json:"street_name,omitempty"`
	RawRecord      string    `json:"raw_record"`
	CreatedAt      time.Time `json:"created_at"`
}
