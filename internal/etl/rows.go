package etl

import (
	"fmt"
	"strings"

	"github.com/addrsync/internal/geo"
	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/normalize"
	"github.com/addrsync/internal/reader"
)

// skipReason classifies rows dropped during import.
type skipReason string

const (
	skipMissingID       skipReason = "missing_id"
	skipMissingTerc     skipReason = "missing_terc"
	skipMissingBuilding skipReason = "missing_building_no"
	skipMissingCoords   skipReason = "missing_coordinates"
	skipBadCoords       skipReason = "bad_coordinates"
	skipMissingRecord   skipReason = "missing_raw_record"
	skipMalformed       skipReason = "malformed_row"
	skipDuplicate       skipReason = "duplicate"
)

type rowError struct {
	reason skipReason
	detail string
}

func (e *rowError) Error() string {
	if e.detail == "" {
		return string(e.reason)
	}
	return fmt.Sprintf("%s (%s)", e.reason, e.detail)
}

func skip(reason skipReason, format string, args ...any) *rowError {
	return &rowError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// mapPointRow validates and normalizes one address-point row. Grid
// coordinates are converted with grid when no WGS84 pair is present.
func mapPointRow(row reader.Row, grid *geo.Transformer) (model.AddressPoint, *rowError) {
	var p model.AddressPoint

	id := row.First(idColumns...)
	if id == "" {
		return p, skip(skipMissingID, "")
	}
	terc := normalize.Code(row.First(tercColumns...), normalize.TercWidth)
	if terc == "" {
		return p, skip(skipMissingTerc, "id=%s", id)
	}
	building := normalize.Display(row.First(buildingColumns...))
	buildingNorm := normalize.BuildingNumber(building)
	if buildingNorm == "" {
		return p, skip(skipMissingBuilding, "id=%s", id)
	}

	lon, lat, x, y, cerr := pointCoordinates(row, grid)
	if cerr != nil {
		cerr.detail = strings.TrimSpace("id=" + id + " " + cerr.detail)
		return p, cerr
	}

	ulic := normalize.OptionalCode(row.First(ulicColumns...), normalize.UlicWidth)
	local := row.First(localColumns...)

	p = model.AddressPoint{
		Source:         model.SourceOfficial,
		OfficialID:     &id,
		Terc:           terc,
		Simc:           normalize.Code(row.First(simcColumns...), normalize.SimcWidth),
		Ulic:           ulic,
		NoStreet:       ulic == nil,
		BuildingNo:     building,
		BuildingNoNorm: buildingNorm,
		LocalNo:        normalize.OptionalDisplay(local),
		LocalNoNorm:    normalize.LocalNumber(local),
		X:              x,
		Y:              y,
		Lon:            lon,
		Lat:            lat,
		Status:         model.PointActive,
	}
	return p, nil
}

func pointCoordinates(row reader.Row, grid *geo.Transformer) (lon, lat float64, x, y *float64, rerr *rowError) {
	latRaw, lonRaw := row.First(latColumns...), row.First(lonColumns...)
	xRaw, yRaw := row.First(xColumns...), row.First(yColumns...)

	haveGeo := latRaw != "" && lonRaw != ""

	if xRaw != "" && yRaw != "" {
		xv, okX := normalize.Coordinate(xRaw)
		yv, okY := normalize.Coordinate(yRaw)
		switch {
		case okX && okY:
			x, y = &xv, &yv
		case !haveGeo:
			return 0, 0, nil, nil, skip(skipBadCoords, "x=%q y=%q", xRaw, yRaw)
		}
	}

	switch {
	case haveGeo:
		var okLat, okLon bool
		lat, okLat = normalize.Coordinate(latRaw)
		lon, okLon = normalize.Coordinate(lonRaw)
		if !okLat || !okLon {
			return 0, 0, nil, nil, skip(skipBadCoords, "lat=%q lon=%q", latRaw, lonRaw)
		}
	case x != nil:
		lon, lat = grid.ToGeographic(*x, *y)
	default:
		return 0, 0, nil, nil, skip(skipMissingCoords, "")
	}

	if !geo.ValidGeographic(lon, lat) {
		return 0, 0, nil, nil, skip(skipBadCoords, "lon=%f lat=%f", lon, lat)
	}
	return lon, lat, x, y, nil
}

// mapReferenceRow validates one building-number reference row. Codes and
// the building number come from explicit columns when present, otherwise
// from the composite raw record.
func mapReferenceRow(row reader.Row) (model.BuildingNumberRecord, *rowError) {
	var r model.BuildingNumberRecord

	raw := row.First(recordColumns...)
	if raw == "" {
		return r, skip(skipMissingRecord, "")
	}
	comp := normalize.ParseComposite(raw)

	terc := normalize.Code(row.First(tercColumns...), normalize.TercWidth)
	if terc == "" {
		terc = comp.Terc
	}
	if terc == "" {
		return r, skip(skipMissingTerc, "record=%q", raw)
	}

	building := row.First(buildingColumns...)
	if building == "" {
		building = comp.BuildingNo
	}
	building = normalize.Display(building)
	buildingNorm := normalize.BuildingNumber(building)
	if buildingNorm == "" {
		return r, skip(skipMissingBuilding, "record=%q", raw)
	}

	simc := normalize.Code(row.First(simcColumns...), normalize.SimcWidth)
	if simc == "" {
		simc = comp.Simc
	}
	ulic := normalize.OptionalCode(row.First(ulicColumns...), normalize.UlicWidth)
	if ulic == nil && comp.Ulic != "" {
		u := comp.Ulic
		ulic = &u
	}

	r = model.BuildingNumberRecord{
		Terc:           terc,
		Simc:           simc,
		Ulic:           ulic,
		BuildingNo:     building,
		BuildingNoNorm: buildingNorm,
		PlaceName:      optionalText(row.First(placeColumns...)),
		StreetName:     optionalText(row.First(streetColumns...)),
		RawRecord:      raw,
	}
	return r, nil
}

func optionalText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
