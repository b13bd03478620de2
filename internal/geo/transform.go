// Package geo converts between the national metric grid and geographic
// coordinates and measures great-circle distances.
package geo

import (
	"fmt"
	"math"

	"github.com/addrsync/internal/model"
)

// EPSG codes understood by this package.
const (
	EPSGPoland1992 = 2180
	EPSGWGS84      = 4326
)

// Ellipsoid is a reference ellipsoid.
type Ellipsoid struct {
	A float64 // semi-major axis in metres
	F float64 // flattening
}

// GRS80 is the ellipsoid of ETRS89 based grids.
var GRS80 = Ellipsoid{A: 6378137.0, F: 1 / 298.257222101}

// TransverseMercator describes a transverse Mercator grid.
type TransverseMercator struct {
	Ellipsoid     Ellipsoid
	CentralMerid  float64 // degrees
	Scale         float64
	FalseEasting  float64
	FalseNorthing float64
}

var grids = map[int]TransverseMercator{
	EPSGPoland1992: {
		Ellipsoid:     GRS80,
		CentralMerid:  19,
		Scale:         0.9993,
		FalseEasting:  500000,
		FalseNorthing: -5300000,
	},
}

// Transformer converts grid coordinates of one projected CRS to WGS84
// longitude/latitude and back. It uses the Krüger series to third order,
// which is accurate to well under a millimetre inside the grid's zone.
type Transformer struct {
	epsg  int
	p     TransverseMercator
	n     float64
	a     float64 // rectifying radius
	alpha [3]float64
	beta  [3]float64
	delta [3]float64
}

// NewTransformer returns a transformer for the given source CRS.
// It fails with model.ErrMissingProjectionSupport for unknown codes.
func NewTransformer(epsg int) (*Transformer, error) {
	p, ok := grids[epsg]
	if !ok {
		return nil, fmt.Errorf("EPSG:%d -> EPSG:%d: %w", epsg, EPSGWGS84, model.ErrMissingProjectionSupport)
	}
	f := p.Ellipsoid.F
	n := f / (2 - f)
	n2, n3 := n*n, n*n*n
	return &Transformer{
		epsg: epsg,
		p:    p,
		n:    n,
		a:    p.Ellipsoid.A / (1 + n) * (1 + n2/4 + n2*n2/64),
		alpha: [3]float64{
			n/2 - 2*n2/3 + 5*n3/16,
			13*n2/48 - 3*n3/5,
			61 * n3 / 240,
		},
		beta: [3]float64{
			n/2 - 2*n2/3 + 37*n3/96,
			n2/48 + n3/15,
			17 * n3 / 480,
		},
		delta: [3]float64{
			2*n - 2*n2/3 - 2*n3,
			7*n2/3 - 8*n3/5,
			56 * n3 / 15,
		},
	}, nil
}

// EPSG returns the source CRS code.
func (t *Transformer) EPSG() int {
	return t.epsg
}

// ToGeographic converts easting x and northing y to longitude and latitude
// in degrees.
func (t *Transformer) ToGeographic(x, y float64) (lon, lat float64) {
	k := t.p.Scale * t.a
	xi := (y - t.p.FalseNorthing) / k
	eta := (x - t.p.FalseEasting) / k

	xiP, etaP := xi, eta
	for j := 0; j < 3; j++ {
		m := float64(2 * (j + 1))
		xiP -= t.beta[j] * math.Sin(m*xi) * math.Cosh(m*eta)
		etaP -= t.beta[j] * math.Cos(m*xi) * math.Sinh(m*eta)
	}

	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := 0; j < 3; j++ {
		phi += t.delta[j] * math.Sin(float64(2*(j+1))*chi)
	}
	lambda := math.Atan2(math.Sinh(etaP), math.Cos(xiP))

	return t.p.CentralMerid + degrees(lambda), degrees(phi)
}

// FromGeographic converts longitude and latitude in degrees to grid
// easting x and northing y.
func (t *Transformer) FromGeographic(lon, lat float64) (x, y float64) {
	phi := radians(lat)
	lambda := radians(lon - t.p.CentralMerid)

	c := 2 * math.Sqrt(t.n) / (1 + t.n)
	s := math.Sin(phi)
	tau := math.Sinh(math.Atanh(s) - c*math.Atanh(c*s))
	xiP := math.Atan2(tau, math.Cos(lambda))
	etaP := math.Atanh(math.Sin(lambda) / math.Sqrt(1+tau*tau))

	xi, eta := xiP, etaP
	for j := 0; j < 3; j++ {
		m := float64(2 * (j + 1))
		xi += t.alpha[j] * math.Sin(m*xiP) * math.Cosh(m*etaP)
		eta += t.alpha[j] * math.Cos(m*xiP) * math.Sinh(m*etaP)
	}

	k := t.p.Scale * t.a
	return t.p.FalseEasting + k*eta, t.p.FalseNorthing + k*xi
}

// LegacyGridToGeographic converts an EPSG:2180 easting/northing pair to
// WGS84 longitude/latitude.
func LegacyGridToGeographic(x, y float64) (lon, lat float64, err error) {
	t, err := NewTransformer(EPSGPoland1992)
	if err != nil {
		return 0, 0, err
	}
	lon, lat = t.ToGeographic(x, y)
	return lon, lat, nil
}

// ValidGeographic reports whether lon/lat lie inside the WGS84 domain.
func ValidGeographic(lon, lat float64) bool {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

func radians(d float64) float64 { return d * math.Pi / 180 }

func degrees(r float64) float64 { return r * 180 / math.Pi }
