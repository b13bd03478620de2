package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/addrsync/internal/model"
)

func TestLegacyGridToGeographic(t *testing.T) {
	tests := []struct {
		name     string
		x, y     float64
		lon, lat float64
	}{
		{"warsaw", 637382.204, 486757.209, 21.0122, 52.2297},
		{"poznan", 359213.513, 505801.839, 16.93, 52.40},
		{"krakow", 567017.216, 244213.169, 19.9366, 50.0614},
		{"central meridian", 500000, 236968.449, 19.0, 50.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lon, lat, err := LegacyGridToGeographic(tt.x, tt.y)
			require.NoError(t, err)
			assert.InDelta(t, tt.lon, lon, 1e-6)
			assert.InDelta(t, tt.lat, lat, 1e-6)
		})
	}
}

func TestTransformerRoundTrip(t *testing.T) {
	tr, err := NewTransformer(EPSGPoland1992)
	require.NoError(t, err)

	for _, p := range [][2]float64{{14.2, 53.9}, {24.1, 49.1}, {18.6466, 54.352}, {19.0, 52.0}} {
		x, y := tr.FromGeographic(p[0], p[1])
		lon, lat := tr.ToGeographic(x, y)
		assert.InDelta(t, p[0], lon, 1e-7, "lon for %v", p)
		assert.InDelta(t, p[1], lat, 1e-7, "lat for %v", p)
	}
}

func TestNewTransformerUnknownCRS(t *testing.T) {
	_, err := NewTransformer(2177)
	if !errors.Is(err, model.ErrMissingProjectionSupport) {
		t.Fatalf("NewTransformer(2177) error = %v, want ErrMissingProjectionSupport", err)
	}
}

func TestValidGeographic(t *testing.T) {
	assert.True(t, ValidGeographic(16.93, 52.40))
	assert.False(t, ValidGeographic(200, 10))
	assert.False(t, ValidGeographic(10, -91))
	assert.False(t, ValidGeographic(math.NaN(), 0))
}

func TestHaversine(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		delta                  float64
	}{
		{"same point", 52.40, 16.93, 52.40, 16.93, 0, 1e-9},
		{"ten metres north", 52.40, 16.93, 52.40009, 16.93, 10.0075, 1e-3},
		{"one kilometre north", 52.40, 16.93, 52.409, 16.93, 1000.754, 1e-2},
		{"one degree on equator", 0, 0, 0, 1, 111194.927, 1e-2},
		{"warsaw to krakow", 52.2297, 21.0122, 50.0614, 19.9366, 252501.317, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.delta)
		})
	}
}
