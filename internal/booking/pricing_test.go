package booking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm(t *testing.T) {
	a := Location{Latitude: 6.5, Longitude: 3.4}
	b := Location{Latitude: 7.5, Longitude: 3.4}
	assert.InDelta(t, 111.19, DistanceKm(a, b), 0.05)
	assert.InDelta(t, 0, DistanceKm(a, a), 1e-9)
	assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
}

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers("10:500, 5:0,20:1000")
	require.NoError(t, err)
	assert.Equal(t, []Tier{{5, 0}, {10, 500}, {20, 1000}}, tiers)

	for _, bad := range []string{"10", "x:1", "10:-1", "0:100", "10:abc"} {
		_, err := ParseTiers(bad)
		assert.Error(t, err, bad)
	}

	empty, err := ParseTiers("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDistanceCharge(t *testing.T) {
	tiers, err := ParseTiers("5:0,10:500,20:1000,50:2000")
	require.NoError(t, err)
	p := Pricing{Tiers: tiers, ExtraPerKm: 50}

	tests := []struct {
		km   float64
		want int64
	}{
		{0, 0},
		{3, 0},
		{5, 0},
		{5.01, 500},
		{11.12, 1000},
		{50, 2000},
		{60, 2500},
		{60.2, 2550},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.DistanceCharge(tt.km), "km=%v", tt.km)
	}

	assert.Equal(t, int64(0), Pricing{}.DistanceCharge(100))
}
