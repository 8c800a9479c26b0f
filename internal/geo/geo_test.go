package geo

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type site struct {
	id  string
	pos Point
	ok  bool
}

func (s site) Ident() string   { return s.id }
func (s site) Position() Point { return s.pos }

var origin = Point{Latitude: 12.9716, Longitude: 77.5946}

func TestDistanceKm(t *testing.T) {
	a := Point{Latitude: 0, Longitude: 0}
	b := Point{Latitude: 1, Longitude: 0}

	assert.Equal(t, 111.19, DistanceKm(a, b))
	assert.Equal(t, DistanceKm(a, b), DistanceKm(b, a))
	assert.Equal(t, 0.0, DistanceKm(origin, origin))

	far := Point{Latitude: 28.6139, Longitude: 77.2090}
	assert.Equal(t, DistanceKm(origin, far), DistanceKm(far, origin))
}

func TestDistanceKmRoundsToTwoDecimals(t *testing.T) {
	d := DistanceKm(origin, Point{Latitude: 12.9800, Longitude: 77.6100})
	assert.Equal(t, d, math.Round(d*100)/100)
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		distance float64
		speed    float64
		expected int
	}{
		{3, SpeedVehicle, 5},
		{8, SpeedVehicle, 12},
		{1, SpeedOnFoot, 4},
		{10, SpeedDonor, 20},
		{25, SpeedHospitalTransport, 30},
		{0, SpeedVehicle, 0},
		{5, 0, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ETAMinutes(tt.distance, tt.speed), "d=%v v=%v", tt.distance, tt.speed)
	}
}

func TestPointValid(t *testing.T) {
	assert.True(t, origin.Valid())
	assert.True(t, Point{Latitude: -90, Longitude: 180}.Valid())
	assert.False(t, Point{Latitude: 91, Longitude: 0}.Valid())
	assert.False(t, Point{Latitude: 0, Longitude: -181}.Valid())
	assert.False(t, Point{Latitude: math.NaN(), Longitude: 0}.Valid())
}

func TestFindNearest(t *testing.T) {
	candidates := []site{
		{id: "far", pos: Point{Latitude: 13.1500, Longitude: 77.5946}, ok: true},
		{id: "near", pos: Point{Latitude: 12.9800, Longitude: 77.5946}, ok: true},
		{id: "mid", pos: Point{Latitude: 13.0200, Longitude: 77.5946}, ok: true},
		{id: "ineligible", pos: Point{Latitude: 12.9720, Longitude: 77.5946}, ok: false},
		{id: "broken", pos: Point{Latitude: 120, Longitude: 77.5946}, ok: true},
	}
	eligible := func(s site) bool { return s.ok }

	got := FindNearest(zerolog.Nop(), Query{Origin: origin, MaxRadiusKm: 10, SpeedKmh: SpeedVehicle}, candidates, eligible)

	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Candidate.id)
	assert.Equal(t, "mid", got[1].Candidate.id)
	for _, m := range got {
		assert.LessOrEqual(t, m.DistanceKm, 10.0)
		assert.True(t, m.Candidate.ok)
		assert.Equal(t, ETAMinutes(m.DistanceKm, SpeedVehicle), m.ETAMinutes)
	}
}

func TestFindNearestLimitAndUnbounded(t *testing.T) {
	candidates := []site{
		{id: "a", pos: Point{Latitude: 13.5, Longitude: 77.5946}},
		{id: "b", pos: Point{Latitude: 13.0, Longitude: 77.5946}},
		{id: "c", pos: Point{Latitude: 14.0, Longitude: 77.5946}},
	}

	all := FindNearest(zerolog.Nop(), Query{Origin: origin}, candidates, nil)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{all[0].Candidate.id, all[1].Candidate.id, all[2].Candidate.id})

	limited := FindNearest(zerolog.Nop(), Query{Origin: origin, Limit: 2}, candidates, nil)
	require.Len(t, limited, 2)
	assert.Equal(t, "b", limited[0].Candidate.id)
}

func TestFindNearestEmpty(t *testing.T) {
	got := FindNearest[site](zerolog.Nop(), Query{Origin: origin, MaxRadiusKm: 1}, nil, nil)
	assert.Empty(t, got)

	none := FindNearest(zerolog.Nop(), Query{Origin: origin, MaxRadiusKm: 1},
		[]site{{id: "x", pos: Point{Latitude: 20, Longitude: 77}}}, nil)
	assert.Empty(t, none)
}
