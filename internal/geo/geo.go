// Package geo computes straight-line distances and ETAs and filters candidate pools by proximity.
package geo

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
)

const earthRadiusKm = 6371.0

// Average speeds (km/h) per travel profile. Call sites pick the profile matching the resource.
const (
	SpeedVehicle           = 40.0
	SpeedOnFoot            = 15.0
	SpeedDonor             = 30.0
	SpeedHospitalTransport = 50.0
)

// Point is a WGS-84 coordinate in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies inside WGS-84 bounds.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// DistanceKm returns the haversine great-circle distance rounded to two decimals.
func DistanceKm(a, b Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return math.Round(earthRadiusKm*c*100) / 100
}

// ETAMinutes converts a distance into whole minutes at the given speed, rounding up.
func ETAMinutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm / speedKmh * 60))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Locatable is anything with an identity and a position that can be ranked by proximity.
type Locatable interface {
	Ident() string
	Position() Point
}

// Query parameterises FindNearest. Zero MaxRadiusKm or Limit means unbounded.
type Query struct {
	Origin      Point
	MaxRadiusKm float64
	Limit       int
	SpeedKmh    float64
}

// Match is a candidate with its distance and travel estimate from the query origin.
type Match[T Locatable] struct {
	Candidate  T
	DistanceKm float64
	ETAMinutes int
}

// FindNearest filters candidates by eligibility and radius and returns them sorted by distance.
// Candidates without valid coordinates are skipped. An empty result is a normal outcome.
func FindNearest[T Locatable](log zerolog.Logger, q Query, candidates []T, eligible func(T) bool) []Match[T] {
	matches := make([]Match[T], 0, len(candidates))
	for _, c := range candidates {
		if eligible != nil && !eligible(c) {
			log.Debug().Str("candidate_id", c.Ident()).Msg("candidate not eligible")
			continue
		}
		pos := c.Position()
		if !pos.Valid() {
			log.Debug().Str("candidate_id", c.Ident()).Msg("candidate has no valid coordinates")
			continue
		}
		d := DistanceKm(q.Origin, pos)
		if q.MaxRadiusKm > 0 && d > q.MaxRadiusKm {
			continue
		}
		matches = append(matches, Match[T]{
			Candidate:  c,
			DistanceKm: d,
			ETAMinutes: ETAMinutes(d, q.SpeedKmh),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DistanceKm < matches[j].DistanceKm
	})

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches
}
