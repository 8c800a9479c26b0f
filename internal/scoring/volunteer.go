package scoring

import (
	"time"

	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
)

const (
	volunteerDistanceNorm = 5.0
	volunteerMissionNorm  = 50.0
	ratingNorm            = 5.0
)

// VolunteerScore is a reward: higher is better.
func VolunteerScore(distanceKm float64, completedMissions int, averageRating float64) float64 {
	return 0.6*(1-distanceKm/volunteerDistanceNorm) +
		0.2*(float64(completedMissions)/volunteerMissionNorm) +
		0.2*(averageRating/ratingNorm)
}

type VolunteerQuery struct {
	Origin   geo.Point
	RadiusKm float64
	Limit    int
	SpeedKmh float64
	Now      time.Time
}

// RankVolunteers takes the nearest eligible volunteers up to Limit and orders them by
// descending score.
func RankVolunteers(log zerolog.Logger, q VolunteerQuery, pool []responder.Volunteer) []Ranked[responder.Volunteer] {
	eligible := func(v responder.Volunteer) bool { return v.Eligible(q.Now) }
	matches := geo.FindNearest(log, geo.Query{Origin: q.Origin, MaxRadiusKm: q.RadiusKm, Limit: q.Limit, SpeedKmh: q.SpeedKmh}, pool, eligible)
	if len(matches) == 0 {
		return nil
	}

	ranked := make([]Ranked[responder.Volunteer], 0, len(matches))
	for _, m := range matches {
		v := m.Candidate
		ranked = append(ranked, Ranked[responder.Volunteer]{Match: m, Score: VolunteerScore(m.DistanceKm, v.CompletedMissions, v.AverageRating)})
	}
	rankDescending(ranked)
	return ranked
}
