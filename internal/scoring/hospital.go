package scoring

import (
	"math"

	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
)

const (
	hospitalDistanceNorm = 25.0
	bedSlackCap          = 5
)

// DefaultSpecialty is requested when a report names none.
const DefaultSpecialty = "emergency_medicine"

// RequiredBedCategory picks the bed pool a severity needs.
func RequiredBedCategory(sev triage.Severity) responder.BedCategory {
	if sev == triage.SeverityCritical {
		return responder.BedICU
	}
	return responder.BedEmergency
}

// HospitalScore is a penalty: lower is better.
func HospitalScore(distanceKm, bedScore, facilityScore, specialistScore float64) float64 {
	return 0.4*(distanceKm/hospitalDistanceNorm) +
		0.2*bedScore +
		0.2*(1-facilityScore) +
		0.2*(1-specialistScore)
}

// BedScore rewards slack: five or more free beds scores 0.
func BedScore(available int) float64 {
	return 1 - math.Min(float64(available), bedSlackCap)/bedSlackCap
}

func facilityScore(h responder.Hospital, sev triage.Severity) float64 {
	if sev == triage.SeverityCritical && h.Facilities.Oxygen && h.Facilities.Ventilators {
		return 1.0
	}
	return 0.5
}

func specialistScore(h responder.Hospital, specialty string) float64 {
	if specialty != "" && h.HasSpecialist(specialty) {
		return 1.0
	}
	return 0.5
}

type HospitalQuery struct {
	Origin    geo.Point
	Severity  triage.Severity
	Specialty string
	RadiusKm  float64
	SpeedKmh  float64
}

// RankHospitals orders hospitals able to take the patient by ascending score.
// Hospitals with no free bed in the required category never reach scoring.
func RankHospitals(log zerolog.Logger, q HospitalQuery, pool []responder.Hospital) []Ranked[responder.Hospital] {
	category := RequiredBedCategory(q.Severity)
	eligible := func(h responder.Hospital) bool {
		return h.Active && h.Verified && h.AcceptingEmergencies && h.AvailableBeds(category) > 0
	}
	matches := geo.FindNearest(log, geo.Query{Origin: q.Origin, MaxRadiusKm: q.RadiusKm, SpeedKmh: q.SpeedKmh}, pool, eligible)
	if len(matches) == 0 {
		return nil
	}

	ranked := make([]Ranked[responder.Hospital], 0, len(matches))
	for _, m := range matches {
		h := m.Candidate
		score := HospitalScore(m.DistanceKm, BedScore(h.AvailableBeds(category)), facilityScore(h, q.Severity), specialistScore(h, q.Specialty))
		ranked = append(ranked, Ranked[responder.Hospital]{Match: m, Score: score})
	}
	rankAscending(ranked)
	return ranked
}

// BestHospital returns the minimum-score hospital, if any.
func BestHospital(log zerolog.Logger, q HospitalQuery, pool []responder.Hospital) (Ranked[responder.Hospital], bool) {
	return first(RankHospitals(log, q, pool))
}
