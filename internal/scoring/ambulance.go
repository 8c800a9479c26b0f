package scoring

import (
	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
)

const (
	ambulanceDistanceNorm = 20.0
	ambulanceETANorm      = 30.0
	defaultEquipmentMatch = 0.5
)

var equipmentMatrix = map[triage.Severity]map[responder.EquipmentClass]float64{
	triage.SeverityCritical: {
		responder.EquipmentCardiac:  1.0,
		responder.EquipmentAdvanced: 0.8,
		responder.EquipmentBasic:    0.3,
	},
	triage.SeverityHigh: {
		responder.EquipmentAdvanced: 1.0,
		responder.EquipmentCardiac:  0.8,
		responder.EquipmentBasic:    0.6,
	},
	triage.SeverityMedium: {
		responder.EquipmentBasic:    1.0,
		responder.EquipmentAdvanced: 0.8,
		responder.EquipmentCardiac:  0.7,
	},
	triage.SeverityLow: {
		responder.EquipmentBasic:    1.0,
		responder.EquipmentAdvanced: 0.8,
		responder.EquipmentCardiac:  0.7,
	},
}

// EquipmentMatch rates how well an equipment class fits a severity, in [0,1].
func EquipmentMatch(class responder.EquipmentClass, sev triage.Severity) float64 {
	if row, ok := equipmentMatrix[sev]; ok {
		if v, ok := row[class]; ok {
			return v
		}
	}
	return defaultEquipmentMatch
}

// AmbulanceScore is a penalty: lower is better.
func AmbulanceScore(distanceKm float64, etaMinutes int, equipmentMatch float64) float64 {
	return 0.4*(distanceKm/ambulanceDistanceNorm) +
		0.4*(float64(etaMinutes)/ambulanceETANorm) +
		0.2*(1-equipmentMatch)
}

type AmbulanceQuery struct {
	Origin   geo.Point
	Severity triage.Severity
	// Classes restricts the pool; empty accepts every class.
	Classes  []responder.EquipmentClass
	RadiusKm float64
	SpeedKmh float64
}

// RankAmbulances orders dispatchable ambulances by ascending score.
func RankAmbulances(log zerolog.Logger, q AmbulanceQuery, pool []responder.Ambulance) []Ranked[responder.Ambulance] {
	eligible := func(a responder.Ambulance) bool {
		return a.Dispatchable() && classAllowed(a.Equipment, q.Classes)
	}
	matches := geo.FindNearest(log, geo.Query{Origin: q.Origin, MaxRadiusKm: q.RadiusKm, SpeedKmh: q.SpeedKmh}, pool, eligible)
	if len(matches) == 0 {
		return nil
	}

	ranked := make([]Ranked[responder.Ambulance], 0, len(matches))
	for _, m := range matches {
		score := AmbulanceScore(m.DistanceKm, m.ETAMinutes, EquipmentMatch(m.Candidate.Equipment, q.Severity))
		ranked = append(ranked, Ranked[responder.Ambulance]{Match: m, Score: score})
	}
	rankAscending(ranked)
	return ranked
}

// BestAmbulance returns the minimum-score ambulance, if any.
func BestAmbulance(log zerolog.Logger, q AmbulanceQuery, pool []responder.Ambulance) (Ranked[responder.Ambulance], bool) {
	return first(RankAmbulances(log, q, pool))
}

func classAllowed(c responder.EquipmentClass, allowed []responder.EquipmentClass) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}
