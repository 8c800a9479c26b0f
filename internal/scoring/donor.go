package scoring

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
)

const (
	donorDistanceNorm  = 10.0
	donorDonationNorm  = 10.0
	recencyWindowDays  = 180.0
	compatibleNotExact = 0.7
)

// DefaultDeferralDays is the minimum gap between two donations.
const DefaultDeferralDays = 90

var compatibility = map[responder.BloodType][]responder.BloodType{
	responder.ONegative:  {responder.ONegative},
	responder.OPositive:  {responder.ONegative, responder.OPositive},
	responder.ANegative:  {responder.ONegative, responder.ANegative},
	responder.APositive:  {responder.ONegative, responder.OPositive, responder.ANegative, responder.APositive},
	responder.BNegative:  {responder.ONegative, responder.BNegative},
	responder.BPositive:  {responder.ONegative, responder.OPositive, responder.BNegative, responder.BPositive},
	responder.ABNegative: {responder.ONegative, responder.ANegative, responder.BNegative, responder.ABNegative},
	responder.ABPositive: responder.BloodTypes,
}

// CompatibleDonors lists donor types a recipient can receive. Unknown recipients get O- only.
func CompatibleDonors(recipient responder.BloodType) []responder.BloodType {
	if types, ok := compatibility[recipient]; ok {
		out := make([]responder.BloodType, len(types))
		copy(out, types)
		return out
	}
	return []responder.BloodType{responder.ONegative}
}

// CanDonate reports whether blood from donor may be given to recipient.
func CanDonate(donor, recipient responder.BloodType) bool {
	for _, t := range CompatibleDonors(recipient) {
		if t == donor {
			return true
		}
	}
	return false
}

// RecencyScore favours donors who have not given blood recently; never donated scores 1.
func RecencyScore(daysSince int) float64 {
	if daysSince < 0 {
		return 1
	}
	return math.Min(float64(daysSince)/recencyWindowDays, 1)
}

// DonorScore is a reward: higher is better.
func DonorScore(distanceKm float64, exactMatch bool, completedDonations int, recency float64) float64 {
	match := compatibleNotExact
	if exactMatch {
		match = 1.0
	}
	return 0.5*(1-distanceKm/donorDistanceNorm) +
		0.3*match +
		0.1*(float64(completedDonations)/donorDonationNorm) +
		0.1*recency
}

type DonorQuery struct {
	Origin       geo.Point
	Recipient    responder.BloodType
	RadiusKm     float64
	Limit        int
	SpeedKmh     float64
	DeferralDays int
	Now          time.Time
}

// DonorEligible applies the availability, health, deferral and compatibility rules.
func DonorEligible(d responder.Donor, q DonorQuery) bool {
	if d.Status != responder.Available || !d.Active || !d.Verified || !d.HealthEligible {
		return false
	}
	if !CanDonate(d.BloodType, q.Recipient) {
		return false
	}
	if days := d.DaysSinceDonation(q.Now); days >= 0 && days < q.DeferralDays {
		return false
	}
	return true
}

// RankDonors orders compatible donors by descending score and keeps the top Limit.
func RankDonors(log zerolog.Logger, q DonorQuery, pool []responder.Donor) []Ranked[responder.Donor] {
	eligible := func(d responder.Donor) bool { return DonorEligible(d, q) }
	matches := geo.FindNearest(log, geo.Query{Origin: q.Origin, MaxRadiusKm: q.RadiusKm, SpeedKmh: q.SpeedKmh}, pool, eligible)
	if len(matches) == 0 {
		return nil
	}

	ranked := make([]Ranked[responder.Donor], 0, len(matches))
	for _, m := range matches {
		d := m.Candidate
		score := DonorScore(m.DistanceKm, d.BloodType == q.Recipient, d.CompletedDonations, RecencyScore(d.DaysSinceDonation(q.Now)))
		ranked = append(ranked, Ranked[responder.Donor]{Match: m, Score: score})
	}
	rankDescending(ranked)
	return truncate(ranked, q.Limit)
}
