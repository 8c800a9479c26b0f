// Package responder defines the read-only snapshots of candidates evaluated for dispatch.
package responder

import (
	"fmt"
	"strings"
	"time"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/pkg/e"
)

// Kind names a candidate registry.
type Kind string

const (
	KindAmbulance Kind = "ambulance"
	KindHospital  Kind = "hospital"
	KindVolunteer Kind = "volunteer"
	KindDonor     Kind = "donor"
)

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindAmbulance, KindHospital, KindVolunteer, KindDonor:
		return k, nil
	}
	return "", fmt.Errorf("responder kind %q: %w", raw, e.ErrValidation)
}

type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

type EquipmentClass string

const (
	EquipmentBasic    EquipmentClass = "basic"
	EquipmentAdvanced EquipmentClass = "advanced"
	EquipmentCardiac  EquipmentClass = "cardiac"
)

type Ambulance struct {
	ID         string         `json:"id"`
	CallSign   string         `json:"call_sign"`
	Location   geo.Point      `json:"location"`
	Active     bool           `json:"active"`
	Verified   bool           `json:"verified"`
	Status     Availability   `json:"status"`
	Equipment  EquipmentClass `json:"equipment"`
	HospitalID string         `json:"hospital_id,omitempty"`
	DriverName string         `json:"driver_name,omitempty"`
	Phone      string         `json:"phone,omitempty"`
}

func (a Ambulance) Ident() string       { return a.ID }
func (a Ambulance) Position() geo.Point { return a.Location }

// Dispatchable is the registry-level pre-filter for ambulances.
func (a Ambulance) Dispatchable() bool {
	return a.Status == Available && a.Active && a.Verified
}

type BedCategory string

const (
	BedGeneral   BedCategory = "general"
	BedEmergency BedCategory = "emergency"
	BedICU       BedCategory = "icu"
)

type Beds struct {
	Total     int `json:"total"`
	Available int `json:"available"`
}

type Facilities struct {
	Oxygen      bool `json:"oxygen"`
	Ventilators bool `json:"ventilators"`
}

type Specialist struct {
	Name      string `json:"name,omitempty"`
	Specialty string `json:"specialty"`
	Available bool   `json:"available"`
}

type Hospital struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Location             geo.Point            `json:"location"`
	Active               bool                 `json:"active"`
	Verified             bool                 `json:"verified"`
	AcceptingEmergencies bool                 `json:"accepting_emergencies"`
	Beds                 map[BedCategory]Beds `json:"beds"`
	Facilities           Facilities           `json:"facilities"`
	Specialists          []Specialist         `json:"specialists"`
	Email                string               `json:"email,omitempty"`
}

func (h Hospital) Ident() string       { return h.ID }
func (h Hospital) Position() geo.Point { return h.Location }

// AvailableBeds returns free beds in a category; unknown categories have none.
func (h Hospital) AvailableBeds(c BedCategory) int {
	if h.Beds == nil {
		return 0
	}
	return h.Beds[c].Available
}

// HasSpecialist reports whether a specialist of the given specialty is on duty.
func (h Hospital) HasSpecialist(specialty string) bool {
	for _, s := range h.Specialists {
		if s.Available && strings.EqualFold(s.Specialty, specialty) {
			return true
		}
	}
	return false
}

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

type Certification struct {
	Verified  bool      `json:"verified"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Volunteer struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Location           geo.Point          `json:"location"`
	Active             bool               `json:"active"`
	Status             Availability       `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Certification      Certification      `json:"certification"`
	CompletedMissions  int                `json:"completed_missions"`
	AverageRating      float64            `json:"average_rating"`
	Phone              string             `json:"phone,omitempty"`
}

func (v Volunteer) Ident() string       { return v.ID }
func (v Volunteer) Position() geo.Point { return v.Location }

// Eligible requires a verified volunteer holding a verified, unexpired certification.
func (v Volunteer) Eligible(now time.Time) bool {
	return v.Status == Available &&
		v.Active &&
		v.VerificationStatus == VerificationVerified &&
		v.Certification.Verified &&
		v.Certification.ExpiresAt.After(now)
}

type Donor struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Location           geo.Point    `json:"location"`
	Active             bool         `json:"active"`
	Verified           bool         `json:"verified"`
	Status             Availability `json:"status"`
	BloodType          BloodType    `json:"blood_type"`
	LastDonation       *time.Time   `json:"last_donation,omitempty"`
	HealthEligible     bool         `json:"health_eligible"`
	CompletedDonations int          `json:"completed_donations"`
	Phone              string       `json:"phone,omitempty"`
}

func (d Donor) Ident() string       { return d.ID }
func (d Donor) Position() geo.Point { return d.Location }

// DaysSinceDonation returns whole days since the last donation, or -1 if never donated.
func (d Donor) DaysSinceDonation(now time.Time) int {
	if d.LastDonation == nil {
		return -1
	}
	return int(now.Sub(*d.LastDonation).Hours() / 24)
}
