package incident

import (
	"fmt"
	"strings"

	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusVolunteerDispatched Status = "volunteer_dispatched"
	StatusVolunteerArrived    Status = "volunteer_arrived"
	StatusAmbulanceDispatched Status = "ambulance_dispatched"
	StatusAmbulanceArrived    Status = "ambulance_arrived"
	StatusPatientPickedUp     Status = "patient_picked_up"
	StatusEnRouteHospital     Status = "en_route_hospital"
	StatusReachedHospital     Status = "reached_hospital"
	StatusResolved            Status = "resolved"
	StatusCancelled           Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:             {StatusVolunteerDispatched, StatusAmbulanceDispatched},
	StatusVolunteerDispatched: {StatusVolunteerArrived, StatusAmbulanceDispatched},
	StatusVolunteerArrived:    {StatusAmbulanceDispatched},
	StatusAmbulanceDispatched: {StatusAmbulanceArrived},
	StatusAmbulanceArrived:    {StatusPatientPickedUp},
	StatusPatientPickedUp:     {StatusEnRouteHospital},
	StatusEnRouteHospital:     {StatusReachedHospital},
}

var descriptions = map[Status]string{
	StatusPending:             "Emergency reported, awaiting dispatch",
	StatusVolunteerDispatched: "Volunteer dispatched to the scene",
	StatusVolunteerArrived:    "Volunteer arrived at the scene",
	StatusAmbulanceDispatched: "Ambulance dispatched to the scene",
	StatusAmbulanceArrived:    "Ambulance arrived at the scene",
	StatusPatientPickedUp:     "Patient picked up",
	StatusEnRouteHospital:     "En route to hospital",
	StatusReachedHospital:     "Reached hospital",
	StatusResolved:            "Emergency resolved",
	StatusCancelled:           "Emergency cancelled",
}

func (s Status) Valid() bool {
	_, ok := descriptions[s]
	return ok
}

// Terminal statuses admit no further transitions or assignments.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Description is the canned timeline text for a status.
func (s Status) Description() string {
	return descriptions[s]
}

// CanTransition reports whether the table permits moving from s to next.
// Both terminal statuses are reachable from every non-terminal status.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) volunteerTrack() bool {
	return s == StatusVolunteerDispatched || s == StatusVolunteerArrived
}

func (s Status) ambulanceTrack() bool {
	switch s {
	case StatusAmbulanceDispatched, StatusAmbulanceArrived, StatusPatientPickedUp, StatusEnRouteHospital, StatusReachedHospital:
		return true
	}
	return false
}

func (s Status) arrival() bool {
	return s == StatusVolunteerArrived || s == StatusAmbulanceArrived
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("status %q: %w", raw, e.ErrValidation)
	}
	return s, nil
}

// Slot is one of the four assignable resource roles of an incident.
type Slot string

const (
	SlotAmbulance  Slot = "ambulance"
	SlotHospital   Slot = "hospital"
	SlotVolunteer  Slot = "volunteer"
	SlotBloodDonor Slot = "blood_donor"
)

var Slots = []Slot{SlotAmbulance, SlotHospital, SlotVolunteer, SlotBloodDonor}

// Kind returns the responder registry that fills the slot.
func (s Slot) Kind() responder.Kind {
	switch s {
	case SlotAmbulance:
		return responder.KindAmbulance
	case SlotHospital:
		return responder.KindHospital
	case SlotVolunteer:
		return responder.KindVolunteer
	default:
		return responder.KindDonor
	}
}

// Broadcast slots are offered to several candidates; the rest are assigned directly.
func (s Slot) Broadcast() bool {
	return s == SlotVolunteer || s == SlotBloodDonor
}

func ParseSlot(raw string) (Slot, error) {
	s := Slot(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SlotAmbulance, SlotHospital, SlotVolunteer, SlotBloodDonor:
		return s, nil
	case "donor":
		return SlotBloodDonor, nil
	}
	return "", fmt.Errorf("slot %q: %w", raw, e.ErrValidation)
}
