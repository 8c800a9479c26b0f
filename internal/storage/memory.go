package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

// Memory satisfies the same contract as Postgres. Values are copied on the way in and out.
type Memory struct {
	mu         sync.RWMutex
	ambulances map[string]responder.Ambulance
	hospitals  map[string]responder.Hospital
	volunteers map[string]responder.Volunteer
	donors     map[string]responder.Donor
	incidents  map[string]*incident.Incident
}

func NewMemory() *Memory {
	return &Memory{
		ambulances: make(map[string]responder.Ambulance),
		hospitals:  make(map[string]responder.Hospital),
		volunteers: make(map[string]responder.Volunteer),
		donors:     make(map[string]responder.Donor),
		incidents:  make(map[string]*incident.Incident),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) PutAmbulance(a responder.Ambulance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambulances[a.ID] = a
}

func (m *Memory) PutHospital(h responder.Hospital) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hospitals[h.ID] = cloneHospital(h)
}

func (m *Memory) PutVolunteer(v responder.Volunteer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volunteers[v.ID] = v
}

func (m *Memory) PutDonor(d responder.Donor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[d.ID] = cloneDonor(d)
}

// Status returns the availability of a responder; hospitals always report available.
func (m *Memory) Status(kind responder.Kind, id string) (responder.Availability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch kind {
	case responder.KindAmbulance:
		if a, ok := m.ambulances[id]; ok {
			return a.Status, nil
		}
	case responder.KindVolunteer:
		if v, ok := m.volunteers[id]; ok {
			return v.Status, nil
		}
	case responder.KindDonor:
		if d, ok := m.donors[id]; ok {
			return d.Status, nil
		}
	case responder.KindHospital:
		if _, ok := m.hospitals[id]; ok {
			return responder.Available, nil
		}
	}
	return "", fmt.Errorf("%s %s: %w", kind, id, e.ErrNotFound)
}

func (m *Memory) Ambulances(_ context.Context, origin geo.Point, radiusKm float64) ([]responder.Ambulance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]responder.Ambulance, 0, len(m.ambulances))
	for _, a := range m.ambulances {
		if within(origin, a.Location, radiusKm) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Hospitals(_ context.Context, origin geo.Point, radiusKm float64) ([]responder.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]responder.Hospital, 0, len(m.hospitals))
	for _, h := range m.hospitals {
		if within(origin, h.Location, radiusKm) {
			out = append(out, cloneHospital(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Volunteers(_ context.Context, origin geo.Point, radiusKm float64) ([]responder.Volunteer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]responder.Volunteer, 0, len(m.volunteers))
	for _, v := range m.volunteers {
		if within(origin, v.Location, radiusKm) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Donors(_ context.Context, origin geo.Point, radiusKm float64) ([]responder.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]responder.Donor, 0, len(m.donors))
	for _, d := range m.donors {
		if within(origin, d.Location, radiusKm) {
			out = append(out, cloneDonor(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Reserve(_ context.Context, kind responder.Kind, id string) (bool, error) {
	return m.flip(kind, id, responder.Available, responder.Busy)
}

func (m *Memory) Release(_ context.Context, kind responder.Kind, id string) error {
	_, err := m.flip(kind, id, responder.Busy, responder.Available)
	return err
}

// flip is the conditional status update: it only applies when the current status is from.
func (m *Memory) flip(kind responder.Kind, id string, from, to responder.Availability) (bool, error) {
	if _, ok, err := reservable(kind); err != nil || !ok {
		return err == nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case responder.KindAmbulance:
		a, ok := m.ambulances[id]
		if !ok || a.Status != from {
			return false, nil
		}
		a.Status = to
		m.ambulances[id] = a
	case responder.KindVolunteer:
		v, ok := m.volunteers[id]
		if !ok || v.Status != from {
			return false, nil
		}
		v.Status = to
		m.volunteers[id] = v
	case responder.KindDonor:
		d, ok := m.donors[id]
		if !ok || d.Status != from {
			return false, nil
		}
		d.Status = to
		m.donors[id] = d
	}
	return true, nil
}

func (m *Memory) CreateIncident(_ context.Context, inc *incident.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.incidents[inc.ID]; exists {
		return fmt.Errorf("incident %s: %w", inc.ID, e.ErrConflict)
	}
	inc.Version = 1
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, e.ErrNotFound)
	}
	return inc.Clone(), nil
}

func (m *Memory) SaveIncident(_ context.Context, inc *incident.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.incidents[inc.ID]
	if !ok {
		return fmt.Errorf("incident %s: %w", inc.ID, e.ErrNotFound)
	}
	if current.Version != inc.Version {
		return fmt.Errorf("incident %s version %d is stale: %w", inc.ID, inc.Version, e.ErrConflict)
	}
	inc.Version++
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

func within(origin, p geo.Point, radiusKm float64) bool {
	return radiusKm <= 0 || geo.DistanceKm(origin, p) <= radiusKm
}

func cloneHospital(h responder.Hospital) responder.Hospital {
	if h.Beds != nil {
		beds := make(map[responder.BedCategory]responder.Beds, len(h.Beds))
		for k, v := range h.Beds {
			beds[k] = v
		}
		h.Beds = beds
	}
	h.Specialists = append([]responder.Specialist(nil), h.Specialists...)
	return h
}

func cloneDonor(d responder.Donor) responder.Donor {
	if d.LastDonation != nil {
		t := *d.LastDonation
		d.LastDonation = &t
	}
	return d
}
