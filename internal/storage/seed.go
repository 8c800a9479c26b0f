package storage

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lifeline/dispatch/internal/responder"
)

// Seed is a registry snapshot loaded into Memory at startup.
type Seed struct {
	Ambulances []responder.Ambulance `json:"ambulances"`
	Hospitals  []responder.Hospital  `json:"hospitals"`
	Volunteers []responder.Volunteer `json:"volunteers"`
	Donors     []responder.Donor     `json:"donors"`
}

func (s Seed) Len() int {
	return len(s.Ambulances) + len(s.Hospitals) + len(s.Volunteers) + len(s.Donors)
}

// LoadSeed reads a YAML (or JSON) seed file. Keys follow the JSON field names of the
// responder types, so the document is decoded generically and re-encoded as JSON.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Seed{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Seed{}, fmt.Errorf("convert seed file %s: %w", path, err)
	}
	var seed Seed
	if err := json.Unmarshal(asJSON, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return seed, nil
}

// Seed replaces or adds every responder of the snapshot.
func (m *Memory) Seed(s Seed) {
	for _, a := range s.Ambulances {
		m.PutAmbulance(a)
	}
	for _, h := range s.Hospitals {
		m.PutHospital(h)
	}
	for _, v := range s.Volunteers {
		m.PutVolunteer(v)
	}
	for _, d := range s.Donors {
		m.PutDonor(d)
	}
}
