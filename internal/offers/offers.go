// Package offers tracks time-boxed accept/decline offers sent to broadcast candidates.
// State is ephemeral and process-local; expiry is evaluated lazily against the caller's clock.
package offers

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDeclined  Outcome = "declined"
	OutcomeExpired   Outcome = "expired"
	OutcomeWithdrawn Outcome = "withdrawn"
)

var (
	ErrNotOffered = errors.New("offer not found")
	ErrExpired    = errors.New("offer expired")
	ErrSlotFilled = errors.New("slot already accepted")
	ErrDeclined   = errors.New("offer already declined")
	ErrWithdrawn  = errors.New("offer withdrawn")
)

type Offer struct {
	ID            string         `json:"id"`
	IncidentID    string         `json:"incident_id"`
	Slot          incident.Slot  `json:"slot"`
	RecipientID   string         `json:"recipient_id"`
	RecipientKind responder.Kind `json:"recipient_kind"`
	ETAMinutes    int            `json:"eta_minutes"`
	DistanceKm    float64        `json:"distance_km"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Outcome       Outcome        `json:"outcome"`
	RespondedAt   *time.Time     `json:"responded_at,omitempty"`
}

// Candidate is a recipient to issue an offer to.
type Candidate struct {
	ID         string
	Kind       responder.Kind
	ETAMinutes int
	DistanceKm float64
}

// TTLs are offer lifetimes per severity.
type TTLs struct {
	Critical time.Duration
	High     time.Duration
	Medium   time.Duration
	Low      time.Duration
}

var DefaultTTLs = TTLs{
	Critical: 3 * time.Minute,
	High:     5 * time.Minute,
	Medium:   8 * time.Minute,
	Low:      10 * time.Minute,
}

func (t TTLs) For(sev triage.Severity) time.Duration {
	switch sev {
	case triage.SeverityCritical:
		return t.Critical
	case triage.SeverityHigh:
		return t.High
	case triage.SeverityMedium:
		return t.Medium
	default:
		return t.Low
	}
}

type Board struct {
	mu     sync.Mutex
	offers map[string][]*Offer
	log    zerolog.Logger
}

func NewBoard(log zerolog.Logger) *Board {
	return &Board{
		offers: make(map[string][]*Offer),
		log:    log.With().Str("component", "offers").Logger(),
	}
}

// Issue creates one pending offer per (incident, slot, candidate). Candidates that already
// hold an offer for the slot are skipped. Returns the newly issued offers.
func (b *Board) Issue(incidentID string, slot incident.Slot, candidates []Candidate, ttl time.Duration, at time.Time) []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	issued := make([]Offer, 0, len(candidates))
	for _, c := range candidates {
		if b.find(incidentID, slot, c.ID) != nil {
			continue
		}
		o := &Offer{
			ID:            uuid.NewString(),
			IncidentID:    incidentID,
			Slot:          slot,
			RecipientID:   c.ID,
			RecipientKind: c.Kind,
			ETAMinutes:    c.ETAMinutes,
			DistanceKm:    c.DistanceKm,
			IssuedAt:      at,
			ExpiresAt:     at.Add(ttl),
			Outcome:       OutcomePending,
		}
		b.offers[incidentID] = append(b.offers[incidentID], o)
		issued = append(issued, *o)
	}
	b.log.Debug().Str("incident_id", incidentID).Str("slot", string(slot)).Int("issued", len(issued)).Msg("offers issued")
	return issued
}

// Check reports whether the candidate's offer can be accepted at the given time.
func (b *Board) Check(incidentID string, slot incident.Slot, candidateID string, at time.Time) (Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.acceptable(incidentID, slot, candidateID, at)
	if o == nil {
		return Offer{}, err
	}
	return *o, err
}

// Accept is a compare-and-set: it succeeds for at most one offer per (incident, slot).
// The other pending offers of that slot are withdrawn and returned.
func (b *Board) Accept(incidentID string, slot incident.Slot, candidateID string, at time.Time) (Offer, []Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.acceptable(incidentID, slot, candidateID, at)
	if err != nil {
		if o == nil {
			return Offer{}, nil, err
		}
		return *o, nil, err
	}

	o.Outcome = OutcomeAccepted
	o.RespondedAt = timePtr(at)

	var withdrawn []Offer
	for _, other := range b.offers[incidentID] {
		if other.Slot != slot || other == o || other.Outcome != OutcomePending {
			continue
		}
		other.Outcome = OutcomeWithdrawn
		other.RespondedAt = timePtr(at)
		withdrawn = append(withdrawn, *other)
	}
	return *o, withdrawn, nil
}

// Decline records a refusal. Only pending, unexpired offers can be declined.
func (b *Board) Decline(incidentID string, slot incident.Slot, candidateID string, at time.Time) (Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.find(incidentID, slot, candidateID)
	if o == nil {
		return Offer{}, ErrNotOffered
	}
	b.expire(o, at)
	if err := outcomeErr(o.Outcome); err != nil {
		return *o, err
	}
	o.Outcome = OutcomeDeclined
	o.RespondedAt = timePtr(at)
	return *o, nil
}

// Withdraw closes every pending offer of an incident and returns them.
func (b *Board) Withdraw(incidentID string, at time.Time) []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	var withdrawn []Offer
	for _, o := range b.offers[incidentID] {
		b.expire(o, at)
		if o.Outcome != OutcomePending {
			continue
		}
		o.Outcome = OutcomeWithdrawn
		o.RespondedAt = timePtr(at)
		withdrawn = append(withdrawn, *o)
	}
	return withdrawn
}

// List returns copies of an incident's offers in issue order.
func (b *Board) List(incidentID string, at time.Time) []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Offer, 0, len(b.offers[incidentID]))
	for _, o := range b.offers[incidentID] {
		b.expire(o, at)
		out = append(out, *o)
	}
	return out
}

// Forget drops all offers of an incident.
func (b *Board) Forget(incidentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offers, incidentID)
}

func (b *Board) acceptable(incidentID string, slot incident.Slot, candidateID string, at time.Time) (*Offer, error) {
	o := b.find(incidentID, slot, candidateID)
	if o == nil {
		return nil, ErrNotOffered
	}
	b.expire(o, at)
	if err := outcomeErr(o.Outcome); err != nil {
		return o, err
	}
	for _, other := range b.offers[incidentID] {
		if other.Slot == slot && other.Outcome == OutcomeAccepted {
			return o, ErrSlotFilled
		}
	}
	return o, nil
}

func (b *Board) find(incidentID string, slot incident.Slot, candidateID string) *Offer {
	for _, o := range b.offers[incidentID] {
		if o.Slot == slot && o.RecipientID == candidateID {
			return o
		}
	}
	return nil
}

func (b *Board) expire(o *Offer, at time.Time) {
	if o.Outcome == OutcomePending && !at.Before(o.ExpiresAt) {
		o.Outcome = OutcomeExpired
	}
}

func outcomeErr(o Outcome) error {
	switch o {
	case OutcomePending:
		return nil
	case OutcomeExpired:
		return ErrExpired
	case OutcomeDeclined:
		return ErrDeclined
	case OutcomeAccepted:
		return ErrSlotFilled
	default:
		return ErrWithdrawn
	}
}

func timePtr(t time.Time) *time.Time { return &t }
