// Package dispatch runs incident orchestration and the operations responders and
// reporters invoke afterwards. A Service is constructed explicitly from its
// dependencies; there is no package-level state besides metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/config"
	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/tracking"
	"lifeline/dispatch/pkg/e"
)

// Registry is the candidate source. Reserve flips a responder from available to busy and
// reports false when someone else got there first.
type Registry interface {
	Ambulances(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Ambulance, error)
	Hospitals(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Hospital, error)
	Volunteers(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Volunteer, error)
	Donors(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Donor, error)
	Reserve(ctx context.Context, kind responder.Kind, id string) (bool, error)
	Release(ctx context.Context, kind responder.Kind, id string) error
}

// Store persists incidents. SaveIncident fails with e.ErrConflict when the version is stale.
type Store interface {
	CreateIncident(ctx context.Context, inc *incident.Incident) error
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	SaveIncident(ctx context.Context, inc *incident.Incident) error
}

type Deps struct {
	Store    Store
	Registry Registry
	Locator  tracking.Locator
	Notifier notify.Deliverer
	Offers   *offers.Board
	Config   config.DispatchConfig
	Clock    func() time.Time
	Logger   zerolog.Logger
}

type Service struct {
	store    Store
	registry Registry
	locator  tracking.Locator
	notifier notify.Deliverer
	board    *offers.Board
	cfg      config.DispatchConfig
	ttls     offers.TTLs
	now      func() time.Time
	log      zerolog.Logger

	// locks serialises slot mutations per incident; entries go once the incident closes
	locks sync.Map
}

// New validates the dependencies and fills in defaults for the optional ones.
func New(d Deps) (*Service, error) {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Registry == nil {
		errs = append(errs, errors.New("registry is required"))
	}
	if d.Notifier == nil {
		errs = append(errs, errors.New("notifier is required"))
	}
	if err := d.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dispatch service: %w", err)
	}

	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Locator == nil {
		d.Locator = tracking.NewMemory(tracking.DefaultTTL, d.Clock)
	}
	if d.Offers == nil {
		d.Offers = offers.NewBoard(d.Logger)
	}

	return &Service{
		store:    d.Store,
		registry: d.Registry,
		locator:  d.Locator,
		notifier: d.Notifier,
		board:    d.Offers,
		cfg:      d.Config,
		ttls: offers.TTLs{
			Critical: d.Config.OfferTTLCritical,
			High:     d.Config.OfferTTLHigh,
			Medium:   d.Config.OfferTTLMedium,
			Low:      d.Config.OfferTTLLow,
		},
		now: d.Clock,
		log: d.Logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

func (s *Service) lock(incidentID string) func() {
	v, _ := s.locks.LoadOrStore(incidentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// loadLocked locks the incident and reads it. Unknown and closed incidents do not keep
// their lock entry; callers still hold the mutex until they unlock.
func (s *Service) loadLocked(ctx context.Context, incidentID string) (*incident.Incident, func(), error) {
	unlock := s.lock(incidentID)
	inc, err := s.store.GetIncident(ctx, incidentID)
	if err != nil || inc.Status.Terminal() {
		s.locks.Delete(incidentID)
	}
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return inc, unlock, nil
}

func (s *Service) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	return s.store.GetIncident(ctx, id)
}

// TrackingSnapshot returns the reporter-facing view, including the ambulance's last
// known position while it is fresh.
func (s *Service) TrackingSnapshot(ctx context.Context, id string) (incident.Tracking, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return incident.Tracking{}, err
	}
	snap := inc.Snapshot()
	if amb := inc.Assignments.Ambulance; amb != nil && !inc.Status.Terminal() {
		fix, ok, err := s.locator.Location(ctx, responder.KindAmbulance, amb.ResponderID)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("incident_id", id).Msg("ambulance location lookup failed")
		case ok:
			p := fix.Location
			snap.AmbulanceLocation = &p
		}
	}
	return snap, nil
}

// UpdateResponderLocation records a position fix. Hospitals do not move.
func (s *Service) UpdateResponderLocation(ctx context.Context, kind responder.Kind, id string, p geo.Point) error {
	if kind == responder.KindHospital {
		return fmt.Errorf("hospital location updates: %w", e.ErrValidation)
	}
	if !p.Valid() {
		return fmt.Errorf("location %v: %w", p, e.ErrValidation)
	}
	return s.locator.SetLocation(ctx, kind, id, p)
}

// ReleaseResponder makes a responder available again.
func (s *Service) ReleaseResponder(ctx context.Context, kind responder.Kind, id string) error {
	if err := s.registry.Release(ctx, kind, id); err != nil {
		return err
	}
	s.log.Info().Str("kind", string(kind)).Str("responder_id", id).Msg("responder released")
	return nil
}

// Offers lists the offers issued for an incident.
func (s *Service) Offers(ctx context.Context, id string) ([]offers.Offer, error) {
	if _, err := s.store.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	return s.board.List(id, s.now()), nil
}

// deliver is best effort: failures are counted and logged, never returned.
func (s *Service) deliver(ctx context.Context, to notify.Recipient, msg notify.Message) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if err := s.notifier.Deliver(ctx, to, msg); err != nil {
		notificationFailuresTotal.WithLabelValues(to.Kind).Inc()
		s.log.Warn().Err(err).
			Str("incident_id", msg.IncidentID).
			Str("kind", to.Kind).
			Str("recipient_id", to.ID).
			Str("type", string(msg.Type)).
			Msg("notification delivery failed")
	}
}
