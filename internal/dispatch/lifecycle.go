package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

// UpdateIncidentStatus applies a status reported by a responder or operator. Reaching a
// terminal status closes the incident out like CancelIncident and ResolveIncident do.
func (s *Service) UpdateIncidentStatus(ctx context.Context, id string, status incident.Status, actor incident.Actor) (*incident.Incident, error) {
	return s.mutate(ctx, id, actor, func(inc *incident.Incident) error {
		return inc.UpdateStatus(status, actor, s.now())
	})
}

// CancelIncident closes the incident without resolution.
func (s *Service) CancelIncident(ctx context.Context, id, reason string, actor incident.Actor) (*incident.Incident, error) {
	return s.mutate(ctx, id, actor, func(inc *incident.Incident) error {
		return inc.Cancel(reason, actor, s.now())
	})
}

// ResolveIncident closes the incident with an outcome.
func (s *Service) ResolveIncident(ctx context.Context, id, outcome string, actor incident.Actor) (*incident.Incident, error) {
	return s.mutate(ctx, id, actor, func(inc *incident.Incident) error {
		return inc.Resolve(outcome, actor, s.now())
	})
}

func (s *Service) mutate(ctx context.Context, id string, actor incident.Actor, apply func(*incident.Incident) error) (*incident.Incident, error) {
	if !actor.Valid() {
		return nil, fmt.Errorf("actor %s: %w", actor, e.ErrValidation)
	}
	inc, unlock, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := apply(inc); err != nil {
		return nil, err
	}
	if err := s.store.SaveIncident(ctx, inc); err != nil {
		return nil, err
	}

	log := s.log.With().Str("incident_id", inc.ID).Str("actor", actor.String()).Logger()
	log.Info().Str("status", string(inc.Status)).Str("volunteer_status", string(inc.VolunteerStatus)).Msg("incident updated")

	if inc.Status.Terminal() {
		s.closeOut(ctx, log, inc)
	} else {
		s.broadcastStatus(ctx, inc, inc.Timeline[len(inc.Timeline)-1].Description)
	}
	return inc, nil
}

// closeOut frees everything the incident held once it is terminal.
func (s *Service) closeOut(ctx context.Context, log zerolog.Logger, inc *incident.Incident) {
	for _, slot := range incident.Slots {
		a := inc.Assignments.Get(slot)
		if a == nil || slot == incident.SlotHospital {
			continue
		}
		s.release(ctx, log, slot.Kind(), a.ResponderID)
	}

	withdrawn := s.board.Withdraw(inc.ID, s.now())
	for _, o := range withdrawn {
		offersResolvedTotal.WithLabelValues(string(o.Slot), string(offers.OutcomeWithdrawn)).Inc()
		s.notifyWithdrawn(ctx, o, "The emergency is closed")
	}
	// Nothing can act on a terminal incident, so its offers and lock are dropped.
	s.board.Forget(inc.ID)
	s.locks.Delete(inc.ID)

	msg := notify.Message{
		Type:       notify.TypeIncidentClosed,
		IncidentID: inc.ID,
		Title:      inc.Status.Description(),
		Body:       closingBody(inc),
		Data:       map[string]any{"status": inc.Status},
	}
	s.deliver(ctx, notify.Recipient{Kind: notify.KindIncident, ID: inc.ID}, msg)
	for _, slot := range incident.Slots {
		if a := inc.Assignments.Get(slot); a != nil {
			s.deliver(ctx, notify.Recipient{Kind: string(slot.Kind()), ID: a.ResponderID, Name: a.Name}, msg)
		}
	}

	observeResponseTimes(inc)
	log.Info().Int("offers_withdrawn", len(withdrawn)).Msg("incident closed")
}

func closingBody(inc *incident.Incident) string {
	switch {
	case inc.Status == incident.StatusCancelled && inc.CancelReason != "":
		return "Cancelled: " + inc.CancelReason
	case inc.Status == incident.StatusResolved && inc.Outcome != "":
		return "Resolved: " + inc.Outcome
	}
	return inc.Status.Description()
}

func responderActor(kind responder.Kind, id string) incident.Actor {
	switch kind {
	case responder.KindAmbulance:
		return incident.Actor{Kind: incident.ActorAmbulance, ID: id}
	case responder.KindHospital:
		return incident.Actor{Kind: incident.ActorHospital, ID: id}
	case responder.KindVolunteer:
		return incident.Actor{Kind: incident.ActorVolunteer, ID: id}
	default:
		return incident.Actor{Kind: incident.ActorDonor, ID: id}
	}
}
