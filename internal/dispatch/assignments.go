package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/pkg/e"
)

// Reasons an acceptance did not go through.
const (
	ReasonExpired     = "expired"
	ReasonSlotFilled  = "slot_filled"
	ReasonNotOffered  = "not_offered"
	ReasonUnavailable = "unavailable"
	ReasonDeclined    = "declined"
)

type AcceptResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func rejected(reason string) AcceptResult {
	return AcceptResult{Reason: reason}
}

func offerReason(err error) string {
	switch {
	case errors.Is(err, offers.ErrExpired):
		return ReasonExpired
	case errors.Is(err, offers.ErrSlotFilled), errors.Is(err, offers.ErrWithdrawn):
		return ReasonSlotFilled
	case errors.Is(err, offers.ErrDeclined):
		return ReasonDeclined
	default:
		return ReasonNotOffered
	}
}

// AcceptAssignment answers a slot on behalf of a candidate.
//
// Ambulance and hospital slots are assigned directly at creation, so accepting them is an
// acknowledgement that only the assigned candidate can give. Volunteer and donor slots are
// offered to several candidates and the first valid acceptance wins: the offer is checked,
// the responder reserved, the slot filled iff empty and the incident saved before the
// board records the win. A losing candidate gets Accepted false with a reason; errors are
// reserved for unknown incidents, terminal incidents and storage failures.
func (s *Service) AcceptAssignment(ctx context.Context, incidentID string, slot incident.Slot, candidateID string) (AcceptResult, error) {
	inc, unlock, err := s.loadLocked(ctx, incidentID)
	if err != nil {
		return AcceptResult{}, err
	}
	defer unlock()

	if inc.Status.Terminal() {
		return AcceptResult{}, fmt.Errorf("accept on %s incident %s: %w", inc.Status, inc.ID, e.ErrInvalidState)
	}
	log := s.log.With().Str("incident_id", inc.ID).Str("slot", string(slot)).Str("candidate_id", candidateID).Logger()
	now := s.now()
	actor := responderActor(slot.Kind(), candidateID)

	if !slot.Broadcast() {
		current := inc.Assignments.Get(slot)
		if current == nil || current.ResponderID != candidateID {
			return rejected(ReasonNotOffered), nil
		}
		if current.Acknowledged {
			return AcceptResult{Accepted: true}, nil
		}
		if err := inc.Acknowledge(slot, actor, now); err != nil {
			return AcceptResult{}, err
		}
		if err := s.store.SaveIncident(ctx, inc); err != nil {
			return AcceptResult{}, err
		}
		s.broadcastStatus(ctx, inc, fmt.Sprintf("%s confirmed", slot))
		return AcceptResult{Accepted: true}, nil
	}

	offer, err := s.board.Check(inc.ID, slot, candidateID, now)
	if err != nil {
		reason := offerReason(err)
		offersRejectedTotal.WithLabelValues(string(slot), reason).Inc()
		log.Info().Str("reason", reason).Msg("offer acceptance rejected")
		return rejected(reason), nil
	}
	if inc.Assignments.Get(slot) != nil {
		offersRejectedTotal.WithLabelValues(string(slot), ReasonSlotFilled).Inc()
		return rejected(ReasonSlotFilled), nil
	}

	kind := slot.Kind()
	ok, err := s.registry.Reserve(ctx, kind, candidateID)
	if err != nil {
		return AcceptResult{}, err
	}
	if !ok {
		offersRejectedTotal.WithLabelValues(string(slot), ReasonUnavailable).Inc()
		log.Info().Msg("candidate no longer available")
		return rejected(ReasonUnavailable), nil
	}

	inc, err = s.fillSlot(ctx, inc, slot, incident.Assignment{
		ResponderID:  candidateID,
		DistanceKm:   offer.DistanceKm,
		Acknowledged: true,
	}, offer.ETAMinutes, actor, now)
	if err != nil {
		s.release(ctx, log, kind, candidateID)
		if inc.Status.Terminal() {
			return AcceptResult{}, err
		}
		if errors.Is(err, e.ErrInvalidState) || errors.Is(err, e.ErrConflict) {
			offersRejectedTotal.WithLabelValues(string(slot), ReasonSlotFilled).Inc()
			return rejected(ReasonSlotFilled), nil
		}
		return AcceptResult{}, err
	}

	_, withdrawn, err := s.board.Accept(inc.ID, slot, candidateID, now)
	if err != nil {
		// The incident already carries the assignment; the board only lags behind.
		log.Warn().Err(err).Msg("offer board out of sync with accepted assignment")
	}
	offersResolvedTotal.WithLabelValues(string(slot), string(offers.OutcomeAccepted)).Inc()
	offersResolvedTotal.WithLabelValues(string(slot), string(offers.OutcomeWithdrawn)).Add(float64(len(withdrawn)))

	for _, o := range withdrawn {
		s.notifyWithdrawn(ctx, o, "Another responder accepted this request")
	}
	s.broadcastStatus(ctx, inc, fmt.Sprintf("%s %s accepted", slot, candidateID))
	log.Info().Int("withdrawn", len(withdrawn)).Msg("offer accepted")
	return AcceptResult{Accepted: true}, nil
}

// fillSlot assigns the slot and saves the incident. A version conflict means another
// writer saved first; the slot is retried once on the fresh copy if it is still open.
func (s *Service) fillSlot(ctx context.Context, inc *incident.Incident, slot incident.Slot, a incident.Assignment, eta int, actor incident.Actor, now time.Time) (*incident.Incident, error) {
	if err := inc.Assign(slot, a, eta, actor, now); err != nil {
		return inc, err
	}
	err := s.store.SaveIncident(ctx, inc)
	if !errors.Is(err, e.ErrConflict) {
		return inc, err
	}

	fresh, gerr := s.store.GetIncident(ctx, inc.ID)
	if gerr != nil {
		return inc, errors.Join(err, gerr)
	}
	if err := fresh.Assign(slot, a, eta, actor, now); err != nil {
		return fresh, err
	}
	return fresh, s.store.SaveIncident(ctx, fresh)
}

// DeclineAssignment records a refusal of a pending offer. Direct assignments cannot be
// declined; the responder is released through the registry instead.
func (s *Service) DeclineAssignment(ctx context.Context, incidentID string, slot incident.Slot, candidateID string) (offers.Offer, error) {
	if !slot.Broadcast() {
		return offers.Offer{}, fmt.Errorf("decline %s slot: %w", slot, e.ErrInvalidState)
	}
	inc, unlock, err := s.loadLocked(ctx, incidentID)
	if err != nil {
		return offers.Offer{}, err
	}
	defer unlock()

	if inc.Status.Terminal() {
		return offers.Offer{}, fmt.Errorf("decline on %s incident %s: %w", inc.Status, inc.ID, e.ErrInvalidState)
	}

	o, err := s.board.Decline(inc.ID, slot, candidateID, s.now())
	if err != nil {
		if errors.Is(err, offers.ErrNotOffered) {
			return offers.Offer{}, fmt.Errorf("%s offer for %s: %w", slot, candidateID, e.ErrNotFound)
		}
		return o, fmt.Errorf("decline %s offer: %v: %w", slot, err, e.ErrInvalidState)
	}
	offersResolvedTotal.WithLabelValues(string(slot), string(offers.OutcomeDeclined)).Inc()
	s.log.Info().Str("incident_id", inc.ID).Str("slot", string(slot)).Str("candidate_id", candidateID).Msg("offer declined")
	return o, nil
}

func (s *Service) notifyWithdrawn(ctx context.Context, o offers.Offer, body string) {
	s.deliver(ctx, notify.Recipient{Kind: string(o.RecipientKind), ID: o.RecipientID}, notify.Message{
		Type:       notify.TypeOfferWithdrawn,
		IncidentID: o.IncidentID,
		Title:      "Request no longer needed",
		Body:       body,
		Data:       map[string]any{"offer_id": o.ID, "slot": o.Slot},
	})
}

func (s *Service) broadcastStatus(ctx context.Context, inc *incident.Incident, body string) {
	s.deliver(ctx, notify.Recipient{Kind: notify.KindIncident, ID: inc.ID}, notify.Message{
		Type:       notify.TypeStatusUpdate,
		IncidentID: inc.ID,
		Title:      inc.Status.Description(),
		Body:       body,
		Data: map[string]any{
			"status":           inc.Status,
			"volunteer_status": inc.VolunteerStatus,
			"version":          inc.Version,
		},
	})
}
