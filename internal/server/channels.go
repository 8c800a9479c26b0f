package server

import (
	"context"
	"net/http"
	"strings"

	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/responder"
)

// authorizeChannel scopes websocket channels to the caller. Holders of the dispatcher
// realm role see everything. Anyone else only gets their own responder or contact channel
// and the rooms of incidents they reported, serve on or were offered.
func (s *Server) authorizeChannel(ctx context.Context, r *http.Request, channel string) bool {
	claims, ok := GetUserFromContext(r.Context())
	if !ok {
		return s.authMw == nil
	}
	if role := s.authMw.dispatcherRole; role != "" && s.authMw.hasRole(claims, role) {
		return true
	}

	kind, id, found := strings.Cut(channel, ":")
	if !found || id == "" || claims.Subject == "" {
		return false
	}

	switch kind {
	case notify.KindIncident:
		return s.incidentMember(ctx, id, claims.Subject)
	case notify.KindContact:
		return claims.Email != "" && strings.EqualFold(id, claims.Email)
	}
	if _, err := responder.ParseKind(kind); err != nil {
		return false
	}
	return id == claims.Subject
}

func (s *Server) incidentMember(ctx context.Context, incidentID, subject string) bool {
	inc, err := s.dispatch.GetIncident(ctx, incidentID)
	if err != nil {
		s.log.Debug().Err(err).Str("incident_id", incidentID).Msg("channel lookup failed")
		return false
	}
	if inc.ReporterID == subject {
		return true
	}
	for _, slot := range incident.Slots {
		if a := inc.Assignments.Get(slot); a != nil && a.ResponderID == subject {
			return true
		}
	}

	list, err := s.dispatch.Offers(ctx, incidentID)
	if err != nil {
		return false
	}
	for _, o := range list {
		if o.RecipientID == subject {
			return true
		}
	}
	return false
}
