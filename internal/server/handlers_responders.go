package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
)

func (s *Server) responderParams(w http.ResponseWriter, r *http.Request) (responder.Kind, string, bool) {
	kind, err := responder.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidKind, err.Error())
		return "", "", false
	}
	id := strings.TrimSpace(chi.URLParam(r, "responderID"))
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "invalid responder id", nil)
		return "", "", false
	}
	return kind, id, true
}

// handleUpdateResponderLocation godoc
// @Title Update responder location
// @Description Stores the latest GPS fix of an ambulance, volunteer or donor for live tracking.
// @Resource Responders
// @Accept json
// @Param kind path string true "ambulance, volunteer or donor"
// @Param responderID path string true "Responder ID"
// @Param body body UpdateLocationRequest true "Position"
// @Success 204
// @Failure 400 {object} APIError
// @Failure 500 {object} APIError
// @Route /v1/responders/{kind}/{responderID}/location [patch]
func (s *Server) handleUpdateResponderLocation(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := s.responderParams(w, r)
	if !ok {
		return
	}

	var req UpdateLocationRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		locationUpdatesTotal.WithLabelValues(string(kind), "rejected").Inc()
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}

	p := geo.Point{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := s.dispatch.UpdateResponderLocation(r.Context(), kind, id, p); err != nil {
		locationUpdatesTotal.WithLabelValues(string(kind), "rejected").Inc()
		s.writeServiceError(w, "failed to update location", err)
		return
	}
	locationUpdatesTotal.WithLabelValues(string(kind), "stored").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleReleaseResponder godoc
// @Title Release responder
// @Description Marks a responder available again after their mission.
// @Resource Responders
// @Param kind path string true "ambulance, volunteer or donor"
// @Param responderID path string true "Responder ID"
// @Success 204
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Route /v1/responders/{kind}/{responderID}/release [post]
func (s *Server) handleReleaseResponder(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := s.responderParams(w, r)
	if !ok {
		return
	}

	if err := s.dispatch.ReleaseResponder(r.Context(), kind, id); err != nil {
		s.writeServiceError(w, "failed to release responder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
