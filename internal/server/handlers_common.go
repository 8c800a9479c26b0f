package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/pkg/e"
)

type APIError struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

const (
	errInvalidPayload    = "invalid payload"
	errInvalidIncidentID = "invalid incident id"
	errInvalidSlot       = "invalid slot"
	errInvalidKind       = "invalid responder kind"
	errInvalidActor      = "invalid actor"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, details interface{}) {
	s.writeJSON(w, status, APIError{Error: message, Details: details})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, e.ErrNotFound):
		s.writeError(w, http.StatusNotFound, message, err.Error())
	case errors.Is(err, e.ErrValidation):
		s.writeError(w, http.StatusBadRequest, message, err.Error())
	case errors.Is(err, e.ErrInvalidState), errors.Is(err, e.ErrConflict):
		s.writeError(w, http.StatusConflict, message, err.Error())
	default:
		s.log.Error().Err(err).Msg(message)
		s.writeError(w, http.StatusInternalServerError, message, err.Error())
	}
}

func (s *Server) decodeAndValidate(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := s.validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) parseUUIDParam(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// actorFor resolves who is acting: an explicit actor in the payload wins, then the token
// subject as a user, then the system.
func actorFor(r *http.Request, req *ActorRequest) (incident.Actor, error) {
	if req != nil {
		return incident.ParseActor(req.Kind, req.ID)
	}
	if claims, ok := GetUserFromContext(r.Context()); ok && claims.Subject != "" {
		return incident.User(claims.Subject), nil
	}
	return incident.System, nil
}
