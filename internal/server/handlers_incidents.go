package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lifeline/dispatch/internal/incident"
)

// handleCreateIncident godoc
// @Title Report emergency
// @Description Classifies the report, reserves the best ambulance, picks a hospital and offers the incident to nearby volunteers and donors.
// @Resource Incidents
// @Accept json
// @Produce json
// @Param body body CreateIncidentRequest true "Emergency report"
// @Success 201 {object} CreateIncidentResponse
// @Failure 400 {object} APIError
// @Failure 500 {object} APIError
// @Route /v1/incidents [post]
func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}
	if req.Type == "bystander" && req.Triage == nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, "triage is required for bystander reports")
		return
	}

	report := req.report()
	if report.ReporterID == "" {
		if claims, ok := GetUserFromContext(r.Context()); ok {
			report.ReporterID = claims.Subject
		}
	}

	res, err := s.dispatch.CreateIncident(r.Context(), report)
	if err != nil {
		s.writeServiceError(w, "failed to create incident", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, newCreateIncidentResponse(res))
}

// handleGetIncident godoc
// @Title Get incident
// @Description Returns the full incident record with assignments, timeline and response times.
// @Resource Incidents
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Route /v1/incidents/{incidentID} [get]
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	inc, err := s.dispatch.GetIncident(r.Context(), incidentID)
	if err != nil {
		s.writeServiceError(w, "failed to fetch incident", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newIncidentResponse(inc))
}

// handleGetTracking godoc
// @Title Track incident
// @Description Returns the live view shown to the reporter, including the last known ambulance position.
// @Resource Incidents
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Success 200 {object} incident.Tracking
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Route /v1/incidents/{incidentID}/tracking [get]
func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	snapshot, err := s.dispatch.TrackingSnapshot(r.Context(), incidentID)
	if err != nil {
		s.writeServiceError(w, "failed to fetch tracking", err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleListOffers godoc
// @Title List offers
// @Description Returns every volunteer and donor offer issued for the incident with its current outcome.
// @Resource Incidents
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Success 200 {object} OffersResponse
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Route /v1/incidents/{incidentID}/offers [get]
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	list, err := s.dispatch.Offers(r.Context(), incidentID)
	if err != nil {
		s.writeServiceError(w, "failed to list offers", err)
		return
	}
	s.writeJSON(w, http.StatusOK, OffersResponse{IncidentID: incidentID, Offers: nonNil(list)})
}

// handleUpdateIncidentStatus godoc
// @Title Update incident status
// @Description Moves the incident along its lifecycle. Terminal statuses close the incident and release responders.
// @Resource Incidents
// @Accept json
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Param body body UpdateStatusRequest true "Next status"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/incidents/{incidentID}/status [patch]
func (s *Server) handleUpdateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	var req UpdateStatusRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}
	status, err := incident.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}
	actor, err := actorFor(r, req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidActor, err.Error())
		return
	}

	inc, err := s.dispatch.UpdateIncidentStatus(r.Context(), incidentID, status, actor)
	if err != nil {
		s.writeServiceError(w, "failed to update incident status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newIncidentResponse(inc))
}

// handleAcceptAssignment godoc
// @Title Accept assignment
// @Description Volunteers and donors accept an open offer; the first valid acceptance wins the slot. Ambulance and hospital acknowledge their direct assignment.
// @Resource Assignments
// @Accept json
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Param slot path string true "ambulance, hospital, volunteer or blood_donor"
// @Param body body CandidateRequest true "Responding candidate"
// @Success 200 {object} dispatch.AcceptResult
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/incidents/{incidentID}/assignments/{slot}/accept [post]
func (s *Server) handleAcceptAssignment(w http.ResponseWriter, r *http.Request) {
	incidentID, slot, req, ok := s.assignmentInput(w, r)
	if !ok {
		return
	}

	res, err := s.dispatch.AcceptAssignment(r.Context(), incidentID, slot, req.CandidateID)
	if err != nil {
		s.writeServiceError(w, "failed to accept assignment", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleDeclineAssignment godoc
// @Title Decline assignment
// @Description Records that a volunteer or donor will not respond to the offer.
// @Resource Assignments
// @Accept json
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Param slot path string true "volunteer or blood_donor"
// @Param body body CandidateRequest true "Responding candidate"
// @Success 200 {object} offers.Offer
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/incidents/{incidentID}/assignments/{slot}/decline [post]
func (s *Server) handleDeclineAssignment(w http.ResponseWriter, r *http.Request) {
	incidentID, slot, req, ok := s.assignmentInput(w, r)
	if !ok {
		return
	}

	offer, err := s.dispatch.DeclineAssignment(r.Context(), incidentID, slot, req.CandidateID)
	if err != nil {
		s.writeServiceError(w, "failed to decline assignment", err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) assignmentInput(w http.ResponseWriter, r *http.Request) (string, incident.Slot, CandidateRequest, bool) {
	var req CandidateRequest
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return "", "", req, false
	}
	slot, err := incident.ParseSlot(chi.URLParam(r, "slot"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidSlot, err.Error())
		return "", "", req, false
	}
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return "", "", req, false
	}
	return incidentID, slot, req, true
}

// handleCancelIncident godoc
// @Title Cancel incident
// @Description Cancels an open incident, releases its responders and withdraws outstanding offers.
// @Resource Incidents
// @Accept json
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Param body body CancelRequest true "Cancellation"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/incidents/{incidentID}/cancel [post]
func (s *Server) handleCancelIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	var req CancelRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}
	actor, err := actorFor(r, req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidActor, err.Error())
		return
	}

	inc, err := s.dispatch.CancelIncident(r.Context(), incidentID, req.Reason, actor)
	if err != nil {
		s.writeServiceError(w, "failed to cancel incident", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newIncidentResponse(inc))
}

// handleResolveIncident godoc
// @Title Resolve incident
// @Description Closes the incident with an outcome and records the total response time.
// @Resource Incidents
// @Accept json
// @Produce json
// @Param incidentID path string true "Incident ID"
// @Param body body ResolveRequest true "Outcome"
// @Success 200 {object} IncidentResponse
// @Failure 400 {object} APIError
// @Failure 404 {object} APIError
// @Failure 409 {object} APIError
// @Route /v1/incidents/{incidentID}/resolve [post]
func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := s.parseUUIDParam(r, "incidentID")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidIncidentID, err.Error())
		return
	}

	var req ResolveRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidPayload, err.Error())
		return
	}
	actor, err := actorFor(r, req.Actor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidActor, err.Error())
		return
	}

	inc, err := s.dispatch.ResolveIncident(r.Context(), incidentID, req.Outcome, actor)
	if err != nil {
		s.writeServiceError(w, "failed to resolve incident", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newIncidentResponse(inc))
}
