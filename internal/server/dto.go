package server

import (
	"time"

	"lifeline/dispatch/internal/dispatch"
	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
)

type GeoPoint struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

func (g GeoPoint) point() geo.Point {
	return geo.Point{Latitude: *g.Latitude, Longitude: *g.Longitude}
}

type PatientRequest struct {
	Name       string   `json:"name" validate:"omitempty,max=200"`
	Age        int      `json:"age" validate:"gte=0,lte=150"`
	BloodType  string   `json:"blood_type" validate:"omitempty,blood_type"`
	Conditions []string `json:"conditions" validate:"omitempty,dive,max=200"`
}

// TriageRequest mirrors the three bystander questions; each must be answered.
type TriageRequest struct {
	Conscious     *bool `json:"conscious" validate:"required"`
	Breathing     *bool `json:"breathing" validate:"required"`
	HeavyBleeding *bool `json:"heavy_bleeding" validate:"required"`
}

type ContactRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Relation string `json:"relation" validate:"omitempty,max=100"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
}

type CreateIncidentRequest struct {
	Type             string           `json:"type" validate:"required,oneof=self bystander"`
	ReporterID       string           `json:"reporter_id" validate:"omitempty,max=128"`
	Patient          *PatientRequest  `json:"patient"`
	Location         *GeoPoint        `json:"location" validate:"required"`
	Address          string           `json:"address" validate:"omitempty,max=500"`
	Description      string           `json:"description" validate:"omitempty,max=2000"`
	Triage           *TriageRequest   `json:"triage"`
	Contacts         []ContactRequest `json:"contacts" validate:"omitempty,dive"`
	RequestVolunteer bool             `json:"request_volunteer"`
	RequestBlood     bool             `json:"request_blood"`
	Specialty        string           `json:"specialty" validate:"omitempty,max=100"`
}

func (req CreateIncidentRequest) report() dispatch.Report {
	r := dispatch.Report{
		Type:             triage.ReportType(req.Type),
		ReporterID:       req.ReporterID,
		Location:         req.Location.point(),
		Address:          req.Address,
		Description:      req.Description,
		RequestVolunteer: req.RequestVolunteer,
		RequestBlood:     req.RequestBlood,
		Specialty:        req.Specialty,
	}
	if p := req.Patient; p != nil {
		r.Patient = &incident.Patient{
			Name:       p.Name,
			Age:        p.Age,
			BloodType:  responder.BloodType(p.BloodType),
			Conditions: p.Conditions,
		}
	}
	if t := req.Triage; t != nil {
		r.Triage = &triage.Observations{
			Conscious:     *t.Conscious,
			Breathing:     *t.Breathing,
			HeavyBleeding: *t.HeavyBleeding,
		}
	}
	for _, c := range req.Contacts {
		r.Contacts = append(r.Contacts, incident.Contact{
			Name:     c.Name,
			Relation: c.Relation,
			Email:    c.Email,
			Phone:    c.Phone,
		})
	}
	return r
}

// ActorRequest names who performed an action when it is not the authenticated user.
type ActorRequest struct {
	Kind string `json:"kind" validate:"required,oneof=system user ambulance hospital volunteer donor"`
	ID   string `json:"id" validate:"omitempty,max=128"`
}

type UpdateStatusRequest struct {
	Status string        `json:"status" validate:"required"`
	Actor  *ActorRequest `json:"actor"`
}

type CandidateRequest struct {
	CandidateID string `json:"candidate_id" validate:"required,max=128"`
}

type CancelRequest struct {
	Reason string        `json:"reason" validate:"required,max=500"`
	Actor  *ActorRequest `json:"actor"`
}

type ResolveRequest struct {
	Outcome string        `json:"outcome" validate:"required,max=500"`
	Actor   *ActorRequest `json:"actor"`
}

type UpdateLocationRequest struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Env    string            `json:"env"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ResponseTimesResponse reports the measured phases in seconds.
type ResponseTimesResponse struct {
	DispatchSeconds *float64 `json:"dispatch_seconds,omitempty"`
	ArrivalSeconds  *float64 `json:"arrival_seconds,omitempty"`
	TotalSeconds    *float64 `json:"total_seconds,omitempty"`
}

type IncidentResponse struct {
	*incident.Incident
	ResponseTimes ResponseTimesResponse `json:"response_times"`
}

func newIncidentResponse(inc *incident.Incident) IncidentResponse {
	return IncidentResponse{
		Incident: inc,
		ResponseTimes: ResponseTimesResponse{
			DispatchSeconds: seconds(inc.ResponseTimes.Dispatch),
			ArrivalSeconds:  seconds(inc.ResponseTimes.Arrival),
			TotalSeconds:    seconds(inc.ResponseTimes.Total),
		},
	}
}

func seconds(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	v := d.Seconds()
	return &v
}

// MatchResponse is a chosen ambulance or hospital with its ranking inputs.
type MatchResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Location   geo.Point `json:"location"`
	DistanceKm float64   `json:"distance_km"`
	ETAMinutes int       `json:"eta_minutes"`
	Score      float64   `json:"score"`
}

type CreateIncidentResponse struct {
	Incident   IncidentResponse  `json:"incident"`
	Plan       triage.ActionPlan `json:"action_plan"`
	Ambulance  *MatchResponse    `json:"ambulance"`
	Hospital   *MatchResponse    `json:"hospital"`
	Volunteers []offers.Offer    `json:"volunteer_offers"`
	Donors     []offers.Offer    `json:"donor_offers"`
	Unmatched  []responder.Kind  `json:"unmatched"`
}

func newCreateIncidentResponse(res *dispatch.Result) CreateIncidentResponse {
	out := CreateIncidentResponse{
		Incident:   newIncidentResponse(res.Incident),
		Plan:       res.Plan,
		Volunteers: nonNil(res.Volunteers),
		Donors:     nonNil(res.Donors),
		Unmatched:  nonNil(res.Unmatched),
	}
	if a := res.Ambulance; a != nil {
		out.Ambulance = &MatchResponse{
			ID:         a.Candidate.ID,
			Name:       a.Candidate.CallSign,
			Location:   a.Candidate.Location,
			DistanceKm: a.DistanceKm,
			ETAMinutes: a.ETAMinutes,
			Score:      a.Score,
		}
	}
	if h := res.Hospital; h != nil {
		out.Hospital = &MatchResponse{
			ID:         h.Candidate.ID,
			Name:       h.Candidate.Name,
			Location:   h.Candidate.Location,
			DistanceKm: h.DistanceKm,
			ETAMinutes: h.ETAMinutes,
			Score:      h.Score,
		}
	}
	return out
}

type OffersResponse struct {
	IncidentID string         `json:"incident_id"`
	Offers     []offers.Offer `json:"offers"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
