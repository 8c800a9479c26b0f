package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/scoring"
	"lifeline/dispatch/internal/triage"
	"lifeline/dispatch/pkg/e"
)

// Report is a new emergency as submitted by the patient or a bystander.
type Report struct {
	Type        triage.ReportType
	ReporterID  string
	Patient     *incident.Patient
	Location    geo.Point
	Address     string
	Description string
	Triage      *triage.Observations
	Contacts    []incident.Contact
	// RequestVolunteer and RequestBlood add resources the action plan did not ask for.
	RequestVolunteer bool
	RequestBlood     bool
	Specialty        string
}

func (r Report) validate() error {
	if !r.Location.Valid() {
		return fmt.Errorf("report location %v: %w", r.Location, e.ErrValidation)
	}
	if r.Patient != nil && r.Patient.BloodType != "" && !r.Patient.BloodType.Valid() {
		return fmt.Errorf("patient blood type %q: %w", r.Patient.BloodType, e.ErrValidation)
	}
	return nil
}

// Result is what orchestration produced. A nil Ambulance or Hospital means none was found
// and the kind is listed in Unmatched.
type Result struct {
	Incident   *incident.Incident
	Plan       triage.ActionPlan
	Ambulance  *scoring.Ranked[responder.Ambulance]
	Hospital   *scoring.Ranked[responder.Hospital]
	Volunteers []offers.Offer
	Donors     []offers.Offer
	Unmatched  []responder.Kind
}

func (r *Result) unmatched(kind responder.Kind) {
	r.Unmatched = append(r.Unmatched, kind)
	candidatesUnmatchedTotal.WithLabelValues(string(kind)).Inc()
}

// CreateIncident classifies the report and runs the dispatch pipeline once, in order:
// ambulance, hospital, volunteers, blood donors, emergency contacts. A step that finds
// nobody is recorded and the next step still runs; only validation and storage failures
// abort creation.
func (s *Service) CreateIncident(ctx context.Context, r Report) (*Result, error) {
	start := time.Now()
	if err := r.validate(); err != nil {
		return nil, err
	}
	sev, err := triage.ForReport(r.Type, r.Triage)
	if err != nil {
		return nil, err
	}
	obs := r.Triage
	if r.Type == triage.ReportSelf {
		obs = nil
	}
	plan := triage.GeneratePlan(sev, obs)

	now := s.now()
	inc, err := incident.New(uuid.NewString(), incident.Details{
		Type:        r.Type,
		ReporterID:  r.ReporterID,
		Patient:     r.Patient,
		Location:    r.Location,
		Address:     r.Address,
		Description: r.Description,
		Severity:    sev,
		Triage:      obs,
	}, now)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("incident_id", inc.ID).Str("severity", string(sev)).Logger()
	res := &Result{Incident: inc, Plan: plan}

	if amb := s.reserveAmbulance(ctx, log, inc, plan); amb != nil && s.assignAmbulance(ctx, log, inc, amb, now) {
		res.Ambulance = amb
	} else {
		log.Warn().Msg("no ambulance available within radius")
		inc.RecordEvent(incident.EventNoMatch, "No ambulance available nearby", incident.System, now)
		res.unmatched(responder.KindAmbulance)
	}

	if hosp := s.findHospital(ctx, log, inc, r.Specialty); hosp != nil && s.assignHospital(log, inc, hosp, now) {
		res.Hospital = hosp
	} else {
		log.Warn().Msg("no hospital accepting emergencies within radius")
		inc.RecordEvent(incident.EventNoMatch, "No hospital with free beds nearby", incident.System, now)
		res.unmatched(responder.KindHospital)
	}

	var volunteers []offers.Candidate
	if plan.NeedVolunteer || r.RequestVolunteer {
		volunteers = s.findVolunteers(ctx, log, inc, now)
		if len(volunteers) > 0 {
			inc.RecordEvent(incident.EventVolunteersAlert, fmt.Sprintf("%d volunteer(s) alerted", len(volunteers)), incident.System, now)
		} else {
			log.Warn().Msg("no eligible volunteer within radius")
			inc.RecordEvent(incident.EventNoMatch, "No volunteer available nearby", incident.System, now)
			res.unmatched(responder.KindVolunteer)
		}
	}

	var donors []offers.Candidate
	if plan.NeedBloodDonor || r.RequestBlood {
		inc.BloodRequired = true
		switch {
		case res.Hospital == nil:
			log.Warn().Msg("blood required but no hospital assigned, donor search skipped")
			inc.RecordEvent(incident.EventNoMatch, "Blood donor search skipped: no hospital assigned", incident.System, now)
			res.unmatched(responder.KindDonor)
		default:
			donors = s.findDonors(ctx, log, inc, res.Hospital.Candidate.Location, now)
			if len(donors) > 0 {
				inc.RecordEvent(incident.EventDonorsAlert, fmt.Sprintf("%d blood donor(s) alerted", len(donors)), incident.System, now)
			} else {
				log.Warn().Msg("no compatible donor near the hospital")
				inc.RecordEvent(incident.EventNoMatch, "No compatible blood donor nearby", incident.System, now)
				res.unmatched(responder.KindDonor)
			}
		}
	}

	var contacts []incident.Contact
	if r.Type == triage.ReportSelf {
		contacts = r.Contacts
		inc.MarkContactsNotified(contacts, now)
	}

	if err := s.store.CreateIncident(ctx, inc); err != nil {
		if res.Ambulance != nil {
			s.release(ctx, log, responder.KindAmbulance, res.Ambulance.Candidate.ID)
		}
		return nil, err
	}

	ttl := s.ttls.For(sev)
	res.Volunteers = s.board.Issue(inc.ID, incident.SlotVolunteer, volunteers, ttl, now)
	res.Donors = s.board.Issue(inc.ID, incident.SlotBloodDonor, donors, ttl, now)

	s.announce(ctx, inc, res, contacts)

	incidentsCreatedTotal.WithLabelValues(string(sev), string(r.Type)).Inc()
	orchestrationDurationSeconds.WithLabelValues(string(sev)).Observe(time.Since(start).Seconds())
	log.Info().
		Bool("ambulance", res.Ambulance != nil).
		Bool("hospital", res.Hospital != nil).
		Int("volunteer_offers", len(res.Volunteers)).
		Int("donor_offers", len(res.Donors)).
		Msg("incident dispatched")
	return res, nil
}

// reserveAmbulance walks the ranked ambulances and keeps the first one it manages to
// reserve. Plan classes are preferred; when none is in range any class will do.
func (s *Service) reserveAmbulance(ctx context.Context, log zerolog.Logger, inc *incident.Incident, plan triage.ActionPlan) *scoring.Ranked[responder.Ambulance] {
	pool, err := s.registry.Ambulances(ctx, inc.Location, s.cfg.AmbulanceRadiusKm)
	if err != nil {
		log.Error().Err(err).Msg("failed to query ambulances")
		return nil
	}

	q := scoring.AmbulanceQuery{
		Origin:   inc.Location,
		Severity: inc.Severity,
		Classes:  plan.AmbulanceClasses,
		RadiusKm: s.cfg.AmbulanceRadiusKm,
		SpeedKmh: s.cfg.AmbulanceSpeedKmh,
	}
	ranked := scoring.RankAmbulances(log, q, pool)
	if len(ranked) == 0 && len(q.Classes) > 0 {
		q.Classes = nil
		ranked = scoring.RankAmbulances(log, q, pool)
	}
	candidatesFoundTotal.WithLabelValues(string(responder.KindAmbulance)).Add(float64(len(ranked)))

	for i := range ranked {
		cand := ranked[i]
		ok, err := s.registry.Reserve(ctx, responder.KindAmbulance, cand.Candidate.ID)
		if err != nil {
			log.Error().Err(err).Str("ambulance_id", cand.Candidate.ID).Msg("failed to reserve ambulance")
			continue
		}
		if ok {
			return &cand
		}
		log.Debug().Str("ambulance_id", cand.Candidate.ID).Msg("ambulance taken by another incident")
	}
	return nil
}

// assignAmbulance puts a reserved ambulance on the incident. When the incident refuses
// the assignment the reservation is handed back and the slot counts as unmatched.
func (s *Service) assignAmbulance(ctx context.Context, log zerolog.Logger, inc *incident.Incident, amb *scoring.Ranked[responder.Ambulance], now time.Time) bool {
	a := amb.Candidate
	err := inc.AssignAmbulance(incident.Assignment{
		ResponderID: a.ID,
		Name:        a.CallSign,
		DistanceKm:  amb.DistanceKm,
	}, amb.ETAMinutes, incident.System, now)
	if err != nil {
		log.Error().Err(err).Str("ambulance_id", a.ID).Msg("failed to assign reserved ambulance")
		s.release(ctx, log, responder.KindAmbulance, a.ID)
		return false
	}
	return true
}

func (s *Service) assignHospital(log zerolog.Logger, inc *incident.Incident, hosp *scoring.Ranked[responder.Hospital], now time.Time) bool {
	h := hosp.Candidate
	err := inc.AssignHospital(incident.Assignment{
		ResponderID: h.ID,
		Name:        h.Name,
		DistanceKm:  hosp.DistanceKm,
	}, hosp.ETAMinutes, incident.System, now)
	if err != nil {
		log.Error().Err(err).Str("hospital_id", h.ID).Msg("failed to assign hospital")
		return false
	}
	return true
}

func (s *Service) findHospital(ctx context.Context, log zerolog.Logger, inc *incident.Incident, specialty string) *scoring.Ranked[responder.Hospital] {
	pool, err := s.registry.Hospitals(ctx, inc.Location, s.cfg.HospitalRadiusKm)
	if err != nil {
		log.Error().Err(err).Msg("failed to query hospitals")
		return nil
	}
	if specialty == "" {
		specialty = scoring.DefaultSpecialty
	}
	ranked := scoring.RankHospitals(log, scoring.HospitalQuery{
		Origin:    inc.Location,
		Severity:  inc.Severity,
		Specialty: specialty,
		RadiusKm:  s.cfg.HospitalRadiusKm,
		SpeedKmh:  s.cfg.HospitalSpeedKmh,
	}, pool)
	candidatesFoundTotal.WithLabelValues(string(responder.KindHospital)).Add(float64(len(ranked)))
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

func (s *Service) findVolunteers(ctx context.Context, log zerolog.Logger, inc *incident.Incident, now time.Time) []offers.Candidate {
	pool, err := s.registry.Volunteers(ctx, inc.Location, s.cfg.VolunteerRadiusKm)
	if err != nil {
		log.Error().Err(err).Msg("failed to query volunteers")
		return nil
	}
	ranked := scoring.RankVolunteers(log, scoring.VolunteerQuery{
		Origin:   inc.Location,
		RadiusKm: s.cfg.VolunteerRadiusKm,
		Limit:    s.cfg.VolunteerLimit,
		SpeedKmh: s.cfg.VolunteerSpeedKmh,
		Now:      now,
	}, pool)
	candidatesFoundTotal.WithLabelValues(string(responder.KindVolunteer)).Add(float64(len(ranked)))

	out := make([]offers.Candidate, 0, len(ranked))
	for _, v := range ranked {
		out = append(out, offers.Candidate{ID: v.Candidate.ID, Kind: responder.KindVolunteer, ETAMinutes: v.ETAMinutes, DistanceKm: v.DistanceKm})
	}
	return out
}

// findDonors searches around the receiving hospital, where the blood is needed.
// Without a known patient blood type only universal donors qualify.
func (s *Service) findDonors(ctx context.Context, log zerolog.Logger, inc *incident.Incident, hospital geo.Point, now time.Time) []offers.Candidate {
	recipient := inc.RequiredBloodType
	if recipient == "" {
		recipient = responder.ONegative
	}
	pool, err := s.registry.Donors(ctx, hospital, s.cfg.DonorRadiusKm)
	if err != nil {
		log.Error().Err(err).Msg("failed to query donors")
		return nil
	}
	ranked := scoring.RankDonors(log, scoring.DonorQuery{
		Origin:       hospital,
		Recipient:    recipient,
		RadiusKm:     s.cfg.DonorRadiusKm,
		Limit:        s.cfg.DonorLimit,
		SpeedKmh:     s.cfg.DonorSpeedKmh,
		DeferralDays: s.cfg.DonorDeferralDays,
		Now:          now,
	}, pool)
	candidatesFoundTotal.WithLabelValues(string(responder.KindDonor)).Add(float64(len(ranked)))

	out := make([]offers.Candidate, 0, len(ranked))
	for _, d := range ranked {
		out = append(out, offers.Candidate{ID: d.Candidate.ID, Kind: responder.KindDonor, ETAMinutes: d.ETAMinutes, DistanceKm: d.DistanceKm})
	}
	return out
}

// announce sends the creation notifications. It runs after the incident is stored so that
// every recipient can look it up.
func (s *Service) announce(ctx context.Context, inc *incident.Incident, res *Result, contacts []incident.Contact) {
	base := map[string]any{
		"severity": inc.Severity,
		"location": inc.Location,
		"address":  inc.Address,
	}

	if amb := res.Ambulance; amb != nil {
		a := amb.Candidate
		s.deliver(ctx, notify.Recipient{Kind: string(responder.KindAmbulance), ID: a.ID, Name: a.CallSign, Phone: a.Phone}, notify.Message{
			Type:       notify.TypeAssignment,
			IncidentID: inc.ID,
			Title:      "Emergency dispatch",
			Body:       fmt.Sprintf("%s emergency %.1f km away, ETA %d min", inc.Severity, amb.DistanceKm, amb.ETAMinutes),
			Data:       withData(base, "slot", incident.SlotAmbulance, "eta_minutes", amb.ETAMinutes),
		})
	}
	if hosp := res.Hospital; hosp != nil {
		h := hosp.Candidate
		s.deliver(ctx, notify.Recipient{Kind: string(responder.KindHospital), ID: h.ID, Name: h.Name, Email: h.Email}, notify.Message{
			Type:       notify.TypeAssignment,
			IncidentID: inc.ID,
			Title:      "Incoming emergency patient",
			Body:       fmt.Sprintf("%s patient expected, bed category %s", inc.Severity, scoring.RequiredBedCategory(inc.Severity)),
			Data:       withData(base, "slot", incident.SlotHospital, "blood_required", inc.BloodRequired),
		})
	}
	for _, o := range append(append([]offers.Offer(nil), res.Volunteers...), res.Donors...) {
		s.sendOffer(ctx, inc, o, base)
	}
	for _, c := range contacts {
		s.deliver(ctx, notify.Recipient{Kind: notify.KindContact, ID: contactID(c), Name: c.Name, Email: c.Email, Phone: c.Phone}, notify.Message{
			Type:       notify.TypeContactAlert,
			IncidentID: inc.ID,
			Title:      "Emergency alert",
			Body:       fmt.Sprintf("%s reported an emergency. Help is on the way.", reporterName(inc)),
			Data:       withData(base, "relation", c.Relation),
		})
	}
	s.deliver(ctx, notify.Recipient{Kind: notify.KindIncident, ID: inc.ID}, notify.Message{
		Type:       notify.TypeStatusUpdate,
		IncidentID: inc.ID,
		Title:      "Emergency reported",
		Body:       inc.Status.Description(),
		Data:       withData(base, "status", inc.Status),
	})
}

func (s *Service) sendOffer(ctx context.Context, inc *incident.Incident, o offers.Offer, base map[string]any) {
	title := "Volunteer needed nearby"
	if o.Slot == incident.SlotBloodDonor {
		title = "Urgent blood donation request"
	}
	expires := o.ExpiresAt
	s.deliver(ctx, notify.Recipient{Kind: string(o.RecipientKind), ID: o.RecipientID}, notify.Message{
		Type:       notify.TypeOffer,
		IncidentID: inc.ID,
		Title:      title,
		Body:       fmt.Sprintf("%s emergency %.1f km away, ETA %d min", inc.Severity, o.DistanceKm, o.ETAMinutes),
		Data:       withData(base, "slot", o.Slot, "offer_id", o.ID, "eta_minutes", o.ETAMinutes),
		ExpiresAt:  &expires,
	})
}

func (s *Service) release(ctx context.Context, log zerolog.Logger, kind responder.Kind, id string) {
	if err := s.registry.Release(ctx, kind, id); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Str("responder_id", id).Msg("failed to release responder")
	}
}

// withData copies base and adds key/value pairs.
func withData(base map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}

func contactID(c incident.Contact) string {
	switch {
	case c.Email != "":
		return c.Email
	case c.Phone != "":
		return c.Phone
	}
	return c.Name
}

func reporterName(inc *incident.Incident) string {
	if inc.Patient != nil && inc.Patient.Name != "" {
		return inc.Patient.Name
	}
	return "Someone you know"
}

func newMessageID() string { return uuid.NewString() }
