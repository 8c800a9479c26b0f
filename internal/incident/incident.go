// Package incident holds the incident aggregate and the state machine that is the only
// way to mutate it.
package incident

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
	"lifeline/dispatch/pkg/e"
)

// Timeline event names.
const (
	EventReported         = "incident_reported"
	EventAmbulanceAssign  = "ambulance_assigned"
	EventHospitalAssign   = "hospital_assigned"
	EventVolunteerAssign  = "volunteer_assigned"
	EventDonorAssign      = "blood_donor_assigned"
	EventVolunteersAlert  = "volunteers_notified"
	EventDonorsAlert      = "donors_notified"
	EventContactsNotified = "contacts_notified"
	EventNoMatch          = "no_match"
	EventAcknowledged     = "assignment_acknowledged"
	EventResolved         = "incident_resolved"
	EventCancelled        = "incident_cancelled"
)

type Patient struct {
	Name       string              `json:"name,omitempty"`
	Age        int                 `json:"age,omitempty"`
	BloodType  responder.BloodType `json:"blood_type,omitempty"`
	Conditions []string            `json:"conditions,omitempty"`
}

type Contact struct {
	Name       string     `json:"name"`
	Relation   string     `json:"relation,omitempty"`
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

// Assignment is the candidate filling a slot.
type Assignment struct {
	ResponderID  string    `json:"responder_id"`
	Name         string    `json:"name,omitempty"`
	DistanceKm   float64   `json:"distance_km"`
	AssignedAt   time.Time `json:"assigned_at"`
	Acknowledged bool      `json:"acknowledged"`
}

type Assignments struct {
	Ambulance  *Assignment `json:"ambulance"`
	Hospital   *Assignment `json:"hospital"`
	Volunteer  *Assignment `json:"volunteer"`
	BloodDonor *Assignment `json:"blood_donor"`
}

func (a *Assignments) ref(s Slot) **Assignment {
	switch s {
	case SlotAmbulance:
		return &a.Ambulance
	case SlotHospital:
		return &a.Hospital
	case SlotVolunteer:
		return &a.Volunteer
	case SlotBloodDonor:
		return &a.BloodDonor
	}
	return nil
}

// Get returns the assignment in a slot, nil when unset.
func (a Assignments) Get(s Slot) *Assignment {
	if r := a.ref(s); r != nil {
		return *r
	}
	return nil
}

type TimelineEvent struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Actor       Actor     `json:"actor"`
}

// ResponseTimes are derived once and never recomputed.
type ResponseTimes struct {
	Dispatch *time.Duration `json:"dispatch,omitempty"`
	Arrival  *time.Duration `json:"arrival,omitempty"`
	Total    *time.Duration `json:"total,omitempty"`
}

type Incident struct {
	ID                string               `json:"id"`
	Type              triage.ReportType    `json:"type"`
	ReporterID        string               `json:"reporter_id,omitempty"`
	Patient           *Patient             `json:"patient,omitempty"`
	Location          geo.Point            `json:"location"`
	Address           string               `json:"address,omitempty"`
	Description       string               `json:"description,omitempty"`
	Severity          triage.Severity      `json:"severity"`
	Triage            *triage.Observations `json:"triage,omitempty"`
	Status            Status               `json:"status"`
	VolunteerStatus   Status               `json:"volunteer_status,omitempty"`
	Assignments       Assignments          `json:"assignments"`
	EstimatedTimes    map[Slot]int         `json:"estimated_times"`
	Timeline          []TimelineEvent      `json:"timeline"`
	ResponseTimes     ResponseTimes        `json:"response_times"`
	ContactsNotified  []Contact            `json:"contacts_notified,omitempty"`
	BloodRequired     bool                 `json:"blood_required"`
	RequiredBloodType responder.BloodType  `json:"required_blood_type,omitempty"`
	Outcome           string               `json:"outcome,omitempty"`
	CancelReason      string               `json:"cancel_reason,omitempty"`
	CancelledBy       *Actor               `json:"cancelled_by,omitempty"`
	ReportedAt        time.Time            `json:"reported_at"`
	ResolvedAt        *time.Time           `json:"resolved_at,omitempty"`
	CancelledAt       *time.Time           `json:"cancelled_at,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at"`
	Version           int64                `json:"version"`
}

// Details describe a new report.
type Details struct {
	Type        triage.ReportType
	ReporterID  string
	Patient     *Patient
	Location    geo.Point
	Address     string
	Description string
	Severity    triage.Severity
	Triage      *triage.Observations
}

// New opens an incident in the pending status.
func New(id string, d Details, at time.Time) (*Incident, error) {
	if !d.Location.Valid() {
		return nil, fmt.Errorf("incident location %v: %w", d.Location, e.ErrValidation)
	}
	if !d.Severity.Valid() {
		return nil, fmt.Errorf("incident severity %q: %w", d.Severity, e.ErrValidation)
	}
	if id == "" {
		id = uuid.NewString()
	}

	inc := &Incident{
		ID:             id,
		Type:           d.Type,
		ReporterID:     d.ReporterID,
		Patient:        d.Patient,
		Location:       d.Location,
		Address:        d.Address,
		Description:    d.Description,
		Severity:       d.Severity,
		Triage:         d.Triage,
		Status:         StatusPending,
		EstimatedTimes: make(map[Slot]int),
		ReportedAt:     at,
		UpdatedAt:      at,
	}
	if d.Patient != nil {
		inc.RequiredBloodType = d.Patient.BloodType
	}
	reporter := System
	if d.ReporterID != "" {
		reporter = User(d.ReporterID)
	}
	inc.RecordEvent(EventReported, fmt.Sprintf("Emergency reported (%s, severity %s)", d.Type, d.Severity), reporter, at)
	return inc, nil
}

// RecordEvent appends to the timeline. Events may be recorded on terminal incidents.
func (i *Incident) RecordEvent(event, description string, actor Actor, at time.Time) {
	i.Timeline = append(i.Timeline, TimelineEvent{
		ID:          uuid.NewString(),
		Event:       event,
		Description: description,
		Timestamp:   at,
		Actor:       actor,
	})
	i.UpdatedAt = at
}

func (i *Incident) ensureOpen(op string) error {
	if i.Status.Terminal() {
		return fmt.Errorf("%s on %s incident %s: %w", op, i.Status, i.ID, e.ErrInvalidState)
	}
	return nil
}

func (i *Incident) assign(slot Slot, a Assignment, eta int, by Actor, at time.Time, event, description string) error {
	if err := i.ensureOpen("assign " + string(slot)); err != nil {
		return err
	}
	ref := i.Assignments.ref(slot)
	if ref == nil {
		return fmt.Errorf("slot %q: %w", slot, e.ErrValidation)
	}
	if *ref != nil {
		return fmt.Errorf("%s slot of incident %s already assigned to %s: %w", slot, i.ID, (*ref).ResponderID, e.ErrInvalidState)
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = at
	}
	*ref = &a
	if i.EstimatedTimes == nil {
		i.EstimatedTimes = make(map[Slot]int)
	}
	i.EstimatedTimes[slot] = eta
	i.RecordEvent(event, description, by, at)
	return nil
}

// AssignAmbulance fills the ambulance slot, moves the incident to ambulance_dispatched
// when the table allows and records the dispatch latency once.
func (i *Incident) AssignAmbulance(a Assignment, eta int, by Actor, at time.Time) error {
	desc := fmt.Sprintf("Ambulance %s assigned, ETA %d min", labelOf(a), eta)
	if err := i.assign(SlotAmbulance, a, eta, by, at, EventAmbulanceAssign, desc); err != nil {
		return err
	}
	if i.Status.CanTransition(StatusAmbulanceDispatched) {
		i.setStatus(StatusAmbulanceDispatched, by, at)
	}
	if i.ResponseTimes.Dispatch == nil {
		d := at.Sub(i.ReportedAt)
		i.ResponseTimes.Dispatch = &d
	}
	return nil
}

func (i *Incident) AssignHospital(a Assignment, eta int, by Actor, at time.Time) error {
	return i.assign(SlotHospital, a, eta, by, at, EventHospitalAssign,
		fmt.Sprintf("Hospital %s assigned, ETA %d min", labelOf(a), eta))
}

// AssignVolunteer fills the slot only; the volunteer reports its own progress through UpdateStatus.
func (i *Incident) AssignVolunteer(a Assignment, eta int, by Actor, at time.Time) error {
	return i.assign(SlotVolunteer, a, eta, by, at, EventVolunteerAssign,
		fmt.Sprintf("Volunteer %s accepted, ETA %d min", labelOf(a), eta))
}

func (i *Incident) AssignBloodDonor(a Assignment, eta int, by Actor, at time.Time) error {
	if err := i.assign(SlotBloodDonor, a, eta, by, at, EventDonorAssign,
		fmt.Sprintf("Blood donor %s accepted, ETA %d min", labelOf(a), eta)); err != nil {
		return err
	}
	i.BloodRequired = true
	return nil
}

// Assign dispatches to the slot-specific assignment.
func (i *Incident) Assign(slot Slot, a Assignment, eta int, by Actor, at time.Time) error {
	switch slot {
	case SlotAmbulance:
		return i.AssignAmbulance(a, eta, by, at)
	case SlotHospital:
		return i.AssignHospital(a, eta, by, at)
	case SlotVolunteer:
		return i.AssignVolunteer(a, eta, by, at)
	case SlotBloodDonor:
		return i.AssignBloodDonor(a, eta, by, at)
	}
	return fmt.Errorf("slot %q: %w", slot, e.ErrValidation)
}

// Acknowledge marks a direct assignment as confirmed by the assigned responder.
func (i *Incident) Acknowledge(slot Slot, by Actor, at time.Time) error {
	if err := i.ensureOpen("acknowledge " + string(slot)); err != nil {
		return err
	}
	a := i.Assignments.Get(slot)
	if a == nil {
		return fmt.Errorf("%s slot of incident %s is empty: %w", slot, i.ID, e.ErrInvalidState)
	}
	if a.Acknowledged {
		return nil
	}
	a.Acknowledged = true
	i.RecordEvent(EventAcknowledged, fmt.Sprintf("%s %s confirmed the assignment", slot, labelOf(*a)), by, at)
	return nil
}

// UpdateStatus applies a transition from the table. Terminal statuses go through Cancel
// and Resolve. Ambulance-track statuses need an assigned ambulance. Volunteer-track
// statuses requested once the ambulance track is under way only advance VolunteerStatus.
func (i *Incident) UpdateStatus(next Status, by Actor, at time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("status %q: %w", next, e.ErrValidation)
	}
	if err := i.ensureOpen("update status"); err != nil {
		return err
	}

	switch {
	case next == StatusCancelled:
		return i.Cancel("", by, at)
	case next == StatusResolved:
		return i.Resolve("", by, at)
	case next.ambulanceTrack() && i.Assignments.Ambulance == nil:
		return fmt.Errorf("status %q without an assigned ambulance: %w", next, e.ErrInvalidState)
	case next.volunteerTrack() && i.Status.ambulanceTrack():
		if !volunteerStepAllowed(i.VolunteerStatus, next) {
			return fmt.Errorf("volunteer status %q to %q: %w", i.VolunteerStatus, next, e.ErrInvalidState)
		}
		i.VolunteerStatus = next
		i.RecordEvent(string(next), next.Description(), by, at)
		i.recordArrival(next, at)
		return nil
	case !i.Status.CanTransition(next):
		return fmt.Errorf("status %q to %q: %w", i.Status, next, e.ErrInvalidState)
	}

	i.setStatus(next, by, at)
	return nil
}

func volunteerStepAllowed(current, next Status) bool {
	switch next {
	case StatusVolunteerDispatched:
		return current == ""
	case StatusVolunteerArrived:
		return current == "" || current == StatusVolunteerDispatched
	}
	return false
}

func (i *Incident) setStatus(next Status, by Actor, at time.Time) {
	i.Status = next
	if next.volunteerTrack() {
		i.VolunteerStatus = next
	}
	i.RecordEvent(string(next), next.Description(), by, at)
	i.recordArrival(next, at)
}

func (i *Incident) recordArrival(s Status, at time.Time) {
	if s.arrival() && i.ResponseTimes.Arrival == nil {
		d := at.Sub(i.ReportedAt)
		i.ResponseTimes.Arrival = &d
	}
}

// Resolve closes the incident from any non-terminal status.
func (i *Incident) Resolve(outcome string, by Actor, at time.Time) error {
	if err := i.ensureOpen("resolve"); err != nil {
		return err
	}
	i.Status = StatusResolved
	i.Outcome = outcome
	resolvedAt := at
	i.ResolvedAt = &resolvedAt
	total := at.Sub(i.ReportedAt)
	i.ResponseTimes.Total = &total

	desc := StatusResolved.Description()
	if outcome != "" {
		desc += ": " + outcome
	}
	i.RecordEvent(EventResolved, desc, by, at)
	return nil
}

// Cancel closes the incident without resolution.
func (i *Incident) Cancel(reason string, by Actor, at time.Time) error {
	if err := i.ensureOpen("cancel"); err != nil {
		return err
	}
	i.Status = StatusCancelled
	i.CancelReason = reason
	actor := by
	i.CancelledBy = &actor
	cancelledAt := at
	i.CancelledAt = &cancelledAt

	desc := StatusCancelled.Description()
	if reason != "" {
		desc += ": " + reason
	}
	i.RecordEvent(EventCancelled, desc, by, at)
	return nil
}

// MarkContactsNotified records contacts as notified at the time of the attempt.
func (i *Incident) MarkContactsNotified(contacts []Contact, at time.Time) {
	if len(contacts) == 0 {
		return
	}
	for _, c := range contacts {
		notified := at
		c.NotifiedAt = &notified
		i.ContactsNotified = append(i.ContactsNotified, c)
	}
	i.RecordEvent(EventContactsNotified, fmt.Sprintf("%d emergency contact(s) notified", len(contacts)), System, at)
}

// Tracking is the read-only view served to the reporter and responders.
type Tracking struct {
	IncidentID        string          `json:"incident_id"`
	Location          geo.Point       `json:"location"`
	Address           string          `json:"address,omitempty"`
	Status            Status          `json:"status"`
	VolunteerStatus   Status          `json:"volunteer_status,omitempty"`
	Severity          triage.Severity `json:"severity"`
	Assignments       Assignments     `json:"assignments"`
	EstimatedTimes    map[Slot]int    `json:"estimated_times"`
	Timeline          []TimelineEvent `json:"timeline"`
	AmbulanceLocation *geo.Point      `json:"ambulance_location,omitempty"`
}

func (i *Incident) Snapshot() Tracking {
	c := i.Clone()
	return Tracking{
		IncidentID:      c.ID,
		Location:        c.Location,
		Address:         c.Address,
		Status:          c.Status,
		VolunteerStatus: c.VolunteerStatus,
		Severity:        c.Severity,
		Assignments:     c.Assignments,
		EstimatedTimes:  c.EstimatedTimes,
		Timeline:        c.Timeline,
	}
}

// Clone returns a deep copy.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.Patient != nil {
		p := *i.Patient
		p.Conditions = append([]string(nil), i.Patient.Conditions...)
		c.Patient = &p
	}
	if i.Triage != nil {
		t := *i.Triage
		c.Triage = &t
	}
	c.Assignments = Assignments{
		Ambulance:  cloneAssignment(i.Assignments.Ambulance),
		Hospital:   cloneAssignment(i.Assignments.Hospital),
		Volunteer:  cloneAssignment(i.Assignments.Volunteer),
		BloodDonor: cloneAssignment(i.Assignments.BloodDonor),
	}
	c.EstimatedTimes = make(map[Slot]int, len(i.EstimatedTimes))
	for k, v := range i.EstimatedTimes {
		c.EstimatedTimes[k] = v
	}
	c.Timeline = append([]TimelineEvent(nil), i.Timeline...)
	c.ContactsNotified = append([]Contact(nil), i.ContactsNotified...)
	c.ResponseTimes = ResponseTimes{
		Dispatch: cloneDuration(i.ResponseTimes.Dispatch),
		Arrival:  cloneDuration(i.ResponseTimes.Arrival),
		Total:    cloneDuration(i.ResponseTimes.Total),
	}
	if i.CancelledBy != nil {
		a := *i.CancelledBy
		c.CancelledBy = &a
	}
	c.ResolvedAt = cloneTime(i.ResolvedAt)
	c.CancelledAt = cloneTime(i.CancelledAt)
	return &c
}

func cloneAssignment(a *Assignment) *Assignment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func labelOf(a Assignment) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ResponderID
}
