package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/dispatch/internal/config"
	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/notify"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/scoring"
	"lifeline/dispatch/internal/storage"
	"lifeline/dispatch/internal/triage"
	"lifeline/dispatch/pkg/e"
)

var (
	base   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	origin = geo.Point{Latitude: 0, Longitude: 0}
)

func north(km float64) geo.Point {
	return geo.Point{Latitude: km / 111.19}
}

type delivery struct {
	to  notify.Recipient
	msg notify.Message
}

type recorder struct {
	mu   sync.Mutex
	sent []delivery
	fail bool
}

func (r *recorder) Deliver(_ context.Context, to notify.Recipient, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{to: to, msg: msg})
	if r.fail {
		return errors.New("gateway down")
	}
	return nil
}

func (r *recorder) ofType(t notify.MessageType) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.sent {
		if d.msg.Type == t {
			out = append(out, d)
		}
	}
	return out
}

type fixture struct {
	svc   *Service
	store *storage.Memory
	sent  *recorder
	now   time.Time
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		AmbulanceRadiusKm: 20,
		HospitalRadiusKm:  30,
		VolunteerRadiusKm: 5,
		DonorRadiusKm:     10,
		VolunteerLimit:    5,
		DonorLimit:        5,
		AmbulanceSpeedKmh: 40,
		HospitalSpeedKmh:  50,
		VolunteerSpeedKmh: 15,
		DonorSpeedKmh:     30,
		OfferTTLCritical:  3 * time.Minute,
		OfferTTLHigh:      5 * time.Minute,
		OfferTTLMedium:    8 * time.Minute,
		OfferTTLLow:       10 * time.Minute,
		DonorDeferralDays: 90,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), sent: &recorder{}, now: base}
	svc, err := New(Deps{
		Store:    f.store,
		Registry: f.store,
		Notifier: f.sent,
		Config:   testConfig(),
		Clock:    func() time.Time { return f.now },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) ambulance(id string, km float64, class responder.EquipmentClass) {
	f.store.PutAmbulance(responder.Ambulance{
		ID: id, CallSign: "unit-" + id, Location: north(km),
		Active: true, Verified: true, Status: responder.Available, Equipment: class,
	})
}

func (f *fixture) hospital(id string, km float64, accepting bool) {
	f.store.PutHospital(responder.Hospital{
		ID: id, Name: "Hospital " + id, Location: north(km),
		Active: true, Verified: true, AcceptingEmergencies: accepting,
		Beds: map[responder.BedCategory]responder.Beds{
			responder.BedICU:       {Total: 10, Available: 2},
			responder.BedEmergency: {Total: 20, Available: 5},
		},
		Facilities: responder.Facilities{Oxygen: true, Ventilators: true},
	})
}

func (f *fixture) volunteer(id string, km float64) {
	f.store.PutVolunteer(responder.Volunteer{
		ID: id, Name: "Volunteer " + id, Location: north(km),
		Active: true, Status: responder.Available,
		VerificationStatus: responder.VerificationVerified,
		Certification:      responder.Certification{Verified: true, ExpiresAt: base.AddDate(1, 0, 0)},
		CompletedMissions:  10, AverageRating: 4.5,
	})
}

func (f *fixture) donor(id string, km float64, bt responder.BloodType) {
	f.store.PutDonor(responder.Donor{
		ID: id, Name: "Donor " + id, Location: north(km),
		Active: true, Verified: true, Status: responder.Available,
		BloodType: bt, HealthEligible: true,
	})
}

func (f *fixture) status(t *testing.T, kind responder.Kind, id string) responder.Availability {
	t.Helper()
	s, err := f.store.Status(kind, id)
	require.NoError(t, err)
	return s
}

func criticalReport() Report {
	return Report{
		Type:       triage.ReportBystander,
		ReporterID: "bystander-1",
		Location:   origin,
		Triage:     &triage.Observations{Conscious: false, Breathing: false, HeavyBleeding: true},
	}
}

// critical bystander report with a basic unit at 3 km and a cardiac unit at 8 km
func (f *fixture) scenarioOne(t *testing.T) *Result {
	t.Helper()
	f.ambulance("basic", 3, responder.EquipmentBasic)
	f.ambulance("cardiac", 8, responder.EquipmentCardiac)
	f.hospital("h1", 5, true)
	f.volunteer("v1", 1)
	f.volunteer("v2", 2)
	f.donor("d-oneg", 6, responder.ONegative)
	f.donor("d-apos", 6, responder.APositive)

	res, err := f.svc.CreateIncident(context.Background(), criticalReport())
	require.NoError(t, err)
	return res
}

func TestCreateIncidentCriticalBystander(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	inc := res.Incident

	assert.Equal(t, triage.SeverityCritical, inc.Severity)
	require.NotNil(t, res.Ambulance)
	assert.Equal(t, "cardiac", res.Ambulance.Candidate.ID)
	assert.Equal(t, incident.StatusAmbulanceDispatched, inc.Status)
	assert.Equal(t, "cardiac", inc.Assignments.Ambulance.ResponderID)
	assert.Equal(t, 12, inc.EstimatedTimes[incident.SlotAmbulance])
	assert.Equal(t, responder.Busy, f.status(t, responder.KindAmbulance, "cardiac"))
	assert.Equal(t, responder.Available, f.status(t, responder.KindAmbulance, "basic"))

	require.NotNil(t, res.Hospital)
	assert.Equal(t, "h1", inc.Assignments.Hospital.ResponderID)

	assert.Len(t, res.Volunteers, 2)
	assert.Nil(t, inc.Assignments.Volunteer)

	assert.True(t, inc.BloodRequired)
	require.Len(t, res.Donors, 1)
	assert.Equal(t, "d-oneg", res.Donors[0].RecipientID)
	assert.Equal(t, base.Add(3*time.Minute), res.Donors[0].ExpiresAt)
	assert.Empty(t, res.Unmatched)

	stored, err := f.svc.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	assert.Len(t, f.sent.ofType(notify.TypeAssignment), 2)
	assert.Len(t, f.sent.ofType(notify.TypeOffer), 3)
}

func TestCreateIncidentSelfReportIsHigh(t *testing.T) {
	f := newFixture(t)
	f.ambulance("adv", 4, responder.EquipmentAdvanced)
	f.hospital("h1", 5, true)
	f.volunteer("v1", 1)

	res, err := f.svc.CreateIncident(context.Background(), Report{
		Type:       triage.ReportSelf,
		ReporterID: "patient-1",
		Patient:    &incident.Patient{Name: "Ada", BloodType: responder.APositive},
		Location:   origin,
		Triage:     &triage.Observations{Breathing: false},
		Contacts: []incident.Contact{
			{Name: "Grace", Relation: "sister", Email: "grace@example.org"},
		},
	})
	require.NoError(t, err)

	inc := res.Incident
	assert.Equal(t, triage.SeverityHigh, inc.Severity)
	assert.Nil(t, inc.Triage)
	assert.Empty(t, res.Volunteers)
	assert.False(t, inc.BloodRequired)

	require.Len(t, inc.ContactsNotified, 1)
	require.NotNil(t, inc.ContactsNotified[0].NotifiedAt)
	assert.Equal(t, base, *inc.ContactsNotified[0].NotifiedAt)

	alerts := f.sent.ofType(notify.TypeContactAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.KindContact, alerts[0].to.Kind)
	assert.Equal(t, "grace@example.org", alerts[0].to.Email)
}

func TestCreateIncidentWithoutHospital(t *testing.T) {
	f := newFixture(t)
	f.hospital("closed", 5, false)

	res, err := f.svc.CreateIncident(context.Background(), Report{
		Type:     triage.ReportBystander,
		Location: origin,
		Triage:   &triage.Observations{Conscious: true, Breathing: true},
	})
	require.NoError(t, err)

	inc := res.Incident
	assert.Equal(t, triage.SeverityMedium, inc.Severity)
	assert.Nil(t, inc.Assignments.Hospital)
	assert.Nil(t, inc.Assignments.Ambulance)
	assert.Nil(t, res.Hospital)
	assert.Equal(t, incident.StatusPending, inc.Status)
	assert.ElementsMatch(t, []responder.Kind{responder.KindAmbulance, responder.KindHospital}, res.Unmatched)

	var noMatch int
	for _, ev := range inc.Timeline {
		if ev.Event == incident.EventNoMatch {
			noMatch++
		}
	}
	assert.Equal(t, 2, noMatch)
}

func TestCreateIncidentBloodWithoutHospitalSkipsDonors(t *testing.T) {
	f := newFixture(t)
	f.donor("d1", 1, responder.ONegative)

	res, err := f.svc.CreateIncident(context.Background(), criticalReport())
	require.NoError(t, err)
	assert.True(t, res.Incident.BloodRequired)
	assert.Empty(t, res.Donors)
	assert.Contains(t, res.Unmatched, responder.KindDonor)
}

func TestCreateIncidentFallsBackToAnyClass(t *testing.T) {
	f := newFixture(t)
	f.ambulance("basic", 3, responder.EquipmentBasic)

	res, err := f.svc.CreateIncident(context.Background(), criticalReport())
	require.NoError(t, err)
	require.NotNil(t, res.Ambulance)
	assert.Equal(t, "basic", res.Ambulance.Candidate.ID)
}

func TestCreateIncidentRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateIncident(ctx, Report{Type: triage.ReportSelf, Location: geo.Point{Latitude: 91}})
	assert.ErrorIs(t, err, e.ErrValidation)

	_, err = f.svc.CreateIncident(ctx, Report{Type: triage.ReportBystander, Location: origin})
	assert.ErrorIs(t, err, e.ErrValidation)

	_, err = f.svc.CreateIncident(ctx, Report{
		Type: triage.ReportSelf, Location: origin,
		Patient: &incident.Patient{BloodType: "Q+"},
	})
	assert.ErrorIs(t, err, e.ErrValidation)
}

func TestConcurrentAcceptOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	id := res.Incident.ID

	var (
		wg      sync.WaitGroup
		results = make(map[string]AcceptResult)
		mu      sync.Mutex
	)
	for _, v := range []string{"v1", "v2"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			r, err := f.svc.AcceptAssignment(context.Background(), id, incident.SlotVolunteer, v)
			assert.NoError(t, err)
			mu.Lock()
			results[v] = r
			mu.Unlock()
		}(v)
	}
	wg.Wait()

	winner, loser := "v1", "v2"
	if !results["v1"].Accepted {
		winner, loser = "v2", "v1"
	}
	assert.True(t, results[winner].Accepted)
	assert.False(t, results[loser].Accepted)
	assert.Equal(t, ReasonSlotFilled, results[loser].Reason)

	inc, err := f.svc.GetIncident(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inc.Assignments.Volunteer)
	assert.Equal(t, winner, inc.Assignments.Volunteer.ResponderID)
	assert.Equal(t, responder.Busy, f.status(t, responder.KindVolunteer, winner))
	assert.Equal(t, responder.Available, f.status(t, responder.KindVolunteer, loser))

	withdrawn := f.sent.ofType(notify.TypeOfferWithdrawn)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, loser, withdrawn[0].to.ID)
}

func TestAcceptExpiredOffer(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	f.now = base.Add(3 * time.Minute)

	r, err := f.svc.AcceptAssignment(context.Background(), res.Incident.ID, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonExpired, r.Reason)
	assert.Equal(t, responder.Available, f.status(t, responder.KindVolunteer, "v1"))
}

func TestAcceptUnavailableVolunteer(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ok, err := f.store.Reserve(context.Background(), responder.KindVolunteer, "v1")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := f.svc.AcceptAssignment(context.Background(), res.Incident.ID, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.Equal(t, AcceptResult{Reason: ReasonUnavailable}, r)

	r, err = f.svc.AcceptAssignment(context.Background(), res.Incident.ID, incident.SlotVolunteer, "v2")
	require.NoError(t, err)
	assert.True(t, r.Accepted)
}

func TestAcceptDonorFlagsBlood(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)

	r, err := f.svc.AcceptAssignment(context.Background(), res.Incident.ID, incident.SlotBloodDonor, "d-apos")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOffered, r.Reason)

	r, err = f.svc.AcceptAssignment(context.Background(), res.Incident.ID, incident.SlotBloodDonor, "d-oneg")
	require.NoError(t, err)
	assert.True(t, r.Accepted)

	inc, err := f.svc.GetIncident(context.Background(), res.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, "d-oneg", inc.Assignments.BloodDonor.ResponderID)
	assert.True(t, inc.Assignments.BloodDonor.Acknowledged)
	assert.Equal(t, incident.StatusAmbulanceDispatched, inc.Status)
}

func TestAcknowledgeDirectAssignment(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()

	r, err := f.svc.AcceptAssignment(ctx, res.Incident.ID, incident.SlotAmbulance, "basic")
	require.NoError(t, err)
	assert.Equal(t, ReasonNotOffered, r.Reason)

	r, err = f.svc.AcceptAssignment(ctx, res.Incident.ID, incident.SlotAmbulance, "cardiac")
	require.NoError(t, err)
	assert.True(t, r.Accepted)

	r, err = f.svc.AcceptAssignment(ctx, res.Incident.ID, incident.SlotAmbulance, "cardiac")
	require.NoError(t, err)
	assert.True(t, r.Accepted)

	inc, err := f.svc.GetIncident(ctx, res.Incident.ID)
	require.NoError(t, err)
	assert.True(t, inc.Assignments.Ambulance.Acknowledged)
	assert.Equal(t, int64(2), inc.Version)
}

func TestDeclineAssignment(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID

	o, err := f.svc.DeclineAssignment(ctx, id, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.Equal(t, offers.OutcomeDeclined, o.Outcome)

	r, err := f.svc.AcceptAssignment(ctx, id, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.Equal(t, ReasonDeclined, r.Reason)

	_, err = f.svc.DeclineAssignment(ctx, id, incident.SlotVolunteer, "stranger")
	assert.ErrorIs(t, err, e.ErrNotFound)

	_, err = f.svc.DeclineAssignment(ctx, id, incident.SlotAmbulance, "cardiac")
	assert.ErrorIs(t, err, e.ErrInvalidState)
}

func TestCancelReleasesResponders(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID

	r, err := f.svc.AcceptAssignment(ctx, id, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	require.True(t, r.Accepted)

	f.now = base.Add(time.Minute)
	inc, err := f.svc.CancelIncident(ctx, id, "false alarm", incident.User("bystander-1"))
	require.NoError(t, err)
	assert.Equal(t, incident.StatusCancelled, inc.Status)
	assert.Equal(t, "false alarm", inc.CancelReason)

	assert.Equal(t, responder.Available, f.status(t, responder.KindAmbulance, "cardiac"))
	assert.Equal(t, responder.Available, f.status(t, responder.KindVolunteer, "v1"))

	withdrawn := f.sent.ofType(notify.TypeOfferWithdrawn)
	require.Len(t, withdrawn, 2)
	for _, d := range withdrawn {
		assert.NotEqual(t, "v1", d.to.ID)
	}
	assert.NotEmpty(t, f.sent.ofType(notify.TypeIncidentClosed))

	_, err = f.svc.CancelIncident(ctx, id, "again", incident.System)
	assert.ErrorIs(t, err, e.ErrInvalidState)
	_, err = f.svc.ResolveIncident(ctx, id, "", incident.System)
	assert.ErrorIs(t, err, e.ErrInvalidState)
	_, err = f.svc.AcceptAssignment(ctx, id, incident.SlotBloodDonor, "d-oneg")
	assert.ErrorIs(t, err, e.ErrInvalidState)
}

func TestStatusProgressionAndResolve(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID
	amb := incident.Actor{Kind: incident.ActorAmbulance, ID: "cardiac"}

	_, err := f.svc.UpdateIncidentStatus(ctx, id, incident.StatusReachedHospital, amb)
	assert.ErrorIs(t, err, e.ErrInvalidState)

	f.now = base.Add(9 * time.Minute)
	inc, err := f.svc.UpdateIncidentStatus(ctx, id, incident.StatusAmbulanceArrived, amb)
	require.NoError(t, err)
	require.NotNil(t, inc.ResponseTimes.Arrival)
	assert.Equal(t, 9*time.Minute, *inc.ResponseTimes.Arrival)

	for _, s := range []incident.Status{incident.StatusPatientPickedUp, incident.StatusEnRouteHospital, incident.StatusReachedHospital} {
		_, err = f.svc.UpdateIncidentStatus(ctx, id, s, amb)
		require.NoError(t, err, s)
	}

	f.now = base.Add(40 * time.Minute)
	inc, err = f.svc.ResolveIncident(ctx, id, "patient admitted", incident.Actor{Kind: incident.ActorHospital, ID: "h1"})
	require.NoError(t, err)
	assert.Equal(t, incident.StatusResolved, inc.Status)
	require.NotNil(t, inc.ResponseTimes.Total)
	assert.Equal(t, 40*time.Minute, *inc.ResponseTimes.Total)
	assert.Equal(t, responder.Available, f.status(t, responder.KindAmbulance, "cardiac"))

	_, err = f.svc.ResolveIncident(ctx, id, "", incident.System)
	assert.ErrorIs(t, err, e.ErrInvalidState)

	_, err = f.svc.UpdateIncidentStatus(ctx, id, incident.StatusPending, incident.Actor{Kind: incident.ActorUser})
	assert.ErrorIs(t, err, e.ErrValidation)
}

func TestUnknownIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AcceptAssignment(ctx, "missing", incident.SlotVolunteer, "v1")
	assert.ErrorIs(t, err, e.ErrNotFound)
	_, err = f.svc.TrackingSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, e.ErrNotFound)
	_, err = f.svc.Offers(ctx, "missing")
	assert.ErrorIs(t, err, e.ErrNotFound)
}

func TestTrackingSnapshotAmbulanceLocation(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID

	snap, err := f.svc.TrackingSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap.AmbulanceLocation)
	assert.Equal(t, incident.StatusAmbulanceDispatched, snap.Status)
	assert.NotEmpty(t, snap.Timeline)

	pos := north(6)
	require.NoError(t, f.svc.UpdateResponderLocation(ctx, responder.KindAmbulance, "cardiac", pos))
	snap, err = f.svc.TrackingSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap.AmbulanceLocation)
	assert.Equal(t, pos, *snap.AmbulanceLocation)

	f.now = base.Add(6 * time.Minute)
	snap, err = f.svc.TrackingSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, snap.AmbulanceLocation)

	err = f.svc.UpdateResponderLocation(ctx, responder.KindHospital, "h1", pos)
	assert.ErrorIs(t, err, e.ErrValidation)
}

func TestDeliveryFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.sent.fail = true
	res := f.scenarioOne(t)
	assert.NotNil(t, res.Incident)
	assert.NotNil(t, res.Ambulance)
}

func TestReleaseResponder(t *testing.T) {
	f := newFixture(t)
	f.ambulance("a1", 1, responder.EquipmentBasic)
	ctx := context.Background()
	ok, err := f.store.Reserve(ctx, responder.KindAmbulance, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.ReleaseResponder(ctx, responder.KindAmbulance, "a1"))
	assert.Equal(t, responder.Available, f.status(t, responder.KindAmbulance, "a1"))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "store is required")
	assert.ErrorContains(t, err, "notifier is required")
	assert.ErrorContains(t, err, "ambulance_radius_km")

	store := storage.NewMemory()
	_, err = New(Deps{Store: store, Registry: store, Notifier: &recorder{}})
	require.Error(t, err)
	assert.ErrorContains(t, err, "offer_ttl_critical")

	cfg := testConfig()
	cfg.OfferTTLHigh = 0
	_, err = New(Deps{Store: store, Registry: store, Notifier: &recorder{}, Config: cfg})
	assert.ErrorContains(t, err, "offer_ttl_high")
}

func (f *fixture) lockCount() int {
	var n int
	f.svc.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestCloseOutDropsOffersAndLocks(t *testing.T) {
	for _, closeFn := range map[string]func(f *fixture, id string) error{
		"resolve": func(f *fixture, id string) error {
			_, err := f.svc.ResolveIncident(context.Background(), id, "treated on scene", incident.System)
			return err
		},
		"cancel": func(f *fixture, id string) error {
			_, err := f.svc.CancelIncident(context.Background(), id, "duplicate", incident.System)
			return err
		},
		"status": func(f *fixture, id string) error {
			_, err := f.svc.UpdateIncidentStatus(context.Background(), id, incident.StatusResolved, incident.System)
			return err
		},
	} {
		f := newFixture(t)
		res := f.scenarioOne(t)
		ctx := context.Background()
		id := res.Incident.ID

		_, err := f.svc.DeclineAssignment(ctx, id, incident.SlotVolunteer, "v2")
		require.NoError(t, err)
		require.Equal(t, 1, f.lockCount())
		require.Len(t, f.svc.board.List(id, f.now), 3)

		require.NoError(t, closeFn(f, id))
		assert.Empty(t, f.svc.board.List(id, f.now))
		assert.Zero(t, f.lockCount())

		list, err := f.svc.Offers(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, err = f.svc.AcceptAssignment(ctx, id, incident.SlotVolunteer, "v1")
		assert.ErrorIs(t, err, e.ErrInvalidState)
		_, err = f.svc.DeclineAssignment(ctx, id, incident.SlotVolunteer, "v1")
		assert.ErrorIs(t, err, e.ErrInvalidState)
		_, err = f.svc.CancelIncident(ctx, id, "again", incident.System)
		assert.ErrorIs(t, err, e.ErrInvalidState)
		_, err = f.svc.AcceptAssignment(ctx, "missing", incident.SlotVolunteer, "v1")
		assert.ErrorIs(t, err, e.ErrNotFound)
		assert.Zero(t, f.lockCount())
	}
}

func TestAmbulanceStatusWithoutAmbulance(t *testing.T) {
	f := newFixture(t)
	f.hospital("h1", 5, true)
	ctx := context.Background()

	res, err := f.svc.CreateIncident(ctx, criticalReport())
	require.NoError(t, err)
	require.Nil(t, res.Incident.Assignments.Ambulance)
	id := res.Incident.ID

	for _, s := range []incident.Status{incident.StatusAmbulanceDispatched, incident.StatusAmbulanceArrived} {
		_, err = f.svc.UpdateIncidentStatus(ctx, id, s, incident.User("operator"))
		assert.ErrorIs(t, err, e.ErrInvalidState, s)
	}

	stored, err := f.svc.GetIncident(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusPending, stored.Status)
	assert.Nil(t, stored.ResponseTimes.Dispatch)
	assert.Equal(t, int64(1), stored.Version)
}

func TestAssignAmbulanceReleasesOnRefusal(t *testing.T) {
	f := newFixture(t)
	f.ambulance("a1", 2, responder.EquipmentBasic)
	ctx := context.Background()

	inc, err := incident.New("inc-1", incident.Details{
		Type: triage.ReportSelf, Location: origin, Severity: triage.SeverityHigh,
	}, base)
	require.NoError(t, err)
	require.NoError(t, inc.AssignAmbulance(incident.Assignment{ResponderID: "a0"}, 4, incident.System, base))

	ok, err := f.store.Reserve(ctx, responder.KindAmbulance, "a1")
	require.NoError(t, err)
	require.True(t, ok)

	amb := &scoring.Ranked[responder.Ambulance]{}
	amb.Candidate = responder.Ambulance{ID: "a1", CallSign: "unit-a1"}
	amb.DistanceKm = 2
	amb.ETAMinutes = 3

	assert.False(t, f.svc.assignAmbulance(ctx, zerolog.Nop(), inc, amb, base))
	assert.Equal(t, "a0", inc.Assignments.Ambulance.ResponderID)
	assert.Equal(t, responder.Available, f.status(t, responder.KindAmbulance, "a1"))

	hosp := &scoring.Ranked[responder.Hospital]{}
	hosp.Candidate = responder.Hospital{ID: "h1"}
	require.NoError(t, inc.Cancel("test", incident.System, base))
	assert.False(t, f.svc.assignHospital(zerolog.Nop(), inc, hosp, base))
	assert.Nil(t, inc.Assignments.Hospital)
}

// racingStore lets another writer save the incident right before the next SaveIncident.
type racingStore struct {
	*storage.Memory
	races int
	other func(*incident.Incident)
}

func (r *racingStore) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	if r.races > 0 {
		r.races--
		competing, err := r.Memory.GetIncident(ctx, inc.ID)
		if err != nil {
			return err
		}
		if r.other != nil {
			r.other(competing)
		}
		if err := r.Memory.SaveIncident(ctx, competing); err != nil {
			return err
		}
	}
	return r.Memory.SaveIncident(ctx, inc)
}

func (f *fixture) withStore(t *testing.T, store Store) {
	t.Helper()
	svc, err := New(Deps{
		Store:    store,
		Registry: f.store,
		Notifier: f.sent,
		Offers:   f.svc.board,
		Config:   testConfig(),
		Clock:    func() time.Time { return f.now },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	f.svc = svc
}

func TestAcceptRetriesUnrelatedConflict(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID

	f.withStore(t, &racingStore{Memory: f.store, races: 1, other: func(inc *incident.Incident) {
		require.NoError(t, inc.Acknowledge(incident.SlotAmbulance, incident.Actor{Kind: incident.ActorAmbulance, ID: "cardiac"}, base))
	}})

	r, err := f.svc.AcceptAssignment(ctx, id, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.True(t, r.Accepted, r.Reason)

	stored, err := f.store.GetIncident(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Assignments.Volunteer)
	assert.Equal(t, "v1", stored.Assignments.Volunteer.ResponderID)
	assert.True(t, stored.Assignments.Ambulance.Acknowledged)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, responder.Busy, f.status(t, responder.KindVolunteer, "v1"))
}

func TestAcceptLosesToConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	res := f.scenarioOne(t)
	ctx := context.Background()
	id := res.Incident.ID

	f.withStore(t, &racingStore{Memory: f.store, races: 1, other: func(inc *incident.Incident) {
		require.NoError(t, inc.AssignVolunteer(incident.Assignment{ResponderID: "v2"}, 8, incident.Actor{Kind: incident.ActorVolunteer, ID: "v2"}, base))
	}})

	r, err := f.svc.AcceptAssignment(ctx, id, incident.SlotVolunteer, "v1")
	require.NoError(t, err)
	assert.False(t, r.Accepted)
	assert.Equal(t, ReasonSlotFilled, r.Reason)
	assert.Equal(t, responder.Available, f.status(t, responder.KindVolunteer, "v1"))

	f.withStore(t, &racingStore{Memory: f.store, races: 1, other: func(inc *incident.Incident) {
		require.NoError(t, inc.Cancel("elsewhere", incident.System, base))
	}})
	_, err = f.svc.AcceptAssignment(ctx, id, incident.SlotBloodDonor, "d-oneg")
	assert.ErrorIs(t, err, e.ErrInvalidState)
	assert.Equal(t, responder.Available, f.status(t, responder.KindDonor, "d-oneg"))
}
