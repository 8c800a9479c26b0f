package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/dispatch/internal/config"
	"lifeline/dispatch/internal/dispatch"
	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/offers"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/internal/triage"
)

// Responders sit due north of the reporter at roughly 1, 3 and 5 km.
const testSeed = `
ambulances:
  - id: amb-1
    call_sign: Alpha 1
    location: {latitude: 48.8836, longitude: 2.3522}
    active: true
    verified: true
    status: available
    equipment: cardiac
hospitals:
  - id: hosp-1
    name: Saint Louis
    location: {latitude: 48.9016, longitude: 2.3522}
    active: true
    verified: true
    accepting_emergencies: true
    beds:
      icu: {total: 10, available: 3}
      emergency: {total: 30, available: 8}
    facilities: {oxygen: true, ventilators: true}
    specialists:
      - {specialty: emergency_medicine, available: true}
volunteers:
  - id: vol-1
    name: Camille
    location: {latitude: 48.8656, longitude: 2.3522}
    active: true
    status: available
    verification_status: verified
    certification: {verified: true, expires_at: "2099-01-01T00:00:00Z"}
    completed_missions: 4
    average_rating: 4.8
`

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o600))

	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("DB_SEED_FILE", seedPath)
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("NATS_ENABLED", "false")
	t.Setenv("KEYCLOAK_ENABLED", "false")
	cfg, err := config.Load()
	require.NoError(t, err)

	srv, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, srv.routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func criticalPayload() map[string]any {
	return map[string]any{
		"type":        "bystander",
		"reporter_id": "bystander-7",
		"location":    map[string]any{"latitude": 48.8566, "longitude": 2.3522},
		"address":     "Place de l'Hotel de Ville",
		"triage":      map[string]any{"conscious": false, "breathing": false, "heavy_bleeding": false},
	}
}

func createIncident(t *testing.T, h http.Handler) CreateIncidentResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/incidents", criticalPayload())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CreateIncidentResponse](t, rec)
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["storage"])
}

func TestHealthDegraded(t *testing.T) {
	srv, h := newTestServer(t)
	srv.checks["redis"] = pingFunc(func(context.Context) error { return assert.AnError })

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Checks["redis"])
}

func TestCreateIncident(t *testing.T) {
	_, h := newTestServer(t)

	res := createIncident(t, h)

	require.NotNil(t, res.Incident.Incident)
	assert.NotEmpty(t, res.Incident.ID)
	assert.Equal(t, "critical", string(res.Incident.Severity))
	require.NotNil(t, res.Ambulance)
	assert.Equal(t, "amb-1", res.Ambulance.ID)
	assert.Equal(t, "Alpha 1", res.Ambulance.Name)
	require.NotNil(t, res.Hospital)
	assert.Equal(t, "hosp-1", res.Hospital.ID)
	require.Len(t, res.Volunteers, 1)
	assert.Equal(t, "vol-1", res.Volunteers[0].RecipientID)
	assert.Equal(t, offers.OutcomePending, res.Volunteers[0].Outcome)
	assert.Empty(t, res.Donors)
	assert.True(t, res.Plan.NeedVolunteer)
}

func TestCreateIncidentValidation(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing location", func(p map[string]any) { delete(p, "location") }},
		{"latitude out of range", func(p map[string]any) {
			p["location"] = map[string]any{"latitude": 95.0, "longitude": 2.35}
		}},
		{"bystander without triage", func(p map[string]any) { delete(p, "triage") }},
		{"unknown report type", func(p map[string]any) { p["type"] = "drone" }},
		{"unknown field", func(p map[string]any) { p["priority"] = 1 }},
		{"bad blood type", func(p map[string]any) { p["patient"] = map[string]any{"blood_type": "C+"} }},
		{"bad contact email", func(p map[string]any) {
			p["contacts"] = []map[string]any{{"name": "Lea", "email": "not-an-email"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := criticalPayload()
			tt.mutate(payload)
			rec := do(t, h, http.MethodPost, "/v1/incidents", payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode[APIError](t, rec)
			assert.Equal(t, errInvalidPayload, body.Error)
		})
	}
}

func TestGetIncident(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)

	rec := do(t, h, http.MethodGet, "/v1/incidents/"+created.Incident.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[IncidentResponse](t, rec)
	assert.Equal(t, created.Incident.ID, got.ID)
	require.NotNil(t, got.Assignments.Ambulance)
	assert.Equal(t, "amb-1", got.Assignments.Ambulance.ResponderID)

	rec = do(t, h, http.MethodGet, "/v1/incidents/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/incidents/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidIncidentID, decode[APIError](t, rec).Error)
}

func TestTrackingShowsAmbulancePosition(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)

	rec := do(t, h, http.MethodPatch, "/v1/responders/ambulance/amb-1/location",
		map[string]any{"latitude": 48.87, "longitude": 2.3522})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/incidents/"+created.Incident.ID+"/tracking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[incident.Tracking](t, rec)
	assert.Equal(t, created.Incident.ID, snap.IncidentID)
	require.NotNil(t, snap.AmbulanceLocation)
	assert.InDelta(t, 48.87, snap.AmbulanceLocation.Latitude, 1e-9)
}

func TestUpdateResponderLocationRejects(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPatch, "/v1/responders/hospital/hosp-1/location",
		map[string]any{"latitude": 48.87, "longitude": 2.35})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, "/v1/responders/helicopter/h-1/location",
		map[string]any{"latitude": 48.87, "longitude": 2.35})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidKind, decode[APIError](t, rec).Error)

	rec = do(t, h, http.MethodPatch, "/v1/responders/volunteer/vol-1/location",
		map[string]any{"latitude": 48.87})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcceptVolunteerOffer(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)
	base := "/v1/incidents/" + created.Incident.ID

	rec := do(t, h, http.MethodPost, base+"/assignments/volunteer/accept", map[string]any{"candidate_id": "vol-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[dispatch.AcceptResult](t, rec).Accepted)

	rec = do(t, h, http.MethodPost, base+"/assignments/volunteer/accept", map[string]any{"candidate_id": "vol-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[dispatch.AcceptResult](t, rec)
	assert.False(t, second.Accepted)
	assert.NotEmpty(t, second.Reason)

	rec = do(t, h, http.MethodGet, base, nil)
	got := decode[IncidentResponse](t, rec)
	require.NotNil(t, got.Assignments.Volunteer)
	assert.Equal(t, "vol-1", got.Assignments.Volunteer.ResponderID)

	rec = do(t, h, http.MethodGet, base+"/offers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[OffersResponse](t, rec)
	require.Len(t, list.Offers, 1)
	assert.Equal(t, offers.OutcomeAccepted, list.Offers[0].Outcome)
}

func TestAcknowledgeAmbulance(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)
	base := "/v1/incidents/" + created.Incident.ID

	rec := do(t, h, http.MethodPost, base+"/assignments/ambulance/accept", map[string]any{"candidate_id": "amb-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[dispatch.AcceptResult](t, rec).Accepted)

	rec = do(t, h, http.MethodPost, base+"/assignments/ambulance/decline", map[string]any{"candidate_id": "amb-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, base+"/assignments/stretcher/accept", map[string]any{"candidate_id": "amb-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidSlot, decode[APIError](t, rec).Error)
}

func TestDeclineVolunteerOffer(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)
	base := "/v1/incidents/" + created.Incident.ID

	rec := do(t, h, http.MethodPost, base+"/assignments/volunteer/decline", map[string]any{"candidate_id": "vol-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, offers.OutcomeDeclined, decode[offers.Offer](t, rec).Outcome)

	rec = do(t, h, http.MethodPost, base+"/assignments/volunteer/decline", map[string]any{"candidate_id": "stranger"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusLifecycle(t *testing.T) {
	_, h := newTestServer(t)
	created := createIncident(t, h)
	base := "/v1/incidents/" + created.Incident.ID

	rec := do(t, h, http.MethodPatch, base+"/status", map[string]any{
		"status": "ambulance_arrived",
		"actor":  map[string]any{"kind": "ambulance", "id": "amb-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[IncidentResponse](t, rec)
	assert.Equal(t, incident.StatusAmbulanceArrived, got.Status)
	require.NotNil(t, got.ResponseTimes.ArrivalSeconds)

	rec = do(t, h, http.MethodPatch, base+"/status", map[string]any{"status": "reached_hospital"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPatch, base+"/status", map[string]any{"status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPatch, base+"/status", map[string]any{
		"status": "patient_picked_up",
		"actor":  map[string]any{"kind": "ambulance"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errInvalidActor, decode[APIError](t, rec).Error)

	rec = do(t, h, http.MethodPost, base+"/resolve", map[string]any{"outcome": "stabilised on scene"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[IncidentResponse](t, rec)
	assert.Equal(t, incident.StatusResolved, got.Status)
	assert.Equal(t, "stabilised on scene", got.Outcome)
	assert.NotNil(t, got.ResponseTimes.TotalSeconds)
}

func TestCancelIncidentReleasesAmbulance(t *testing.T) {
	_, h := newTestServer(t)
	first := createIncident(t, h)

	// the only ambulance is busy until the first incident closes
	second := createIncident(t, h)
	assert.Nil(t, second.Ambulance)
	assert.Contains(t, second.Unmatched, responder.KindAmbulance)

	rec := do(t, h, http.MethodPost, "/v1/incidents/"+first.Incident.ID+"/cancel", map[string]any{"reason": "false alarm"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[IncidentResponse](t, rec)
	assert.Equal(t, incident.StatusCancelled, got.Status)
	assert.Equal(t, "false alarm", got.CancelReason)

	rec = do(t, h, http.MethodPost, "/v1/incidents/"+first.Incident.ID+"/cancel", map[string]any{"reason": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	third := createIncident(t, h)
	require.NotNil(t, third.Ambulance)
	assert.Equal(t, "amb-1", third.Ambulance.ID)
}

func TestReleaseResponder(t *testing.T) {
	_, h := newTestServer(t)
	createIncident(t, h)

	rec := do(t, h, http.MethodPost, "/v1/responders/ambulance/amb-1/release", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	again := createIncident(t, h)
	require.NotNil(t, again.Ambulance)
	assert.Equal(t, "amb-1", again.Ambulance.ID)
}

func signToken(t *testing.T, secret []byte, claims UserClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestAuthMiddleware(t *testing.T) {
	secret := []byte("test-secret")
	issuer := "http://keycloak:8080/realms/lifeline"
	mw := newAuthMiddleware(func(*jwt.Token) (any, error) { return secret, nil },
		[]string{issuer}, "dispatcher", zerolog.Nop())

	var seen *UserClaims
	h := mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	claims := func(iss string, roles ...string) UserClaims {
		c := UserClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-42",
				Issuer:    iss,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			PreferredUsername: "operator",
		}
		c.RealmAccess.Roles = roles
		return c
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, secret, claims("http://evil/realms/x", "dispatcher")), http.StatusUnauthorized},
		{"missing role", "Bearer " + signToken(t, secret, claims(issuer, "viewer")), http.StatusForbidden},
		{"valid", "Bearer " + signToken(t, secret, claims(issuer, "dispatcher")), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "user-42", seen.Subject)
			}
		})
	}
}

func TestActorFromToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	actor, err := actorFor(req, nil)
	require.NoError(t, err)
	assert.Equal(t, incident.System, actor)

	claims := &UserClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"}}
	req = req.WithContext(context.WithValue(req.Context(), UserContextKey, claims))
	actor, err = actorFor(req, nil)
	require.NoError(t, err)
	assert.Equal(t, incident.User("user-42"), actor)

	actor, err = actorFor(req, &ActorRequest{Kind: "volunteer", ID: "vol-1"})
	require.NoError(t, err)
	assert.Equal(t, incident.ActorVolunteer, actor.Kind)
}

func TestWebsocketRequiresToken(t *testing.T) {
	secret := []byte("ws-secret")
	issuer := "http://keycloak:8080/realms/lifeline"
	srv, _ := newTestServer(t)
	srv.authMw = newAuthMiddleware(func(*jwt.Token) (any, error) { return secret, nil },
		[]string{issuer}, "", zerolog.Nop())
	srv.authMw.dispatcherRole = "dispatcher"
	h := srv.routes()

	token := func(subject string, roles ...string) string {
		c := UserClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		c.RealmAccess.Roles = roles
		return signToken(t, secret, c)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/incidents", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	res, err := srv.dispatch.CreateIncident(context.Background(), dispatch.Report{
		Type:       triage.ReportSelf,
		ReporterID: "patient-9",
		Location:   geo.Point{Latitude: 48.8566, Longitude: 2.3522},
	})
	require.NoError(t, err)
	room := "incident:" + res.Incident.ID

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	dial := func(query string) (*websocket.Conn, int) {
		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws?"+query, nil)
		if err != nil {
			require.NotNil(t, resp, err)
			return nil, resp.StatusCode
		}
		t.Cleanup(func() { conn.Close() })
		return conn, resp.StatusCode
	}

	_, code := dial("channel=" + room)
	assert.Equal(t, http.StatusUnauthorized, code)

	_, code = dial("channel=" + room + "&access_token=" + token("stranger"))
	assert.Equal(t, http.StatusForbidden, code)

	_, code = dial("channel=volunteer:vol-1&access_token=" + token("stranger"))
	assert.Equal(t, http.StatusForbidden, code)

	reporter, code := dial("channel=" + room + "&access_token=" + token("patient-9"))
	require.NotNil(t, reporter)
	assert.Equal(t, http.StatusSwitchingProtocols, code)

	volunteer, _ := dial("channel=volunteer:vol-1&access_token=" + token("vol-1"))
	require.NotNil(t, volunteer)
	require.NoError(t, volunteer.WriteJSON(map[string]string{"type": "subscribe", "channel": room}))
	require.NoError(t, volunteer.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]any
	require.NoError(t, volunteer.ReadJSON(&reply))
	assert.Equal(t, "error", reply["type"])

	dispatcher, _ := dial("channel=" + room + "&access_token=" + token("ops-1", "dispatcher"))
	require.NotNil(t, dispatcher)
	require.Eventually(t, func() bool { return srv.hub.Subscribers(room) == 2 }, time.Second, 10*time.Millisecond)
}
