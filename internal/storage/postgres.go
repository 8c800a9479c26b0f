package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/incident"
	"lifeline/dispatch/internal/responder"
	"lifeline/dispatch/pkg/e"
)

// Postgres reads registries with a PostGIS radius prefilter and keeps incidents as
// versioned JSONB documents.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// withinRadius renders the ST_DWithin prefilter; a non-positive radius disables it.
const withinRadius = `($3::float8 <= 0 OR ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3::float8 * 1000))`

func (p *Postgres) Ambulances(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Ambulance, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, call_sign, latitude, longitude, active, verified, status, equipment,
		       COALESCE(hospital_id, ''), driver_name, phone
		FROM ambulances
		WHERE `+withinRadius,
		origin.Latitude, origin.Longitude, radiusKm)
	if err != nil {
		return nil, e.WrapError("list ambulances", err)
	}
	defer rows.Close()

	var out []responder.Ambulance
	for rows.Next() {
		var a responder.Ambulance
		if err := rows.Scan(&a.ID, &a.CallSign, &a.Location.Latitude, &a.Location.Longitude, &a.Active, &a.Verified,
			&a.Status, &a.Equipment, &a.HospitalID, &a.DriverName, &a.Phone); err != nil {
			return nil, e.WrapError("scan ambulance", err)
		}
		out = append(out, a)
	}
	return out, e.WrapError("list ambulances", rows.Err())
}

func (p *Postgres) Hospitals(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Hospital, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, latitude, longitude, active, verified, accepting_emergencies,
		       beds, facilities, specialists, email
		FROM hospitals
		WHERE `+withinRadius,
		origin.Latitude, origin.Longitude, radiusKm)
	if err != nil {
		return nil, e.WrapError("list hospitals", err)
	}
	defer rows.Close()

	var out []responder.Hospital
	for rows.Next() {
		var (
			h                             responder.Hospital
			beds, facilities, specialists []byte
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Location.Latitude, &h.Location.Longitude, &h.Active, &h.Verified,
			&h.AcceptingEmergencies, &beds, &facilities, &specialists, &h.Email); err != nil {
			return nil, e.WrapError("scan hospital", err)
		}
		if err := decodeJSON(beds, &h.Beds); err != nil {
			return nil, fmt.Errorf("hospital %s beds: %w", h.ID, err)
		}
		if err := decodeJSON(facilities, &h.Facilities); err != nil {
			return nil, fmt.Errorf("hospital %s facilities: %w", h.ID, err)
		}
		if err := decodeJSON(specialists, &h.Specialists); err != nil {
			return nil, fmt.Errorf("hospital %s specialists: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, e.WrapError("list hospitals", rows.Err())
}

func (p *Postgres) Volunteers(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Volunteer, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, latitude, longitude, active, status, verification_status,
		       cert_verified, cert_expires_at, completed_missions, average_rating, phone
		FROM volunteers
		WHERE `+withinRadius,
		origin.Latitude, origin.Longitude, radiusKm)
	if err != nil {
		return nil, e.WrapError("list volunteers", err)
	}
	defer rows.Close()

	var out []responder.Volunteer
	for rows.Next() {
		var (
			v       responder.Volunteer
			expires *time.Time
		)
		if err := rows.Scan(&v.ID, &v.Name, &v.Location.Latitude, &v.Location.Longitude, &v.Active, &v.Status,
			&v.VerificationStatus, &v.Certification.Verified, &expires, &v.CompletedMissions, &v.AverageRating, &v.Phone); err != nil {
			return nil, e.WrapError("scan volunteer", err)
		}
		if expires != nil {
			v.Certification.ExpiresAt = *expires
		}
		out = append(out, v)
	}
	return out, e.WrapError("list volunteers", rows.Err())
}

func (p *Postgres) Donors(ctx context.Context, origin geo.Point, radiusKm float64) ([]responder.Donor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, latitude, longitude, active, verified, status, blood_type,
		       last_donation, health_eligible, completed_donations, phone
		FROM donors
		WHERE `+withinRadius,
		origin.Latitude, origin.Longitude, radiusKm)
	if err != nil {
		return nil, e.WrapError("list donors", err)
	}
	defer rows.Close()

	var out []responder.Donor
	for rows.Next() {
		var d responder.Donor
		if err := rows.Scan(&d.ID, &d.Name, &d.Location.Latitude, &d.Location.Longitude, &d.Active, &d.Verified, &d.Status,
			&d.BloodType, &d.LastDonation, &d.HealthEligible, &d.CompletedDonations, &d.Phone); err != nil {
			return nil, e.WrapError("scan donor", err)
		}
		out = append(out, d)
	}
	return out, e.WrapError("list donors", rows.Err())
}

// Reserve flips a responder from available to busy. It reports false when the responder
// is no longer available. Hospitals have no availability flag and are always reservable.
func (p *Postgres) Reserve(ctx context.Context, kind responder.Kind, id string) (bool, error) {
	table, ok, err := reservable(kind)
	if err != nil || !ok {
		return err == nil, err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'busy', updated_at = now() WHERE id = $1 AND status = 'available'`, id)
	if err != nil {
		return false, e.WrapError("reserve "+string(kind), err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release makes a busy responder available again.
func (p *Postgres) Release(ctx context.Context, kind responder.Kind, id string) error {
	table, ok, err := reservable(kind)
	if err != nil || !ok {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`UPDATE `+table+` SET status = 'available', updated_at = now() WHERE id = $1 AND status = 'busy'`, id)
	return e.WrapError("release "+string(kind), err)
}

func (p *Postgres) CreateIncident(ctx context.Context, inc *incident.Incident) error {
	inc.Version = 1
	doc, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident %s: %w", inc.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO incidents (id, status, severity, document, version, reported_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)`,
		inc.ID, inc.Status, inc.Severity, doc, inc.ReportedAt, inc.UpdatedAt)
	if err != nil {
		inc.Version = 0
		return e.WrapError("create incident", err)
	}
	return nil
}

func (p *Postgres) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	var (
		doc     []byte
		version int64
	)
	err := p.pool.QueryRow(ctx, `SELECT document, version FROM incidents WHERE id = $1`, id).Scan(&doc, &version)
	if err != nil {
		return nil, e.WrapError("get incident "+id, err)
	}
	var inc incident.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}
	inc.Version = version
	return &inc, nil
}

// SaveIncident writes the document iff the stored version still matches; a lost race
// yields ErrConflict.
func (p *Postgres) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	next := inc.Version + 1
	stored := *inc
	stored.Version = next
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode incident %s: %w", inc.ID, err)
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE incidents
		SET status = $2, severity = $3, document = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $7`,
		inc.ID, inc.Status, inc.Severity, doc, next, inc.UpdatedAt, inc.Version)
	if err != nil {
		return e.WrapError("save incident", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, inc.ID).Scan(&exists); err != nil {
			return e.WrapError("save incident", err)
		}
		if !exists {
			return fmt.Errorf("incident %s: %w", inc.ID, e.ErrNotFound)
		}
		return fmt.Errorf("incident %s version %d is stale: %w", inc.ID, inc.Version, e.ErrConflict)
	}
	inc.Version = next
	return nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
