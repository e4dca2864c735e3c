package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

// PostgresStore implements every repository interface on a shared *sql.DB.
// It works against PostgreSQL and CockroachDB (lib/pq driver).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is applied at startup. Events carry their structured payloads as
// jsonb; verification secrets store only the code hash.
const Schema = `
CREATE TABLE IF NOT EXISTS deliveries (
    id UUID PRIMARY KEY,
    tracking_number TEXT UNIQUE NOT NULL,
    status TEXT NOT NULL DEFAULT 'in_transit',
    delivered_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS verification_secrets (
    id UUID PRIMARY KEY,
    delivery_id UUID NOT NULL REFERENCES deliveries(id),
    kind TEXT NOT NULL,
    code_hash TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    phone_hash TEXT NOT NULL DEFAULT '',
    email_hash TEXT NOT NULL DEFAULT '',
    generated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    verified_at TIMESTAMPTZ,
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    last_attempt_at TIMESTAMPTZ,
    suspicious BOOLEAN NOT NULL DEFAULT FALSE,
    sent_via_sms BOOLEAN NOT NULL DEFAULT FALSE,
    sent_via_email BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_secrets_delivery_kind_status
    ON verification_secrets (delivery_id, kind, status);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_secrets_pending
    ON verification_secrets (delivery_id, kind) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS geofence_zones (
    id UUID PRIMARY KEY,
    delivery_id UUID NOT NULL REFERENCES deliveries(id),
    center_lat DOUBLE PRECISION NOT NULL,
    center_lon DOUBLE PRECISION NOT NULL,
    radius_meters DOUBLE PRECISION NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_zones_delivery ON geofence_zones (delivery_id);

CREATE TABLE IF NOT EXISTS security_events (
    id UUID PRIMARY KEY,
    delivery_id UUID NOT NULL,
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT 'system',
    actor_id TEXT NOT NULL DEFAULT '',
    lat DOUBLE PRECISION,
    lon DOUBLE PRECISION,
    client jsonb NOT NULL DEFAULT '{}',
    payload jsonb NOT NULL DEFAULT '{}',
    event_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_delivery_time
    ON security_events (delivery_id, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_events_time ON security_events (event_time);

CREATE TABLE IF NOT EXISTS fraud_cases (
    id UUID PRIMARY KEY,
    delivery_id UUID NOT NULL,
    fraud_type TEXT NOT NULL,
    risk_level TEXT NOT NULL,
    confidence_score DOUBLE PRECISION NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    evidence jsonb NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'detected',
    investigator TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT '',
    detected_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fraud_delivery ON fraud_cases (delivery_id);

CREATE TABLE IF NOT EXISTS security_settings (
    singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
    body jsonb NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables when they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// --- deliveries ---

func (s *PostgresStore) GetDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.Delivery, error) {
	const q = `SELECT id, tracking_number, status, delivered_at FROM deliveries WHERE id = $1`
	var d models.Delivery
	err := s.db.QueryRowContext(ctx, q, deliveryID).Scan(&d.ID, &d.TrackingNumber, &d.Status, &d.DeliveredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, deliveryID uuid.UUID, at time.Time) error {
	const q = `UPDATE deliveries SET status = 'delivered', delivered_at = $2 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, deliveryID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- verification secrets ---

func (s *PostgresStore) CreateSecret(ctx context.Context, sec *models.VerificationSecret, events []models.SecurityEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Issuance for one delivery is serialized on its delivery row.
		// Without the lock two concurrent issues each run the cancel UPDATE
		// against a snapshot that cannot see the other's uncommitted insert
		// and both rows end up pending. uniq_secrets_pending backstops this.
		var locked uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM deliveries WHERE id = $1 FOR UPDATE`, sec.DeliveryID,
		).Scan(&locked)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		const cancel = `
UPDATE verification_secrets SET status = 'cancelled'
WHERE delivery_id = $1 AND kind = $2 AND status = 'pending'`
		if _, err := tx.ExecContext(ctx, cancel, sec.DeliveryID, sec.Kind); err != nil {
			return fmt.Errorf("cancel prior pending secret: %w", err)
		}

		const ins = `
INSERT INTO verification_secrets
    (id, delivery_id, kind, code_hash, status, phone_hash, email_hash,
     generated_at, expires_at, attempts, max_attempts, suspicious,
     sent_via_sms, sent_via_email)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
		if _, err := tx.ExecContext(ctx, ins,
			sec.ID, sec.DeliveryID, sec.Kind, sec.CodeHash, sec.Status,
			sec.PhoneHash, sec.EmailHash, sec.GeneratedAt, sec.ExpiresAt,
			sec.Attempts, sec.MaxAttempts, sec.Suspicious,
			sec.SentViaSMS, sec.SentViaEmail,
		); err != nil {
			return fmt.Errorf("insert secret: %w", err)
		}

		return insertEventsTx(ctx, tx, events)
	})
}

func (s *PostgresStore) WithPendingSecret(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind, fn SecretMutator) error {
	var verdict error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
SELECT id, delivery_id, kind, code_hash, status, phone_hash, email_hash,
       generated_at, expires_at, verified_at, attempts, max_attempts,
       last_attempt_at, suspicious, sent_via_sms, sent_via_email
FROM verification_secrets
WHERE delivery_id = $1 AND kind = $2 AND status = 'pending'
ORDER BY generated_at DESC
LIMIT 1
FOR UPDATE`
		var sec models.VerificationSecret
		err := tx.QueryRowContext(ctx, q, deliveryID, kind).Scan(
			&sec.ID, &sec.DeliveryID, &sec.Kind, &sec.CodeHash, &sec.Status,
			&sec.PhoneHash, &sec.EmailHash, &sec.GeneratedAt, &sec.ExpiresAt,
			&sec.VerifiedAt, &sec.Attempts, &sec.MaxAttempts, &sec.LastAttemptAt,
			&sec.Suspicious, &sec.SentViaSMS, &sec.SentViaEmail,
		)
		if err == sql.ErrNoRows {
			return ErrNoActiveSecret
		}
		if err != nil {
			return err
		}

		events, ferr := fn(&sec)
		verdict = ferr

		const upd = `
UPDATE verification_secrets
SET status = $2, verified_at = $3, attempts = $4, last_attempt_at = $5, suspicious = $6
WHERE id = $1`
		if _, err := tx.ExecContext(ctx, upd,
			sec.ID, sec.Status, sec.VerifiedAt, sec.Attempts, sec.LastAttemptAt, sec.Suspicious,
		); err != nil {
			return fmt.Errorf("update secret: %w", err)
		}

		return insertEventsTx(ctx, tx, events)
	})
	if err != nil {
		return err
	}
	return verdict
}

func (s *PostgresStore) ListSecrets(ctx context.Context, deliveryID uuid.UUID) ([]models.VerificationSecret, error) {
	const q = `
SELECT id, delivery_id, kind, code_hash, status, phone_hash, email_hash,
       generated_at, expires_at, verified_at, attempts, max_attempts,
       last_attempt_at, suspicious, sent_via_sms, sent_via_email
FROM verification_secrets
WHERE delivery_id = $1
ORDER BY generated_at DESC`
	rows, err := s.db.QueryContext(ctx, q, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VerificationSecret
	for rows.Next() {
		var sec models.VerificationSecret
		if err := rows.Scan(
			&sec.ID, &sec.DeliveryID, &sec.Kind, &sec.CodeHash, &sec.Status,
			&sec.PhoneHash, &sec.EmailHash, &sec.GeneratedAt, &sec.ExpiresAt,
			&sec.VerifiedAt, &sec.Attempts, &sec.MaxAttempts, &sec.LastAttemptAt,
			&sec.Suspicious, &sec.SentViaSMS, &sec.SentViaEmail,
		); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// --- geofence zones ---

func (s *PostgresStore) CreateZone(ctx context.Context, zone *models.GeofenceZone) error {
	const q = `
INSERT INTO geofence_zones
    (id, delivery_id, center_lat, center_lon, radius_meters, status, name, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.ExecContext(ctx, q,
		zone.ID, zone.DeliveryID, zone.CenterLat, zone.CenterLon,
		zone.RadiusMeters, zone.Status, zone.Name, zone.CreatedAt, zone.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetZoneByDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.GeofenceZone, error) {
	const q = `
SELECT id, delivery_id, center_lat, center_lon, radius_meters, status, name, created_at, updated_at
FROM geofence_zones
WHERE delivery_id = $1 AND status <> 'inactive'
ORDER BY created_at DESC
LIMIT 1`
	var z models.GeofenceZone
	err := s.db.QueryRowContext(ctx, q, deliveryID).Scan(
		&z.ID, &z.DeliveryID, &z.CenterLat, &z.CenterLon,
		&z.RadiusMeters, &z.Status, &z.Name, &z.CreatedAt, &z.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (s *PostgresStore) MarkZoneBreached(ctx context.Context, zoneID uuid.UUID, event models.SecurityEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `UPDATE geofence_zones SET status = 'breached', updated_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, zoneID, time.Now().UTC()); err != nil {
			return err
		}
		return insertEventsTx(ctx, tx, []models.SecurityEvent{event})
	})
}

// --- security events ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *models.SecurityEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEventsTx(ctx, tx, []models.SecurityEvent{*e})
	})
}

func (s *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]models.SecurityEvent, error) {
	q := `
SELECT id, delivery_id, event_type, severity, description, actor, actor_id,
       lat, lon, client, payload, event_time
FROM security_events
WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.DeliveryID != nil {
		add("delivery_id =", *f.DeliveryID)
	}
	if f.Severity != nil {
		add("severity =", *f.Severity)
	}
	if f.Type != nil {
		add("event_type =", *f.Type)
	}
	if f.Since != nil {
		add("event_time >=", *f.Since)
	}
	if f.Before != nil {
		add("event_time <", *f.Before)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY event_time DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SecurityEvent
	for rows.Next() {
		var (
			e        models.SecurityEvent
			lat, lon sql.NullFloat64
			client   []byte
			payload  []byte
		)
		if err := rows.Scan(
			&e.ID, &e.DeliveryID, &e.Type, &e.Severity, &e.Description,
			&e.Actor, &e.ActorID, &lat, &lon, &client, &payload, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			e.Coordinates = &models.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
		}
		if len(client) > 0 {
			_ = json.Unmarshal(client, &e.Client)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	const q = `
DELETE FROM security_events
WHERE id IN (
    SELECT id FROM security_events WHERE event_time < $1 LIMIT $2
)`
	res, err := s.db.ExecContext(ctx, q, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- fraud cases ---

func (s *PostgresStore) CreateCase(ctx context.Context, c *models.FraudCase, events []models.SecurityEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		evidence, err := json.Marshal(c.Evidence)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO fraud_cases
    (id, delivery_id, fraud_type, risk_level, confidence_score, description,
     evidence, status, investigator, resolution_notes, detected_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
		if _, err := tx.ExecContext(ctx, q,
			c.ID, c.DeliveryID, c.Type, c.RiskLevel, c.ConfidenceScore, c.Description,
			evidence, c.Status, c.Investigator, c.ResolutionNotes, c.DetectedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert fraud case: %w", err)
		}
		return insertEventsTx(ctx, tx, events)
	})
}

func (s *PostgresStore) WithCase(ctx context.Context, caseID uuid.UUID, fn CaseMutator) error {
	var verdict error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const q = `
SELECT id, delivery_id, fraud_type, risk_level, confidence_score, description,
       evidence, status, investigator, resolution_notes, detected_at, updated_at
FROM fraud_cases
WHERE id = $1
FOR UPDATE`
		var (
			c        models.FraudCase
			evidence []byte
		)
		err := tx.QueryRowContext(ctx, q, caseID).Scan(
			&c.ID, &c.DeliveryID, &c.Type, &c.RiskLevel, &c.ConfidenceScore, &c.Description,
			&evidence, &c.Status, &c.Investigator, &c.ResolutionNotes, &c.DetectedAt, &c.UpdatedAt,
		)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &c.Evidence)
		}

		events, ferr := fn(&c)
		verdict = ferr

		const upd = `
UPDATE fraud_cases
SET status = $2, investigator = $3, resolution_notes = $4, updated_at = $5
WHERE id = $1`
		if _, err := tx.ExecContext(ctx, upd,
			c.ID, c.Status, c.Investigator, c.ResolutionNotes, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update fraud case: %w", err)
		}
		return insertEventsTx(ctx, tx, events)
	})
	if err != nil {
		return err
	}
	return verdict
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID uuid.UUID) (*models.FraudCase, error) {
	const q = `
SELECT id, delivery_id, fraud_type, risk_level, confidence_score, description,
       evidence, status, investigator, resolution_notes, detected_at, updated_at
FROM fraud_cases
WHERE id = $1`
	var (
		c        models.FraudCase
		evidence []byte
	)
	err := s.db.QueryRowContext(ctx, q, caseID).Scan(
		&c.ID, &c.DeliveryID, &c.Type, &c.RiskLevel, &c.ConfidenceScore, &c.Description,
		&evidence, &c.Status, &c.Investigator, &c.ResolutionNotes, &c.DetectedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &c.Evidence)
	}
	return &c, nil
}

func (s *PostgresStore) ListCasesByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]models.FraudCase, error) {
	const q = `
SELECT id, delivery_id, fraud_type, risk_level, confidence_score, description,
       evidence, status, investigator, resolution_notes, detected_at, updated_at
FROM fraud_cases
WHERE delivery_id = $1
ORDER BY detected_at DESC`
	rows, err := s.db.QueryContext(ctx, q, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FraudCase
	for rows.Next() {
		var (
			c        models.FraudCase
			evidence []byte
		)
		if err := rows.Scan(
			&c.ID, &c.DeliveryID, &c.Type, &c.RiskLevel, &c.ConfidenceScore, &c.Description,
			&evidence, &c.Status, &c.Investigator, &c.ResolutionNotes, &c.DetectedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &c.Evidence)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*models.SecuritySettings, error) {
	const q = `SELECT body FROM security_settings WHERE singleton`
	var body []byte
	err := s.db.QueryRowContext(ctx, q).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var settings models.SecuritySettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings *models.SecuritySettings, event models.SecurityEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		body, err := json.Marshal(settings)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO security_settings (singleton, body, updated_at)
VALUES (TRUE, $1, $2)
ON CONFLICT (singleton) DO UPDATE SET body = $1, updated_at = $2`
		if _, err := tx.ExecContext(ctx, q, body, settings.UpdatedAt); err != nil {
			return err
		}
		return insertEventsTx(ctx, tx, []models.SecurityEvent{event})
	})
}

func (s *PostgresStore) EnsureSettings(ctx context.Context, defaults models.SecuritySettings) error {
	body, err := json.Marshal(&defaults)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO security_settings (singleton, body, updated_at)
VALUES (TRUE, $1, $2)
ON CONFLICT (singleton) DO NOTHING`
	_, err = s.db.ExecContext(ctx, q, body, time.Now().UTC())
	return err
}

// --- helpers ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertEventsTx(ctx context.Context, tx *sql.Tx, events []models.SecurityEvent) error {
	const q = `
INSERT INTO security_events
    (id, delivery_id, event_type, severity, description, actor, actor_id,
     lat, lon, client, payload, event_time)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	for _, e := range events {
		var lat, lon sql.NullFloat64
		if e.Coordinates != nil {
			lat = sql.NullFloat64{Float64: e.Coordinates.Lat, Valid: true}
			lon = sql.NullFloat64{Float64: e.Coordinates.Lon, Valid: true}
		}
		client, err := json.Marshal(e.Client)
		if err != nil {
			return err
		}
		payload := []byte(`{}`)
		if e.Payload != nil {
			if payload, err = json.Marshal(e.Payload); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, q,
			e.ID, e.DeliveryID, e.Type, e.Severity, e.Description,
			e.Actor, e.ActorID, lat, lon, client, payload, e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert security event: %w", err)
		}
	}
	return nil
}
