package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrNoActiveSecret is returned by WithPendingSecret when the delivery
	// has no pending secret of the requested kind.
	ErrNoActiveSecret = errors.New("repository: no active secret")
)

// SecretMutator inspects and mutates a locked pending secret. The returned
// events are persisted in the same transaction as the secret mutation; the
// returned verdict error is handed back to the caller only after the
// transaction commits, so a failed audit write always wins over a business
// outcome (fail closed).
type SecretMutator func(sec *models.VerificationSecret) ([]models.SecurityEvent, error)

// CaseMutator is the fraud-case analogue of SecretMutator.
type CaseMutator func(c *models.FraudCase) ([]models.SecurityEvent, error)

// DeliveryRepository is the minimal view of the CRM's delivery records this
// service depends on.
type DeliveryRepository interface {
	GetDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.Delivery, error)
	MarkDelivered(ctx context.Context, deliveryID uuid.UUID, at time.Time) error
}

// SecretRepository owns VerificationSecret rows. Both mutating operations
// are single transactions so the invariants "at most one pending secret per
// (delivery, kind)" and "no observable partial verification state" hold
// under concurrent requests.
type SecretRepository interface {
	// CreateSecret cancels any pending secret of the same kind for the
	// delivery, inserts sec and appends events atomically.
	CreateSecret(ctx context.Context, sec *models.VerificationSecret, events []models.SecurityEvent) error

	// WithPendingSecret loads the pending secret for (delivery, kind) under
	// a row lock, invokes fn, and persists the mutated secret plus the
	// returned events in the same transaction.
	WithPendingSecret(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind, fn SecretMutator) error

	ListSecrets(ctx context.Context, deliveryID uuid.UUID) ([]models.VerificationSecret, error)
}

// GeofenceRepository owns GeofenceZone rows. Zones are historical records
// and are never deleted.
type GeofenceRepository interface {
	CreateZone(ctx context.Context, zone *models.GeofenceZone) error
	GetZoneByDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.GeofenceZone, error)
	// MarkZoneBreached flips the zone to breached and appends the breach
	// event in one transaction.
	MarkZoneBreached(ctx context.Context, zoneID uuid.UUID, event models.SecurityEvent) error
}

// EventFilter narrows a security-event listing. Before acts as the keyset
// cursor for pagination over the reverse-chronological order.
type EventFilter struct {
	DeliveryID *uuid.UUID
	Severity   *models.Severity
	Type       *models.EventType
	Since      *time.Time
	Before     *time.Time
	Limit      int
}

// EventRepository is the append-only audit log. There is no update path;
// deletion exists only for retention pruning outside the hot path.
type EventRepository interface {
	AppendEvent(ctx context.Context, e *models.SecurityEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]models.SecurityEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// FraudRepository owns FraudCase rows and their investigation transitions.
type FraudRepository interface {
	// CreateCase inserts the case and appends events atomically.
	CreateCase(ctx context.Context, c *models.FraudCase, events []models.SecurityEvent) error

	// WithCase loads the case under a row lock, invokes fn, and persists the
	// mutated case plus the returned events in the same transaction.
	WithCase(ctx context.Context, caseID uuid.UUID, fn CaseMutator) error

	GetCase(ctx context.Context, caseID uuid.UUID) (*models.FraudCase, error)
	ListCasesByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]models.FraudCase, error)
}

// SettingsRepository owns the security_settings singleton row.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (*models.SecuritySettings, error)
	// SaveSettings writes the singleton and appends the settings-changed
	// event in one transaction.
	SaveSettings(ctx context.Context, s *models.SecuritySettings, event models.SecurityEvent) error
	// EnsureSettings creates the singleton with defaults when missing.
	EnsureSettings(ctx context.Context, defaults models.SecuritySettings) error
}
