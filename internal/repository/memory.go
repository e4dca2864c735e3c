package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

// MemoryStore is an in-memory implementation of all repository interfaces.
// Mutator callbacks run under the store lock so the read-mutate-write cycle
// is atomic, matching the row-lock semantics of the SQL store.
type MemoryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*models.Delivery
	secrets    map[uuid.UUID]*models.VerificationSecret
	zones      map[uuid.UUID]*models.GeofenceZone
	cases      map[uuid.UUID]*models.FraudCase
	events     []models.SecurityEvent
	settings   *models.SecuritySettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deliveries: make(map[uuid.UUID]*models.Delivery),
		secrets:    make(map[uuid.UUID]*models.VerificationSecret),
		zones:      make(map[uuid.UUID]*models.GeofenceZone),
		cases:      make(map[uuid.UUID]*models.FraudCase),
	}
}

// SeedDelivery registers a delivery row directly, bypassing any upstream
// intake flow.
func (m *MemoryStore) SeedDelivery(d models.Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.deliveries[d.ID] = &cp
}

func (m *MemoryStore) GetDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, deliveryID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return ErrNotFound
	}
	d.Status = models.DeliveryDelivered
	t := at
	d.DeliveredAt = &t
	return nil
}

func (m *MemoryStore) CreateSecret(ctx context.Context, sec *models.VerificationSecret, events []models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.secrets {
		if existing.DeliveryID == sec.DeliveryID && existing.Kind == sec.Kind && existing.Status == models.SecretPending {
			existing.Status = models.SecretCancelled
		}
	}
	cp := *sec
	m.secrets[sec.ID] = &cp
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) WithPendingSecret(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind, fn SecretMutator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *models.VerificationSecret
	for _, sec := range m.secrets {
		if sec.DeliveryID != deliveryID || sec.Kind != kind || sec.Status != models.SecretPending {
			continue
		}
		if target == nil || sec.GeneratedAt.After(target.GeneratedAt) {
			target = sec
		}
	}
	if target == nil {
		return ErrNoActiveSecret
	}

	cp := *target
	events, verdict := fn(&cp)
	*target = cp
	m.events = append(m.events, events...)
	return verdict
}

func (m *MemoryStore) ListSecrets(ctx context.Context, deliveryID uuid.UUID) ([]models.VerificationSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.VerificationSecret
	for _, sec := range m.secrets {
		if sec.DeliveryID == deliveryID {
			out = append(out, *sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.After(out[j].GeneratedAt) })
	return out, nil
}

func (m *MemoryStore) CreateZone(ctx context.Context, zone *models.GeofenceZone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *zone
	m.zones[zone.ID] = &cp
	return nil
}

func (m *MemoryStore) GetZoneByDelivery(ctx context.Context, deliveryID uuid.UUID) (*models.GeofenceZone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.GeofenceZone
	for _, z := range m.zones {
		if z.DeliveryID != deliveryID || z.Status == models.ZoneInactive {
			continue
		}
		if latest == nil || z.CreatedAt.After(latest.CreatedAt) {
			latest = z
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) MarkZoneBreached(ctx context.Context, zoneID uuid.UUID, event models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[zoneID]
	if !ok {
		return ErrNotFound
	}
	z.Status = models.ZoneBreached
	z.UpdatedAt = time.Now().UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, f EventFilter) ([]models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SecurityEvent
	for _, e := range m.events {
		if f.DeliveryID != nil && e.DeliveryID != *f.DeliveryID {
			continue
		}
		if f.Severity != nil && e.Severity != *f.Severity {
			continue
		}
		if f.Type != nil && e.Type != *f.Type {
			continue
		}
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Before != nil && !e.Timestamp.Before(*f.Before) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batchSize <= 0 {
		batchSize = 1000
	}
	var kept []models.SecurityEvent
	var deleted int64
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) && deleted < int64(batchSize) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *MemoryStore) CreateCase(ctx context.Context, c *models.FraudCase, events []models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cases[c.ID] = &cp
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) WithCase(ctx context.Context, caseID uuid.UUID, fn CaseMutator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return ErrNotFound
	}
	// The mutator owns UpdatedAt; a rejected transition leaves the case
	// exactly as it was.
	cp := *c
	events, verdict := fn(&cp)
	*c = cp
	m.events = append(m.events, events...)
	return verdict
}

func (m *MemoryStore) GetCase(ctx context.Context, caseID uuid.UUID) (*models.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListCasesByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]models.FraudCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FraudCase
	for _, c := range m.cases {
		if c.DeliveryID == deliveryID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) GetSettings(ctx context.Context) (*models.SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return nil, ErrNotFound
	}
	cp := *m.settings
	return &cp, nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, settings *models.SecuritySettings, event models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *settings
	m.settings = &cp
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) EnsureSettings(ctx context.Context, defaults models.SecuritySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		cp := defaults
		m.settings = &cp
	}
	return nil
}
