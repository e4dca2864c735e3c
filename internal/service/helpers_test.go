package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
)

// testEnv wires every service onto one in-memory store.
type testEnv struct {
	store    *repository.MemoryStore
	settings *SettingsService
	events   *EventService
	geofence *GeofenceService
	fraud    *FraudService
	secrets  *SecretService
	sink     *captureSink
}

// captureSink records mirrored events for assertions.
type captureSink struct {
	published []models.SecurityEvent
}

func (c *captureSink) Publish(e models.SecurityEvent) {
	c.published = append(c.published, e)
}

func newTestEnv(ctx context.Context) *testEnv {
	store := repository.NewMemoryStore()
	sink := &captureSink{}

	settings := NewSettingsService(store, nil, 50*time.Millisecond)
	if err := settings.Bootstrap(ctx, models.DefaultSettings()); err != nil {
		panic(err)
	}

	events := NewEventService(store, sink)
	geofence := NewGeofenceService(store, store, events, settings)
	fraud := NewFraudService(store, store, settings, events)
	secrets := NewSecretService(store, store, settings, events, nil, nil, time.Minute, 10)

	return &testEnv{
		store:    store,
		settings: settings,
		events:   events,
		geofence: geofence,
		fraud:    fraud,
		secrets:  secrets,
		sink:     sink,
	}
}

func (e *testEnv) seedDelivery() uuid.UUID {
	id := uuid.New()
	e.store.SeedDelivery(models.Delivery{
		ID:             id,
		TrackingNumber: "TRK-" + id.String()[:8],
		Status:         models.DeliveryInTransit,
	})
	return id
}

// updateSettings mutates the live settings through the service so caches stay
// coherent.
func (e *testEnv) updateSettings(ctx context.Context, mutate func(*models.SecuritySettings)) error {
	current, err := e.settings.Current(ctx)
	if err != nil {
		return err
	}
	mutate(current)
	admin := models.Principal{
		ID:           "admin",
		Actor:        models.ActorUser,
		Capabilities: []models.Capability{models.CapSettingsWrite},
	}
	_, err = e.settings.Update(ctx, admin, *current)
	return err
}

func listFilterByType(deliveryID uuid.UUID, t models.EventType) repository.EventFilter {
	return repository.EventFilter{DeliveryID: &deliveryID, Type: &t}
}

func courierPrincipal() models.Principal {
	return models.Principal{ID: "courier-7", Actor: models.ActorCourier}
}

func testClientInfo(device string) models.ClientInfo {
	return models.ClientInfo{DeviceInfo: device, IPAddress: "203.0.113.9", UserAgent: "courier-app/2.4"}
}
