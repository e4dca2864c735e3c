package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

const earthRadiusMeters = 6371000

// GeofenceService validates courier positions against the expected delivery
// zone and records the outcome in the audit log.
type GeofenceService struct {
	zones      repository.GeofenceRepository
	deliveries repository.DeliveryRepository
	events     *EventService
	settings   *SettingsService
}

func NewGeofenceService(zones repository.GeofenceRepository, deliveries repository.DeliveryRepository, events *EventService, settings *SettingsService) *GeofenceService {
	return &GeofenceService{zones: zones, deliveries: deliveries, events: events, settings: settings}
}

// CheckResult is the outcome of a position check. Allowed reports whether the
// delivery confirmation may proceed; a non-strict breach is allowed but still
// recorded.
type CheckResult struct {
	Allowed        bool    `json:"allowed"`
	ZoneFound      bool    `json:"zone_found"`
	Breached       bool    `json:"breached"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	RadiusMeters   float64 `json:"radius_meters,omitempty"`
	StrictMode     bool    `json:"strict_mode"`
}

// CreateZone registers the expected boundary for a delivery. A non-positive
// radius falls back to the configured default.
func (s *GeofenceService) CreateZone(ctx context.Context, deliveryID uuid.UUID, lat, lon, radius float64, name string) (*models.GeofenceZone, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, errors.New("coordinates out of range")
	}
	if _, err := s.deliveries.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if radius <= 0 {
		radius = settings.GeofenceRadius
	}

	now := time.Now().UTC()
	zone := &models.GeofenceZone{
		ID:           uuid.New(),
		DeliveryID:   deliveryID,
		CenterLat:    lat,
		CenterLon:    lon,
		RadiusMeters: radius,
		Status:       models.ZoneActive,
		Name:         name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.zones.CreateZone(ctx, zone); err != nil {
		return nil, fmt.Errorf("create geofence zone: %w", err)
	}
	return zone, nil
}

// Check evaluates a courier position against the delivery's zone.
//
// With geofencing disabled every check passes without touching the log. With
// no zone on record the check passes unless strict mode is on, in which case
// an unverifiable position is treated as a breach. A position outside the
// zone is always recorded as a breach; strict mode decides whether it also
// blocks the confirmation.
func (s *GeofenceService) Check(ctx context.Context, deliveryID uuid.UUID, pos models.Coordinates, actor models.Principal, info models.ClientInfo) (*CheckResult, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.GeofencingEnabled {
		return &CheckResult{Allowed: true}, nil
	}
	result := &CheckResult{StrictMode: settings.GeofenceStrictMode}

	zone, err := s.zones.GetZoneByDelivery(ctx, deliveryID)
	if errors.Is(err, repository.ErrNotFound) {
		result.Allowed = !settings.GeofenceStrictMode
		// Either way the unverifiable position leaves a trace in the log.
		event := s.buildEvent(deliveryID, pos, actor, info, models.EventGeofenceSuccess, models.SeverityInfo,
			"position check skipped: no geofence zone on record", models.EventPayload{"reason": "zone_missing"})
		if !result.Allowed {
			event = s.buildEvent(deliveryID, pos, actor, info, models.EventUnauthorizedAccess, models.SeverityError,
				"position check rejected: no geofence zone on record", models.EventPayload{"reason": "zone_missing"})
		}
		if err := s.events.Record(ctx, event); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load geofence zone: %w", err)
	}

	result.ZoneFound = true
	result.RadiusMeters = zone.RadiusMeters
	result.DistanceMeters = HaversineMeters(zone.CenterLat, zone.CenterLon, pos.Lat, pos.Lon)

	if result.DistanceMeters <= zone.RadiusMeters {
		result.Allowed = true
		event := s.buildEvent(deliveryID, pos, actor, info, models.EventGeofenceSuccess, models.SeverityInfo,
			"courier position inside delivery zone", models.EventPayload{
				"distance_meters": result.DistanceMeters,
				"radius_meters":   zone.RadiusMeters,
			})
		if err := s.events.Record(ctx, event); err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Breached = true
	result.Allowed = !settings.GeofenceStrictMode

	// Critical so the breach fans out to the alerts topic when strict
	// mode is meant to block the confirmation.
	severity := models.SeverityWarning
	if settings.GeofenceStrictMode {
		severity = models.SeverityCritical
	}
	event := s.buildEvent(deliveryID, pos, actor, info, models.EventGeofenceBreach, severity,
		"courier position outside delivery zone", models.EventPayload{
			"distance_meters": result.DistanceMeters,
			"radius_meters":   zone.RadiusMeters,
			"strict_mode":     settings.GeofenceStrictMode,
		})
	if err := s.zones.MarkZoneBreached(ctx, zone.ID, event); err != nil {
		return nil, fmt.Errorf("record geofence breach: %w", err)
	}
	s.events.Mirror(event)
	logger.Warnf("geofence breach on delivery %s: %.0fm outside %.0fm zone",
		deliveryID, result.DistanceMeters-zone.RadiusMeters, zone.RadiusMeters)
	return result, nil
}

func (s *GeofenceService) buildEvent(deliveryID uuid.UUID, pos models.Coordinates, actor models.Principal, info models.ClientInfo, t models.EventType, sev models.Severity, desc string, payload models.EventPayload) models.SecurityEvent {
	actorKind := actor.Actor
	if actorKind == "" {
		actorKind = models.ActorCourier
	}
	return models.SecurityEvent{
		ID:          uuid.New(),
		DeliveryID:  deliveryID,
		Type:        t,
		Severity:    sev,
		Description: desc,
		Actor:       actorKind,
		ActorID:     actor.ID,
		Coordinates: &models.Coordinates{Lat: pos.Lat, Lon: pos.Lon},
		Client:      info,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// HaversineMeters is the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
