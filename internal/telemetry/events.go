package telemetry

import (
	"time"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

// AuditEnvelope is the wire shape shipped to Kafka for every recorded
// security event. Flat fields keyed for downstream indexing.
type AuditEnvelope struct {
	Timestamp   time.Time           `json:"@timestamp"`
	EventID     string              `json:"event_id"`
	DeliveryID  string              `json:"delivery_id"`
	EventType   models.EventType    `json:"event_type"`
	Severity    models.Severity     `json:"severity"`
	Description string              `json:"description,omitempty"`
	Actor       models.ActorKind    `json:"actor"`
	ActorID     string              `json:"actor_id,omitempty"`
	Lat         *float64            `json:"lat,omitempty"`
	Lon         *float64            `json:"lon,omitempty"`
	DeviceInfo  string              `json:"device_info,omitempty"`
	IPAddress   string              `json:"ip_address,omitempty"`
	Payload     models.EventPayload `json:"payload,omitempty"`
}

// Envelope flattens a SecurityEvent for shipping.
func Envelope(e models.SecurityEvent) AuditEnvelope {
	env := AuditEnvelope{
		Timestamp:   e.Timestamp,
		EventID:     e.ID.String(),
		DeliveryID:  e.DeliveryID.String(),
		EventType:   e.Type,
		Severity:    e.Severity,
		Description: e.Description,
		Actor:       e.Actor,
		ActorID:     e.ActorID,
		DeviceInfo:  e.Client.DeviceInfo,
		IPAddress:   e.Client.IPAddress,
		Payload:     e.Payload,
	}
	if e.Coordinates != nil {
		lat, lon := e.Coordinates.Lat, e.Coordinates.Lon
		env.Lat, env.Lon = &lat, &lon
	}
	return env
}
