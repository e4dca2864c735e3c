package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

var ErrBadTransition = errors.New("investigation state transition not allowed")

// Courier movement above this speed between two recorded positions is not
// physically plausible for ground delivery.
const maxPlausibleSpeedKMH = 150.0

// FraudService scores the audit trail of a delivery and opens cases when the
// combined score crosses the alert threshold.
type FraudService struct {
	cases    repository.FraudRepository
	zones    repository.GeofenceRepository
	settings *SettingsService
	events   *EventService
}

func NewFraudService(cases repository.FraudRepository, zones repository.GeofenceRepository, settings *SettingsService, events *EventService) *FraudService {
	return &FraudService{cases: cases, zones: zones, settings: settings, events: events}
}

// Finding is one scored fraud category.
type Finding struct {
	Type        models.FraudType    `json:"type"`
	Score       float64             `json:"score"`
	Description string              `json:"description"`
	Evidence    models.EventPayload `json:"evidence"`
}

// Analysis is the result of scoring one delivery.
type Analysis struct {
	DeliveryID    uuid.UUID          `json:"delivery_id"`
	CombinedScore float64            `json:"combined_score"`
	RiskLevel     models.RiskLevel   `json:"risk_level"`
	Findings      []Finding          `json:"findings"`
	Cases         []models.FraudCase `json:"cases,omitempty"`
}

// Analyze scores the delivery's event history. When the combined score
// reaches the alert threshold, one case opens per contributing category
// (skipping categories that already have an open case) and a fraud_alert
// event is recorded.
func (s *FraudService) Analyze(ctx context.Context, deliveryID uuid.UUID) (*Analysis, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.FraudEnabled {
		return &Analysis{DeliveryID: deliveryID, RiskLevel: models.RiskLow}, nil
	}

	events, err := s.events.List(ctx, repository.EventFilter{DeliveryID: &deliveryID, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("load events for scoring: %w", err)
	}
	zone, err := s.zones.GetZoneByDelivery(ctx, deliveryID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load zone for scoring: %w", err)
	}

	findings, combined := ScoreEvents(events, zone)
	analysis := &Analysis{
		DeliveryID:    deliveryID,
		CombinedScore: combined,
		RiskLevel:     models.RiskLevelForScore(combined, settings.RiskMediumAt, settings.RiskHighAt),
		Findings:      findings,
	}
	if combined < settings.FraudThreshold {
		return analysis, nil
	}

	existing, err := s.cases.ListCasesByDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("load existing cases: %w", err)
	}
	open := make(map[models.FraudType]bool)
	for _, c := range existing {
		if c.Status == models.CaseDetected || c.Status == models.CaseUnderInvestigation {
			open[c.Type] = true
		}
	}

	now := time.Now().UTC()
	alerted := false
	for _, f := range findings {
		if f.Score <= 0 || open[f.Type] {
			continue
		}
		c := models.FraudCase{
			ID:              uuid.New(),
			DeliveryID:      deliveryID,
			Type:            f.Type,
			RiskLevel:       analysis.RiskLevel,
			ConfidenceScore: combined,
			Description:     f.Description,
			Evidence:        f.Evidence,
			Status:          models.CaseDetected,
			DetectedAt:      now,
			UpdatedAt:       now,
		}
		var caseEvents []models.SecurityEvent
		if !alerted {
			caseEvents = append(caseEvents, models.SecurityEvent{
				ID:          uuid.New(),
				DeliveryID:  deliveryID,
				Type:        models.EventFraudAlert,
				Severity:    models.SeverityCritical,
				Description: fmt.Sprintf("fraud score %.0f crossed alert threshold %.0f", combined, settings.FraudThreshold),
				Actor:       models.ActorSystem,
				Payload: models.EventPayload{
					"combined_score": combined,
					"risk_level":     analysis.RiskLevel,
					"categories":     contributingTypes(findings),
				},
				Timestamp: now,
			})
			alerted = true
		}
		if err := s.cases.CreateCase(ctx, &c, caseEvents); err != nil {
			return nil, fmt.Errorf("open fraud case: %w", err)
		}
		s.events.Mirror(caseEvents...)
		analysis.Cases = append(analysis.Cases, c)
		logger.Warnf("fraud case %s opened on delivery %s (%s, score %.0f)", c.ID, deliveryID, c.Type, combined)
	}
	return analysis, nil
}

// Investigate moves a case through the investigation state machine. Moving a
// case forward requires the investigate capability; revisiting a closed case
// requires the override capability.
func (s *FraudService) Investigate(ctx context.Context, p models.Principal, caseID uuid.UUID, next models.CaseStatus, notes string) (*models.FraudCase, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("unknown case status %q", next)
	}
	if !p.Can(models.CapFraudInvestigate) {
		return nil, ErrPermissionDenied
	}

	var updated models.FraudCase
	var mirrored []models.SecurityEvent
	err := s.cases.WithCase(ctx, caseID, func(c *models.FraudCase) ([]models.SecurityEvent, error) {
		if !c.Status.CanTransition(next) {
			if !p.Can(models.CapFraudOverride) {
				return nil, ErrBadTransition
			}
		}
		prev := c.Status
		c.Status = next
		c.Investigator = p.ID
		if notes != "" {
			c.ResolutionNotes = notes
		}
		c.UpdatedAt = time.Now().UTC()
		updated = *c

		mirrored = []models.SecurityEvent{{
			ID:          uuid.New(),
			DeliveryID:  c.DeliveryID,
			Type:        models.EventInvestigationUpdate,
			Severity:    models.SeverityInfo,
			Description: fmt.Sprintf("fraud case moved %s -> %s", prev, next),
			Actor:       actorOrSystem(p),
			ActorID:     p.ID,
			Payload: models.EventPayload{
				"case_id": c.ID,
				"from":    prev,
				"to":      next,
			},
			Timestamp: c.UpdatedAt,
		}}
		return mirrored, nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Mirror(mirrored...)
	return &updated, nil
}

func (s *FraudService) GetCase(ctx context.Context, caseID uuid.UUID) (*models.FraudCase, error) {
	return s.cases.GetCase(ctx, caseID)
}

func (s *FraudService) CasesForDelivery(ctx context.Context, deliveryID uuid.UUID) ([]models.FraudCase, error) {
	return s.cases.ListCasesByDelivery(ctx, deliveryID)
}

// ScoreEvents runs every fraud rule over the delivery's audit trail and
// returns the per-category findings plus the combined score. Pure and
// deterministic: same events and zone, same result.
func ScoreEvents(events []models.SecurityEvent, zone *models.GeofenceZone) ([]Finding, float64) {
	rules := []func([]models.SecurityEvent, *models.GeofenceZone) *Finding{
		scoreMultipleFailures,
		scoreLocationMismatch,
		scoreDeviceChange,
		scoreVelocityAnomaly,
		scoreIdentityMismatch,
		scoreSuspiciousPattern,
	}

	var findings []Finding
	var combined float64
	for _, rule := range rules {
		if f := rule(events, zone); f != nil {
			findings = append(findings, *f)
			combined += f.Score
		}
	}
	return findings, clampScore(combined)
}

func scoreMultipleFailures(events []models.SecurityEvent, _ *models.GeofenceZone) *Finding {
	failures := 0
	for _, e := range events {
		if e.Type == models.EventOTPFailed || e.Type == models.EventPINFailed {
			failures++
		}
	}
	if failures < 2 {
		return nil
	}
	return &Finding{
		Type:        models.FraudMultipleFailures,
		Score:       clampScore(30 * float64(failures)),
		Description: fmt.Sprintf("%d failed verification attempts", failures),
		Evidence:    models.EventPayload{"failed_attempts": failures},
	}
}

func scoreLocationMismatch(events []models.SecurityEvent, zone *models.GeofenceZone) *Finding {
	if zone == nil || zone.RadiusMeters <= 0 {
		return nil
	}
	var worst float64
	breaches := 0
	for _, e := range events {
		if e.Type != models.EventGeofenceBreach {
			continue
		}
		breaches++
		d := breachDistance(e, zone)
		if d > worst {
			worst = d
		}
	}
	if breaches == 0 {
		return nil
	}
	return &Finding{
		Type:        models.FraudLocationMismatch,
		Score:       clampScore(worst / zone.RadiusMeters * 25),
		Description: fmt.Sprintf("position %.0fm from delivery zone center (radius %.0fm)", worst, zone.RadiusMeters),
		Evidence: models.EventPayload{
			"breach_count":    breaches,
			"distance_meters": worst,
			"radius_meters":   zone.RadiusMeters,
		},
	}
}

func scoreDeviceChange(events []models.SecurityEvent, _ *models.GeofenceZone) *Finding {
	devices := make(map[string]bool)
	for _, e := range events {
		if e.Client.DeviceInfo != "" {
			devices[e.Client.DeviceInfo] = true
		}
	}
	n := len(devices)
	if n < 2 {
		return nil
	}
	score := 20 + 15*float64(n-2)
	if score > 60 {
		score = 60
	}
	return &Finding{
		Type:        models.FraudDeviceChange,
		Score:       score,
		Description: fmt.Sprintf("%d distinct devices used on one delivery", n),
		Evidence:    models.EventPayload{"device_count": n},
	}
}

// scoreVelocityAnomaly walks coordinate-bearing events oldest first and flags
// any pair implying implausible courier speed.
func scoreVelocityAnomaly(events []models.SecurityEvent, _ *models.GeofenceZone) *Finding {
	var located []models.SecurityEvent
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Coordinates != nil {
			located = append(located, events[i])
		}
	}
	var topSpeed float64
	for i := 1; i < len(located); i++ {
		prev, cur := located[i-1], located[i]
		dt := cur.Timestamp.Sub(prev.Timestamp).Hours()
		if dt <= 0 {
			continue
		}
		km := HaversineMeters(prev.Coordinates.Lat, prev.Coordinates.Lon, cur.Coordinates.Lat, cur.Coordinates.Lon) / 1000
		if speed := km / dt; speed > topSpeed {
			topSpeed = speed
		}
	}
	if topSpeed <= maxPlausibleSpeedKMH {
		return nil
	}
	return &Finding{
		Type:        models.FraudVelocityAnomaly,
		Score:       70,
		Description: fmt.Sprintf("implied courier speed %.0f km/h between recorded positions", topSpeed),
		Evidence:    models.EventPayload{"speed_kmh": topSpeed, "limit_kmh": maxPlausibleSpeedKMH},
	}
}

func scoreIdentityMismatch(events []models.SecurityEvent, _ *models.GeofenceZone) *Finding {
	count := 0
	for _, e := range events {
		if e.Type == models.EventUnauthorizedAccess {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return &Finding{
		Type:        models.FraudIdentityMismatch,
		Score:       80,
		Description: fmt.Sprintf("%d unauthorized access events on delivery", count),
		Evidence:    models.EventPayload{"unauthorized_events": count},
	}
}

func scoreSuspiciousPattern(events []models.SecurityEvent, _ *models.GeofenceZone) *Finding {
	count := 0
	for _, e := range events {
		if e.Type == models.EventSuspiciousActivity {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return &Finding{
		Type:        models.FraudSuspiciousPattern,
		Score:       80,
		Description: fmt.Sprintf("%d suspicious activity events on delivery", count),
		Evidence:    models.EventPayload{"suspicious_events": count},
	}
}

// breachDistance prefers the distance recorded with the breach event and
// falls back to recomputing from the event coordinates.
func breachDistance(e models.SecurityEvent, zone *models.GeofenceZone) float64 {
	if v, ok := e.Payload["distance_meters"]; ok {
		switch d := v.(type) {
		case float64:
			return d
		case int:
			return float64(d)
		}
	}
	if e.Coordinates != nil {
		return HaversineMeters(zone.CenterLat, zone.CenterLon, e.Coordinates.Lat, e.Coordinates.Lon)
	}
	return 0
}

func contributingTypes(findings []Finding) []models.FraudType {
	out := make([]models.FraudType, 0, len(findings))
	for _, f := range findings {
		if f.Score > 0 {
			out = append(out, f.Type)
		}
	}
	return out
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
