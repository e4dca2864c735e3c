package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/client"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// ErrPermissionDenied is returned when the caller lacks the capability an
// operation requires.
var ErrPermissionDenied = errors.New("permission denied")

const settingsCacheKey = "security:settings"

// SettingsService serves the security settings singleton. Reads go through a
// short-lived in-process cache backed by a shared Redis copy, so a settings
// update on one instance is visible to the others within the cache TTL.
type SettingsService struct {
	repo     repository.SettingsRepository
	redis    *client.RedisClient
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   *models.SecuritySettings
	cachedAt time.Time
}

func NewSettingsService(repo repository.SettingsRepository, redis *client.RedisClient, cacheTTL time.Duration) *SettingsService {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &SettingsService{repo: repo, redis: redis, cacheTTL: cacheTTL}
}

// Bootstrap inserts the default settings row when none exists yet.
func (s *SettingsService) Bootstrap(ctx context.Context, defaults models.SecuritySettings) error {
	defaults.Normalize()
	if defaults.UpdatedAt.IsZero() {
		defaults.UpdatedAt = time.Now().UTC()
	}
	return s.repo.EnsureSettings(ctx, defaults)
}

// Current returns the live settings. Process cache first, then the shared
// Redis copy, then the database.
func (s *SettingsService) Current(ctx context.Context) (*models.SecuritySettings, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		cp := *s.cached
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.redis != nil {
		var cached models.SecuritySettings
		if err := s.redis.GetJSON(ctx, settingsCacheKey, &cached); err == nil {
			s.remember(&cached)
			cp := cached
			return &cp, nil
		}
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load security settings: %w", err)
	}
	s.remember(settings)
	if s.redis != nil {
		if err := s.redis.SetJSON(ctx, settingsCacheKey, settings, s.cacheTTL*4); err != nil {
			logger.Warnf("settings cache write failed: %v", err)
		}
	}
	cp := *settings
	return &cp, nil
}

// Update replaces the singleton. Requires the settings-write capability and
// records a settings_changed audit event in the same transaction.
func (s *SettingsService) Update(ctx context.Context, p models.Principal, next models.SecuritySettings) (*models.SecuritySettings, error) {
	if !p.Can(models.CapSettingsWrite) {
		return nil, ErrPermissionDenied
	}

	next.Normalize()
	next.UpdatedAt = time.Now().UTC()
	next.UpdatedBy = p.ID

	event := models.SecurityEvent{
		ID:          uuid.New(),
		DeliveryID:  uuid.Nil,
		Type:        models.EventSettingsChanged,
		Severity:    models.SeverityWarning,
		Description: "security settings updated",
		Actor:       p.Actor,
		ActorID:     p.ID,
		Payload: models.EventPayload{
			"updated_by":            p.ID,
			"fraud_alert_threshold": next.FraudThreshold,
			"geofence_strict_mode":  next.GeofenceStrictMode,
		},
		Timestamp: next.UpdatedAt,
	}
	if err := s.repo.SaveSettings(ctx, &next, event); err != nil {
		return nil, fmt.Errorf("save security settings: %w", err)
	}

	s.remember(&next)
	if s.redis != nil {
		if err := s.redis.SetJSON(ctx, settingsCacheKey, &next, s.cacheTTL*4); err != nil {
			logger.Warnf("settings cache write failed: %v", err)
		}
	}
	logger.Infof("security settings updated by %s", p.ID)

	cp := next
	return &cp, nil
}

func (s *SettingsService) remember(settings *models.SecuritySettings) {
	s.mu.Lock()
	cp := *settings
	s.cached = &cp
	s.cachedAt = time.Now()
	s.mu.Unlock()
}
