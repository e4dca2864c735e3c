package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/client"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

var (
	ErrVerificationDisabled = errors.New("verification method disabled")
	ErrNoActiveSecret       = errors.New("no active code for this delivery")
	ErrCodeMismatch         = errors.New("code does not match")
	ErrSecretExpired        = errors.New("code has expired")
	ErrSecretLocked         = errors.New("code locked after too many attempts")
	ErrResendCooldown       = errors.New("resend requested too soon")
	ErrDailyCapReached      = errors.New("daily code limit reached")
)

// Dispatcher delivers a freshly issued code to the customer.
type Dispatcher interface {
	SendSMS(ctx context.Context, phone, message string) error
	SendEmail(ctx context.Context, email, subject, message string) error
}

// SecretService issues and verifies delivery OTPs and PINs. Codes are stored
// as SHA-256 hashes; the plaintext exists only in the issue response and the
// customer notification.
type SecretService struct {
	secrets    repository.SecretRepository
	deliveries repository.DeliveryRepository
	settings   *SettingsService
	events     *EventService
	redis      *client.RedisClient
	dispatch   Dispatcher

	resendCooldown time.Duration
	maxDailyIssues int

	// onVerifyOutcome runs after a verification attempt commits, successful
	// or not. Wired to the fraud detector.
	onVerifyOutcome func(deliveryID uuid.UUID)
}

func NewSecretService(
	secrets repository.SecretRepository,
	deliveries repository.DeliveryRepository,
	settings *SettingsService,
	events *EventService,
	redis *client.RedisClient,
	dispatch Dispatcher,
	resendCooldown time.Duration,
	maxDailyIssues int,
) *SecretService {
	if resendCooldown <= 0 {
		resendCooldown = time.Minute
	}
	if maxDailyIssues <= 0 {
		maxDailyIssues = 10
	}
	return &SecretService{
		secrets:        secrets,
		deliveries:     deliveries,
		settings:       settings,
		events:         events,
		redis:          redis,
		dispatch:       dispatch,
		resendCooldown: resendCooldown,
		maxDailyIssues: maxDailyIssues,
	}
}

// SetVerifyOutcomeHook registers the post-verification callback. Set once
// during wiring, before the service handles traffic.
func (s *SecretService) SetVerifyOutcomeHook(fn func(deliveryID uuid.UUID)) {
	s.onVerifyOutcome = fn
}

// IssueResult carries the plaintext code back to the caller. This is the only
// place the code leaves the service.
type IssueResult struct {
	SecretID  uuid.UUID         `json:"secret_id"`
	Kind      models.SecretKind `json:"kind"`
	Code      string            `json:"code"`
	ExpiresAt time.Time         `json:"expires_at"`
	SentSMS   bool              `json:"sent_sms"`
	SentEmail bool              `json:"sent_email"`
}

// Issue generates a fresh code for the delivery, cancelling any pending code
// of the same kind. Resends are throttled per delivery and capped per day.
func (s *SecretService) Issue(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind, phone, email string, actor models.Principal, info models.ClientInfo) (*IssueResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown secret kind %q", kind)
	}
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if (kind == models.KindOTP && !settings.OTPEnabled) || (kind == models.KindPIN && !settings.PINEnabled) {
		return nil, ErrVerificationDisabled
	}

	delivery, err := s.deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	if err := s.checkIssueBudget(ctx, deliveryID, kind); err != nil {
		return nil, err
	}

	length, ttl, maxAttempts := codeParams(kind, settings)
	code, err := generateNumericCode(length)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	now := time.Now().UTC()
	sec := &models.VerificationSecret{
		ID:          uuid.New(),
		DeliveryID:  deliveryID,
		Kind:        kind,
		CodeHash:    HashCode(code),
		Status:      models.SecretPending,
		PhoneHash:   hashContact(phone),
		EmailHash:   hashContact(email),
		GeneratedAt: now,
		ExpiresAt:   now.Add(ttl),
		MaxAttempts: maxAttempts,
	}

	result := &IssueResult{SecretID: sec.ID, Kind: kind, Code: code, ExpiresAt: sec.ExpiresAt}
	s.notify(ctx, sec, code, phone, email, delivery.TrackingNumber, result)

	genType := models.EventOTPGenerated
	if kind == models.KindPIN {
		genType = models.EventPINGenerated
	}
	event := models.SecurityEvent{
		ID:          uuid.New(),
		DeliveryID:  deliveryID,
		Type:        genType,
		Severity:    models.SeverityInfo,
		Description: fmt.Sprintf("%s issued for delivery %s", kind, delivery.TrackingNumber),
		Actor:       actorOrSystem(actor),
		ActorID:     actor.ID,
		Client:      info,
		Payload: models.EventPayload{
			"expires_at":   sec.ExpiresAt,
			"max_attempts": maxAttempts,
			"sent_sms":     result.SentSMS,
			"sent_email":   result.SentEmail,
		},
		Timestamp: now,
	}
	if err := s.secrets.CreateSecret(ctx, sec, []models.SecurityEvent{event}); err != nil {
		return nil, fmt.Errorf("persist %s: %w", kind, err)
	}
	s.events.Mirror(event)

	logger.Infof("%s issued for delivery %s, expires %s", kind, deliveryID, sec.ExpiresAt.Format(time.RFC3339))
	return result, nil
}

// VerifyResult reports the attempt outcome for a caller that needs the
// remaining-attempts count.
type VerifyResult struct {
	Verified          bool `json:"verified"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// Verify checks a submitted code against the pending secret. The attempt
// counter update, status change and audit events commit atomically; the
// business verdict is surfaced only after that commit, so a rejected attempt
// that could not be recorded reports the storage failure instead.
func (s *SecretService) Verify(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind, code string, actor models.Principal, info models.ClientInfo) (*VerifyResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown secret kind %q", kind)
	}
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if (kind == models.KindOTP && !settings.OTPEnabled) || (kind == models.KindPIN && !settings.PINEnabled) {
		return nil, ErrVerificationDisabled
	}

	result := &VerifyResult{}
	var mirrored []models.SecurityEvent

	err = s.secrets.WithPendingSecret(ctx, deliveryID, kind, func(sec *models.VerificationSecret) ([]models.SecurityEvent, error) {
		now := time.Now().UTC()

		if now.After(sec.ExpiresAt) {
			sec.Status = models.SecretExpired
			e := s.attemptEvent(sec, actor, info, models.EventSecretExpired, models.SeverityInfo,
				fmt.Sprintf("%s expired before verification", sec.Kind), models.EventPayload{
					"expired_at": sec.ExpiresAt,
				})
			mirrored = []models.SecurityEvent{e}
			return mirrored, ErrSecretExpired
		}

		sec.Attempts++
		sec.LastAttemptAt = &now
		result.AttemptsRemaining = sec.MaxAttempts - sec.Attempts
		if result.AttemptsRemaining < 0 {
			result.AttemptsRemaining = 0
		}

		if codeMatches(sec.CodeHash, code) {
			sec.Status = models.SecretVerified
			sec.VerifiedAt = &now
			okType := models.EventOTPVerified
			if sec.Kind == models.KindPIN {
				okType = models.EventPINVerified
			}
			e := s.attemptEvent(sec, actor, info, okType, models.SeverityInfo,
				fmt.Sprintf("%s verified", sec.Kind), models.EventPayload{
					"attempts": sec.Attempts,
				})
			result.Verified = true
			mirrored = []models.SecurityEvent{e}
			return mirrored, nil
		}

		failType := models.EventOTPFailed
		if sec.Kind == models.KindPIN {
			failType = models.EventPINFailed
		}
		events := []models.SecurityEvent{
			s.attemptEvent(sec, actor, info, failType, models.SeverityWarning,
				fmt.Sprintf("%s verification failed", sec.Kind), models.EventPayload{
					"attempts":           sec.Attempts,
					"attempts_remaining": result.AttemptsRemaining,
				}),
		}
		verdict := ErrCodeMismatch

		if sec.Attempts >= sec.MaxAttempts {
			sec.Status = models.SecretLocked
			sec.Suspicious = true
			events = append(events, s.attemptEvent(sec, actor, info, models.EventSecretLocked, models.SeverityWarning,
				fmt.Sprintf("%s locked after %d failed attempts", sec.Kind, sec.Attempts), models.EventPayload{
					"attempts": sec.Attempts,
				}))
			verdict = ErrSecretLocked
		}
		mirrored = events
		return events, verdict
	})

	if errors.Is(err, repository.ErrNoActiveSecret) {
		return nil, ErrNoActiveSecret
	}

	s.events.Mirror(mirrored...)
	if s.onVerifyOutcome != nil && len(mirrored) > 0 {
		s.onVerifyOutcome(deliveryID)
	}

	if err != nil {
		return result, err
	}

	if err := s.deliveries.MarkDelivered(ctx, deliveryID, time.Now().UTC()); err != nil {
		logger.Errorf("mark delivered failed for %s: %v", deliveryID, err)
	}
	return result, nil
}

// History lists all secrets ever issued for a delivery, newest first.
func (s *SecretService) History(ctx context.Context, deliveryID uuid.UUID) ([]models.VerificationSecret, error) {
	return s.secrets.ListSecrets(ctx, deliveryID)
}

func (s *SecretService) checkIssueBudget(ctx context.Context, deliveryID uuid.UUID, kind models.SecretKind) error {
	if s.redis == nil {
		return nil
	}
	cooldownKey := fmt.Sprintf("secret:cooldown:%s:%s", deliveryID, kind)
	n, err := s.redis.IncrementWithTTL(ctx, cooldownKey, s.resendCooldown)
	if err != nil {
		logger.Warnf("issue throttle unavailable: %v", err)
		return nil
	}
	if n > 1 {
		return ErrResendCooldown
	}

	dayKey := fmt.Sprintf("secret:count:%s:%s:%s", deliveryID, kind, time.Now().UTC().Format("20060102"))
	count, err := s.redis.IncrementWithTTL(ctx, dayKey, 24*time.Hour)
	if err != nil {
		logger.Warnf("issue counter unavailable: %v", err)
		return nil
	}
	if count > int64(s.maxDailyIssues) {
		return ErrDailyCapReached
	}
	return nil
}

// notify dispatches the plaintext code to the plaintext contacts. The
// secret only carries contact hashes, so the addresses travel as
// parameters and are gone once dispatch returns.
func (s *SecretService) notify(ctx context.Context, sec *models.VerificationSecret, code, phone, email, tracking string, result *IssueResult) {
	if s.dispatch == nil {
		return
	}
	message := fmt.Sprintf("Your delivery code for %s is %s", tracking, code)
	if phone != "" {
		if err := s.dispatch.SendSMS(ctx, phone, message); err != nil {
			logger.Warnf("sms dispatch failed for delivery %s: %v", sec.DeliveryID, err)
		} else {
			sec.SentViaSMS = true
			result.SentSMS = true
		}
	}
	if email != "" {
		if err := s.dispatch.SendEmail(ctx, email, "Your delivery verification code", message); err != nil {
			logger.Warnf("email dispatch failed for delivery %s: %v", sec.DeliveryID, err)
		} else {
			sec.SentViaEmail = true
			result.SentEmail = true
		}
	}
}

func (s *SecretService) attemptEvent(sec *models.VerificationSecret, actor models.Principal, info models.ClientInfo, t models.EventType, sev models.Severity, desc string, payload models.EventPayload) models.SecurityEvent {
	return models.SecurityEvent{
		ID:          uuid.New(),
		DeliveryID:  sec.DeliveryID,
		Type:        t,
		Severity:    sev,
		Description: desc,
		Actor:       actorOrSystem(actor),
		ActorID:     actor.ID,
		Client:      info,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

func codeParams(kind models.SecretKind, settings *models.SecuritySettings) (length int, ttl time.Duration, maxAttempts int) {
	if kind == models.KindPIN {
		return settings.PINLength, time.Duration(settings.PINValidityDays) * 24 * time.Hour, settings.PINMaxAttempts
	}
	return settings.OTPLength, time.Duration(settings.OTPExpiryMinutes) * time.Minute, settings.OTPMaxAttempts
}

// generateNumericCode draws each digit from crypto/rand.
func generateNumericCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range buf {
		code[i] = byte((int(buf[i]) % 10) + '0')
	}
	return string(code), nil
}

// HashCode returns the hex SHA-256 of a plaintext code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// hashContact digests a phone number or email address for at-rest
// storage. An empty contact stays empty.
func hashContact(contact string) string {
	if contact == "" {
		return ""
	}
	return HashCode(contact)
}

func codeMatches(storedHash, submitted string) bool {
	submittedHash := HashCode(submitted)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(submittedHash)) == 1
}

func actorOrSystem(p models.Principal) models.ActorKind {
	if p.Actor != "" {
		return p.Actor
	}
	return models.ActorSystem
}
