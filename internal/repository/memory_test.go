package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryStore
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
}

func (s *MemoryStoreSuite) newSecret(deliveryID uuid.UUID, kind models.SecretKind) *models.VerificationSecret {
	now := time.Now().UTC()
	return &models.VerificationSecret{
		ID:          uuid.New(),
		DeliveryID:  deliveryID,
		Kind:        kind,
		CodeHash:    "hash",
		Status:      models.SecretPending,
		GeneratedAt: now,
		ExpiresAt:   now.Add(15 * time.Minute),
		MaxAttempts: 3,
	}
}

func (s *MemoryStoreSuite) TestCreateSecret() {
	s.Run("cancels the prior pending secret of the same kind", func() {
		deliveryID := uuid.New()
		first := s.newSecret(deliveryID, models.KindOTP)
		s.Require().NoError(s.store.CreateSecret(s.ctx, first, nil))

		second := s.newSecret(deliveryID, models.KindOTP)
		second.GeneratedAt = first.GeneratedAt.Add(time.Second)
		s.Require().NoError(s.store.CreateSecret(s.ctx, second, nil))

		secrets, err := s.store.ListSecrets(s.ctx, deliveryID)
		s.Require().NoError(err)
		s.Require().Len(secrets, 2)
		s.Equal(models.SecretPending, secrets[0].Status)
		s.Equal(models.SecretCancelled, secrets[1].Status)
	})

	s.Run("leaves the other kind untouched", func() {
		deliveryID := uuid.New()
		pin := s.newSecret(deliveryID, models.KindPIN)
		s.Require().NoError(s.store.CreateSecret(s.ctx, pin, nil))
		otp := s.newSecret(deliveryID, models.KindOTP)
		s.Require().NoError(s.store.CreateSecret(s.ctx, otp, nil))

		secrets, err := s.store.ListSecrets(s.ctx, deliveryID)
		s.Require().NoError(err)
		for _, sec := range secrets {
			s.Equal(models.SecretPending, sec.Status)
		}
	})

	s.Run("concurrent issues leave exactly one pending secret per kind", func() {
		deliveryID := uuid.New()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				sec := s.newSecret(deliveryID, models.KindOTP)
				sec.GeneratedAt = sec.GeneratedAt.Add(time.Duration(n) * time.Millisecond)
				s.NoError(s.store.CreateSecret(s.ctx, sec, nil))
			}(i)
		}
		wg.Wait()

		secrets, err := s.store.ListSecrets(s.ctx, deliveryID)
		s.Require().NoError(err)
		s.Require().Len(secrets, 16)
		pending := 0
		for _, sec := range secrets {
			if sec.Status == models.SecretPending {
				pending++
			}
		}
		s.Equal(1, pending)
	})

	s.Run("persists attached events atomically", func() {
		deliveryID := uuid.New()
		event := models.SecurityEvent{
			ID: uuid.New(), DeliveryID: deliveryID,
			Type: models.EventOTPGenerated, Severity: models.SeverityInfo,
			Timestamp: time.Now().UTC(),
		}
		s.Require().NoError(s.store.CreateSecret(s.ctx, s.newSecret(deliveryID, models.KindOTP), []models.SecurityEvent{event}))

		events, err := s.store.ListEvents(s.ctx, EventFilter{DeliveryID: &deliveryID})
		s.Require().NoError(err)
		s.Len(events, 1)
	})
}

func (s *MemoryStoreSuite) TestWithPendingSecret() {
	s.Run("returns ErrNoActiveSecret when nothing is pending", func() {
		err := s.store.WithPendingSecret(s.ctx, uuid.New(), models.KindOTP, func(sec *models.VerificationSecret) ([]models.SecurityEvent, error) {
			s.Fail("mutator must not run")
			return nil, nil
		})
		s.Require().ErrorIs(err, ErrNoActiveSecret)
	})

	s.Run("persists the mutation and surfaces the verdict", func() {
		deliveryID := uuid.New()
		s.Require().NoError(s.store.CreateSecret(s.ctx, s.newSecret(deliveryID, models.KindOTP), nil))

		verdict := errors.New("code mismatch")
		event := models.SecurityEvent{
			ID: uuid.New(), DeliveryID: deliveryID,
			Type: models.EventOTPFailed, Severity: models.SeverityWarning,
			Timestamp: time.Now().UTC(),
		}
		err := s.store.WithPendingSecret(s.ctx, deliveryID, models.KindOTP, func(sec *models.VerificationSecret) ([]models.SecurityEvent, error) {
			sec.Attempts++
			return []models.SecurityEvent{event}, verdict
		})
		s.Require().ErrorIs(err, verdict)

		secrets, listErr := s.store.ListSecrets(s.ctx, deliveryID)
		s.Require().NoError(listErr)
		s.Equal(1, secrets[0].Attempts, "mutation persists even when the verdict is an error")

		events, listErr := s.store.ListEvents(s.ctx, EventFilter{DeliveryID: &deliveryID})
		s.Require().NoError(listErr)
		s.Len(events, 1)
	})

	s.Run("targets the newest pending secret of the kind", func() {
		deliveryID := uuid.New()
		otp := s.newSecret(deliveryID, models.KindOTP)
		s.Require().NoError(s.store.CreateSecret(s.ctx, otp, nil))
		pin := s.newSecret(deliveryID, models.KindPIN)
		pin.CodeHash = "pin-hash"
		s.Require().NoError(s.store.CreateSecret(s.ctx, pin, nil))

		err := s.store.WithPendingSecret(s.ctx, deliveryID, models.KindPIN, func(sec *models.VerificationSecret) ([]models.SecurityEvent, error) {
			s.Equal("pin-hash", sec.CodeHash)
			return nil, nil
		})
		s.Require().NoError(err)
	})
}

func (s *MemoryStoreSuite) TestWithCase() {
	s.Run("mutates the case and appends events", func() {
		c := &models.FraudCase{
			ID:         uuid.New(),
			DeliveryID: uuid.New(),
			Type:       models.FraudMultipleFailures,
			RiskLevel:  models.RiskHigh,
			Status:     models.CaseDetected,
			DetectedAt: time.Now().UTC(),
		}
		s.Require().NoError(s.store.CreateCase(s.ctx, c, nil))

		err := s.store.WithCase(s.ctx, c.ID, func(fc *models.FraudCase) ([]models.SecurityEvent, error) {
			fc.Status = models.CaseUnderInvestigation
			fc.Investigator = "analyst-1"
			return nil, nil
		})
		s.Require().NoError(err)

		got, err := s.store.GetCase(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(models.CaseUnderInvestigation, got.Status)
		s.Equal("analyst-1", got.Investigator)
	})

	s.Run("rejected mutator leaves the case untouched", func() {
		detected := time.Now().UTC().Add(-time.Hour)
		c := &models.FraudCase{
			ID:         uuid.New(),
			DeliveryID: uuid.New(),
			Type:       models.FraudVelocityAnomaly,
			RiskLevel:  models.RiskMedium,
			Status:     models.CaseDetected,
			DetectedAt: detected,
			UpdatedAt:  detected,
		}
		s.Require().NoError(s.store.CreateCase(s.ctx, c, nil))

		rejected := errors.New("transition rejected")
		err := s.store.WithCase(s.ctx, c.ID, func(fc *models.FraudCase) ([]models.SecurityEvent, error) {
			return nil, rejected
		})
		s.Require().ErrorIs(err, rejected)

		got, err := s.store.GetCase(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(models.CaseDetected, got.Status)
		s.Equal(detected, got.UpdatedAt)
	})

	s.Run("unknown case returns ErrNotFound", func() {
		err := s.store.WithCase(s.ctx, uuid.New(), func(fc *models.FraudCase) ([]models.SecurityEvent, error) {
			return nil, nil
		})
		s.Require().ErrorIs(err, ErrNotFound)
	})
}

func (s *MemoryStoreSuite) TestDeleteEventsBefore() {
	s.Run("respects the batch size", func() {
		deliveryID := uuid.New()
		old := time.Now().UTC().AddDate(0, 0, -100)
		for i := 0; i < 5; i++ {
			s.Require().NoError(s.store.AppendEvent(s.ctx, &models.SecurityEvent{
				ID: uuid.New(), DeliveryID: deliveryID,
				Type: models.EventOTPGenerated, Severity: models.SeverityInfo,
				Timestamp: old.Add(time.Duration(i) * time.Minute),
			}))
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -90)
		n, err := s.store.DeleteEventsBefore(s.ctx, cutoff, 3)
		s.Require().NoError(err)
		s.Equal(int64(3), n)

		n, err = s.store.DeleteEventsBefore(s.ctx, cutoff, 3)
		s.Require().NoError(err)
		s.Equal(int64(2), n)
	})
}
