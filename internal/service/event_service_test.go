package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
)

type EventServiceSuite struct {
	suite.Suite
	ctx context.Context
	env *testEnv
}

func TestEventServiceSuite(t *testing.T) {
	suite.Run(t, new(EventServiceSuite))
}

func (s *EventServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.env = newTestEnv(s.ctx)
}

func (s *EventServiceSuite) TestRecord() {
	s.Run("stamps id, timestamp and actor", func() {
		deliveryID := uuid.New()
		err := s.env.events.Record(s.ctx, models.SecurityEvent{
			DeliveryID: deliveryID,
			Type:       models.EventSuspiciousActivity,
			Severity:   models.SeverityWarning,
		})
		s.Require().NoError(err)

		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID})
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.NotEqual(uuid.Nil, events[0].ID)
		s.False(events[0].Timestamp.IsZero())
		s.Equal(models.ActorSystem, events[0].Actor)
	})

	s.Run("rejects unknown event types and severities", func() {
		err := s.env.events.Record(s.ctx, models.SecurityEvent{
			DeliveryID: uuid.New(),
			Type:       "made_up",
			Severity:   models.SeverityInfo,
		})
		s.Require().Error(err)

		err = s.env.events.Record(s.ctx, models.SecurityEvent{
			DeliveryID: uuid.New(),
			Type:       models.EventSuspiciousActivity,
			Severity:   "loud",
		})
		s.Require().Error(err)
	})

	s.Run("mirrors recorded events to the sink", func() {
		before := len(s.env.sink.published)
		err := s.env.events.Record(s.ctx, models.SecurityEvent{
			DeliveryID: uuid.New(),
			Type:       models.EventSuspiciousActivity,
			Severity:   models.SeverityWarning,
		})
		s.Require().NoError(err)
		s.Len(s.env.sink.published, before+1)
	})
}

func (s *EventServiceSuite) TestListFilters() {
	deliveryID := uuid.New()
	otherID := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	seed := func(t models.EventType, sev models.Severity, id uuid.UUID, offset time.Duration) {
		s.Require().NoError(s.env.events.Record(s.ctx, models.SecurityEvent{
			DeliveryID: id,
			Type:       t,
			Severity:   sev,
			Timestamp:  base.Add(offset),
		}))
	}

	seed(models.EventOTPGenerated, models.SeverityInfo, deliveryID, 0)
	seed(models.EventOTPFailed, models.SeverityWarning, deliveryID, 10*time.Minute)
	seed(models.EventFraudAlert, models.SeverityCritical, deliveryID, 20*time.Minute)
	seed(models.EventOTPGenerated, models.SeverityInfo, otherID, 5*time.Minute)

	s.Run("filters by delivery", func() {
		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID})
		s.Require().NoError(err)
		s.Len(events, 3)
	})

	s.Run("filters by severity", func() {
		sev := models.SeverityCritical
		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID, Severity: &sev})
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(models.EventFraudAlert, events[0].Type)
	})

	s.Run("filters by time window", func() {
		since := base.Add(5 * time.Minute)
		before := base.Add(15 * time.Minute)
		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID, Since: &since, Before: &before})
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(models.EventOTPFailed, events[0].Type)
	})

	s.Run("returns newest first and honors the limit", func() {
		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID, Limit: 2})
		s.Require().NoError(err)
		s.Require().Len(events, 2)
		s.Equal(models.EventFraudAlert, events[0].Type)
		s.True(events[0].Timestamp.After(events[1].Timestamp))
	})
}

func (s *EventServiceSuite) TestPrune() {
	s.Run("deletes only events older than the cutoff", func() {
		deliveryID := uuid.New()
		old := time.Now().UTC().AddDate(0, 0, -120)
		recent := time.Now().UTC().Add(-time.Hour)

		for _, ts := range []time.Time{old, old.Add(time.Hour), recent} {
			s.Require().NoError(s.env.events.Record(s.ctx, models.SecurityEvent{
				DeliveryID: deliveryID,
				Type:       models.EventOTPGenerated,
				Severity:   models.SeverityInfo,
				Timestamp:  ts,
			}))
		}

		cutoff := time.Now().UTC().AddDate(0, 0, -90)
		n, err := s.env.events.Prune(s.ctx, cutoff, 100)
		s.Require().NoError(err)
		s.Equal(int64(2), n)

		events, err := s.env.events.List(s.ctx, repository.EventFilter{DeliveryID: &deliveryID})
		s.Require().NoError(err)
		s.Len(events, 1)
	})
}
