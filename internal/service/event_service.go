package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maanisingh/atlas-delivery-security/internal/models"
	"github.com/maanisingh/atlas-delivery-security/internal/repository"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// EventSink receives a copy of every recorded event for downstream streaming.
// Publishing is best effort; the durable copy is the database row.
type EventSink interface {
	Publish(event models.SecurityEvent)
}

// EventService is the append-only security audit log. Writes are fail-closed:
// if the event cannot be persisted the surrounding operation must not report
// success.
type EventService struct {
	repo repository.EventRepository
	sink EventSink
}

func NewEventService(repo repository.EventRepository, sink EventSink) *EventService {
	return &EventService{repo: repo, sink: sink}
}

// Record persists one event and mirrors it to the sink. The event is stamped
// and validated here so callers only fill in the domain fields.
func (s *EventService) Record(ctx context.Context, event models.SecurityEvent) error {
	prepared, err := prepareEvent(event)
	if err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, prepared); err != nil {
		return fmt.Errorf("append security event: %w", err)
	}
	s.mirror(*prepared)
	return nil
}

// Mirror forwards an event that was already persisted elsewhere (inside a
// repository transaction) to the streaming sink.
func (s *EventService) Mirror(events ...models.SecurityEvent) {
	for _, e := range events {
		s.mirror(e)
	}
}

func (s *EventService) mirror(event models.SecurityEvent) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(event)
}

func (s *EventService) List(ctx context.Context, f repository.EventFilter) ([]models.SecurityEvent, error) {
	return s.repo.ListEvents(ctx, f)
}

// Prune deletes events older than the cutoff in one batch and reports how
// many rows went away.
func (s *EventService) Prune(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	n, err := s.repo.DeleteEventsBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	if n > 0 {
		logger.Infof("pruned %d security events before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// prepareEvent stamps identity and time and rejects malformed entries.
func prepareEvent(event models.SecurityEvent) (*models.SecurityEvent, error) {
	if !event.Type.Valid() {
		return nil, fmt.Errorf("invalid event type %q", event.Type)
	}
	if !event.Severity.Valid() {
		return nil, fmt.Errorf("invalid event severity %q", event.Severity)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = models.ActorSystem
	}
	return &event, nil
}
