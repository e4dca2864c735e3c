package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	cfg "github.com/maanisingh/atlas-delivery-security/internal/config"
	"github.com/maanisingh/atlas-delivery-security/internal/models"
)

// KafkaAuditShipper streams recorded security events to Kafka. All events go
// to the events topic; critical-severity events additionally go to the
// alerts topic. Publishing never blocks the caller: the queue drops on
// backpressure because the durable copy already lives in the database.
type KafkaAuditShipper struct {
	cfg     cfg.KafkaAuditConfig
	wEvents *kafka.Writer
	wAlerts *kafka.Writer
	ch      chan models.SecurityEvent
	stop    chan struct{}
}

func NewKafkaAuditShipper(cfgIn cfg.KafkaAuditConfig) (*KafkaAuditShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaAuditShipper{cfg: cfg, ch: make(chan models.SecurityEvent), stop: make(chan struct{})}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	newWriter := func(topic string) *kafka.Writer {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
		}
	}

	return &KafkaAuditShipper{
		cfg:     cfg,
		wEvents: newWriter(cfg.TopicEvents),
		wAlerts: newWriter(cfg.TopicAlerts),
		ch:      make(chan models.SecurityEvent, cfg.QueueCapacity),
		stop:    make(chan struct{}),
	}, nil
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	// drain briefly
	drain := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-s.ch:
			_ = s.dispatch(ev)
		case <-drain:
			if s.wEvents != nil {
				_ = s.wEvents.Close()
			}
			if s.wAlerts != nil {
				_ = s.wAlerts.Close()
			}
			return
		}
	}
}

func (s *KafkaAuditShipper) Publish(ev models.SecurityEvent) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// drop on backpressure
	}
}

func (s *KafkaAuditShipper) loop() {
	for {
		select {
		case ev := <-s.ch:
			_ = s.dispatch(ev)
		case <-s.stop:
			// drain remaining quickly
			for {
				select {
				case ev := <-s.ch:
					_ = s.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch keys messages by delivery so one delivery's trail stays ordered
// within a partition.
func (s *KafkaAuditShipper) dispatch(ev models.SecurityEvent) error {
	env := Envelope(ev)
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(env.DeliveryID),
		Value: payload,
		Time:  env.Timestamp,
	}

	var firstErr error
	if s.wEvents != nil {
		if err := s.wEvents.WriteMessages(context.Background(), msg); err != nil {
			firstErr = err
		}
	}
	if ev.Severity == models.SeverityCritical && s.wAlerts != nil {
		if err := s.wAlerts.WriteMessages(context.Background(), msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
