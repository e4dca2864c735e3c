package worker

import (
	"context"
	"time"

	"github.com/maanisingh/atlas-delivery-security/internal/config"
	"github.com/maanisingh/atlas-delivery-security/internal/service"
	"github.com/maanisingh/atlas-delivery-security/internal/util/logger"
)

// RetentionWorker prunes security events past the configured retention
// window. The cutoff comes from the live settings on every cycle, so a
// retention change applies without a restart.
type RetentionWorker struct {
	events   *service.EventService
	settings *service.SettingsService
	cfg      config.RetentionConfig
	stop     chan struct{}
	done     chan struct{}
}

func NewRetentionWorker(events *service.EventService, settings *service.SettingsService, cfg config.RetentionConfig) *RetentionWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &RetentionWorker{
		events:   events,
		settings: settings,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *RetentionWorker) Start() {
	if !w.cfg.Enabled {
		close(w.done)
		return
	}
	go w.loop()
}

func (w *RetentionWorker) Stop(ctx context.Context) {
	if !w.cfg.Enabled {
		return
	}
	close(w.stop)
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

func (w *RetentionWorker) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runOnce(context.Background())
		case <-w.stop:
			return
		}
	}
}

// runOnce deletes in batches until a batch comes back short, then yields
// until the next tick.
func (w *RetentionWorker) runOnce(ctx context.Context) {
	settings, err := w.settings.Current(ctx)
	if err != nil {
		logger.Warnf("retention: settings unavailable: %v", err)
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -settings.RetentionDays)
	for {
		n, err := w.events.Prune(ctx, cutoff, w.cfg.BatchSize)
		if err != nil {
			logger.Errorf("retention: prune failed: %v", err)
			return
		}
		if n < int64(w.cfg.BatchSize) {
			return
		}
	}
}
