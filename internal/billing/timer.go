package billing

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically garbage-collects old webhook event records.
type Timer struct {
	service   *Service
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	stop      chan struct{}
}

// NewTimer creates a new event GC timer.
func NewTimer(service *Service, retention time.Duration, logger *slog.Logger) *Timer {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Timer{
		service:   service,
		interval:  6 * time.Hour,
		retention: retention,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start begins the GC loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.purge(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) purge(ctx context.Context) {
	count, err := t.service.PurgeProcessed(ctx, t.retention)
	if err != nil {
		t.logger.Warn("webhook event purge failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("webhook events purged", "count", count)
	}
}
