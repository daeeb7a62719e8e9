package costguard

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically runs the system-wide cost audit.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new audit timer.
func NewTimer(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Timer{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the audit loop. Call in a goroutine.
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
			t.audit(ctx)
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

func (t *Timer) audit(ctx context.Context) {
	report, err := t.monitor.Audit(ctx)
	if err != nil {
		t.logger.Warn("cost audit failed", "error", err)
		return
	}
	t.logger.Info("cost audit complete",
		"healthy", report.Healthy,
		"warning", report.Warning,
		"critical", report.Critical,
		"suspended", report.Suspended,
	)
}
