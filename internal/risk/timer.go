package risk

import (
	"context"
	"log/slog"
	"time"
)

// StatsRefreshInterval is how often StatsTimer refreshes.
const StatsRefreshInterval = time.Hour

// StatsTimer periodically refreshes the pending-review gauge and logs a
// fraud summary.
type StatsTimer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewStatsTimer creates a stats timer.
func NewStatsTimer(engine *Engine, logger *slog.Logger) *StatsTimer {
	return &StatsTimer{
		engine:   engine,
		interval: StatsRefreshInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the refresh loop. Call in a goroutine.
func (t *StatsTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *StatsTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *StatsTimer) refresh(ctx context.Context) {
	pending, err := t.engine.store.ListPendingReviews(ctx, 0)
	if err != nil {
		t.logger.Warn("failed to count pending reviews", "error", err)
	} else {
		pendingReviews.Set(float64(len(pending)))
	}

	stats, err := t.engine.GetFraudStatistics(ctx)
	if err != nil {
		t.logger.Warn("failed to compute fraud statistics", "error", err)
		return
	}
	t.logger.Info("fraud statistics",
		"total_blocked", stats.TotalBlocked,
		"flagged_today", stats.FlaggedToday,
		"detection_rate", stats.DetectionRate,
		"pending_reviews", len(pending),
	)
}
