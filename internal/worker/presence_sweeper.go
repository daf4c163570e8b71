package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/crowdaid/crowdaid/internal/observability/metrics"
)

// SessionReaper drops sessions whose connection is gone
type SessionReaper interface {
	ReapClosed() int
	Counts() (sessions, users int)
}

// PresenceSweeper periodically removes dead sessions so presence and topic
// membership never outlive a connection whose reader missed the close.
type PresenceSweeper struct {
	reaper   SessionReaper
	logger   *slog.Logger
	interval time.Duration
}

// NewPresenceSweeper creates a new sweeper
func NewPresenceSweeper(reaper SessionReaper, logger *slog.Logger, interval time.Duration) *PresenceSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PresenceSweeper{reaper: reaper, logger: logger, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled
func (w *PresenceSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("presence sweeper started", slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("presence sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one pass and returns how many sessions were dropped
func (w *PresenceSweeper) Sweep() int {
	reaped := w.reaper.ReapClosed()
	sessions, users := w.reaper.Counts()
	metrics.SetPresence(sessions, users)

	if reaped > 0 {
		w.logger.Info("reaped closed sessions",
			slog.Int("reaped", reaped),
			slog.Int("sessions", sessions),
			slog.Int("users", users),
		)
	}
	return reaped
}
