package authkit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RevocationSweeper periodically garbage-collects naturally expired revocation entries.
type RevocationSweeper struct {
	store    RevocationStore
	interval time.Duration
	clock    Clock
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewRevocationSweeper configures a sweeper; Run blocks until its context is cancelled.
func NewRevocationSweeper(store RevocationStore, interval time.Duration, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RevocationSweeper {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RevocationSweeper{store: store, interval: interval, clock: clock, logger: logger, metrics: metrics}
}

// Run sweeps once per interval until ctx is done.
func (sweeper *RevocationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep and returns the number of removed entries.
func (sweeper *RevocationSweeper) SweepOnce(ctx context.Context) int {
	removed, err := sweeper.store.Sweep(ctx, sweeper.clock.Now())
	if err != nil {
		sweeper.metrics.Increment(metricRevocationSweepError)
		sweeper.logger.Warn("revocation sweep failed",
			zap.String("code", "revocation.sweep.failed"),
			zap.Error(err))
		return 0
	}
	if removed > 0 {
		sweeper.logger.Debug("revocation sweep",
			zap.Int("removed", removed))
	}
	return removed
}
