package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/logwarden/logwarden/internal/storage"
	"github.com/logwarden/logwarden/internal/telemetry"
)

// KeySweepJob deletes expired keys (idle rate-limit records) from stores that
// do not expire keys on their own.
type KeySweepJob struct {
	sweeper  storage.Sweeper
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewKeySweepJob creates the job.
func NewKeySweepJob(sweeper storage.Sweeper, interval time.Duration, logger *slog.Logger) *KeySweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeySweepJob{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start sweeps immediately, then on the interval until ctx is cancelled or
// Stop is called. A non-positive interval disables the job.
func (j *KeySweepJob) Start(ctx context.Context) {
	runEvery(ctx, j.interval, j.stopChan, j.logger, "expired key sweep", func() { j.RunOnce(ctx) })
}

// Stop signals the loop to exit. Safe to call more than once.
func (j *KeySweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce performs a single sweep and returns the number of deleted keys.
func (j *KeySweepJob) RunOnce(ctx context.Context) int {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	removed, err := j.sweeper.SweepExpired(sweepCtx)
	if err != nil {
		j.logger.Error("expired key sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		telemetry.ExpiredKeysSweptTotal.Add(float64(removed))
		j.logger.Debug("expired keys swept", "removed", removed)
	}
	return removed
}
