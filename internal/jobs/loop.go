package jobs

import (
	"context"
	"log/slog"
	"time"
)

// runEvery calls fn once, then on every tick of interval until ctx is done or
// stop is closed. A non-positive interval only logs that the job is disabled.
func runEvery(ctx context.Context, interval time.Duration, stop <-chan struct{}, logger *slog.Logger, name string, fn func()) {
	if interval <= 0 {
		logger.Info(name + " disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info(name+" started", "interval", interval)
	fn()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-stop:
			logger.Info(name + " stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}
