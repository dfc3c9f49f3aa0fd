// Package jobs holds the background loops started by the server.
//
// audit_retention.go sweeps expired entries out of the audit trail. Appends
// already trim the collection, so the sweep only matters when traffic stops:
// an idle deployment would otherwise keep entries past the retention window
// until the next guarded action. key_sweep.go deletes expired rate-limit
// records from stores that keep them until told otherwise.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/telemetry"
)

const sweepTimeout = 30 * time.Second

// Pruner removes audit entries older than retentionDays.
type Pruner interface {
	Prune(ctx context.Context, retentionDays int) (int, error)
}

// GuardrailSource supplies the current retention window.
type GuardrailSource interface {
	Load() config.Guardrails
}

// AuditRetentionJob periodically prunes the audit trail.
type AuditRetentionJob struct {
	pruner     Pruner
	guardrails GuardrailSource
	interval   time.Duration
	logger     *slog.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewAuditRetentionJob creates the job. The retention window is read from
// guardrails on every run, so hot reloads take effect at the next sweep.
func NewAuditRetentionJob(pruner Pruner, guardrails GuardrailSource, interval time.Duration, logger *slog.Logger) *AuditRetentionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditRetentionJob{
		pruner:     pruner,
		guardrails: guardrails,
		interval:   interval,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the interval until ctx is
// cancelled or Stop is called. A non-positive interval disables the job.
func (j *AuditRetentionJob) Start(ctx context.Context) {
	runEvery(ctx, j.interval, j.stopChan, j.logger, "audit retention sweep", func() { j.RunOnce(ctx) })
}

// Stop signals the loop to exit. Safe to call more than once.
func (j *AuditRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce performs a single sweep and returns the number of removed entries.
func (j *AuditRetentionJob) RunOnce(ctx context.Context) int {
	days := j.guardrails.Load().AuditRetentionDays
	if days < 1 {
		return 0
	}

	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	removed, err := j.pruner.Prune(sweepCtx, days)
	if err != nil {
		j.logger.Error("audit retention sweep failed", "error", err)
		return 0
	}
	if removed > 0 {
		telemetry.AuditEntriesPrunedTotal.Add(float64(removed))
		j.logger.Info("audit entries pruned", "removed", removed, "retention_days", days)
	}
	return removed
}
