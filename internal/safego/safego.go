// Package safego runs the proxy's detached work (audit shipping, retention
// sweeps) so a panic in one task is logged and counted instead of taking the
// query path down with it.
package safego

import (
	"log/slog"

	"github.com/logwarden/logwarden/internal/telemetry"
)

// Go runs fn on its own goroutine under the given task name. A panic is
// recovered, logged with the task name and counted in
// logwarden_background_panics_total.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				telemetry.BackgroundPanicsTotal.WithLabelValues(task).Inc()
				slog.Error("background task panicked", "task", task, "panic", r)
			}
		}()
		fn()
	}()
}
