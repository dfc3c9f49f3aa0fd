package config

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardrailsFromMap_Defaults(t *testing.T) {
	g := GuardrailsFromMap(nil)

	assert.Equal(t, []string{"admin"}, g.AllowedRoles)
	assert.Equal(t, PermissionModeFallback, g.PermissionMode)
	assert.Equal(t, "view-logs", g.PermissionCode)
	assert.Equal(t, 24*time.Hour, g.MaxTimeWindow())
	assert.Equal(t, 5000, g.MaxLinesPerQuery)
	assert.Equal(t, 15*time.Minute, g.DefaultTimeRange)
	assert.Equal(t, 500, g.DefaultLimit)
	assert.True(t, g.RedactionEnabled)
	assert.Equal(t, "[REDACTED]", g.RedactionReplacement)
	assert.Equal(t, 90, g.AuditRetentionDays)
}

func TestGuardrailsFromMap_ParsesLooseTypes(t *testing.T) {
	g := GuardrailsFromMap(map[string]any{
		"allowed_roles":         " admin, ops ,, ",
		"permission_mode":       "STRICT",
		"max_time_window_hours": "6",
		"max_lines_per_query":   float64(2000),
		"default_time_range":    "1h",
		"rate_limit_per_minute": int64(10),
		"redaction_enabled":     "false",
		"audit_max_entries":     "250",
	})

	assert.Equal(t, []string{"admin", "ops"}, g.AllowedRoles)
	assert.Equal(t, PermissionModeStrict, g.PermissionMode)
	assert.Equal(t, 6, g.MaxTimeWindowHours)
	assert.Equal(t, 2000, g.MaxLinesPerQuery)
	assert.Equal(t, time.Hour, g.DefaultTimeRange)
	assert.Equal(t, 10, g.RateLimitPerMinute)
	assert.False(t, g.RedactionEnabled)
	assert.Equal(t, 250, g.AuditMaxEntries)
}

func TestGuardrailsFromMap_InvalidValuesFallBack(t *testing.T) {
	def := DefaultGuardrails()
	g := GuardrailsFromMap(map[string]any{
		"allowed_roles":         []any{" ", 42},
		"permission_mode":       "  ",
		"permission_code":       "   ",
		"max_time_window_hours": -3,
		"max_lines_per_query":   12.5,
		"default_time_range":    "forever",
		"rate_limit_per_minute": "lots",
		"redaction_enabled":     "maybe",
		"redaction_replacement": 7,
		"audit_retention_days":  []int{1},
	})

	assert.Equal(t, def, g)
}

func TestGuardrailsFromMap_UnknownPermissionModeIsStrict(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want string
	}{
		{"unknown word", "sometimes", PermissionModeStrict},
		{"typo of strict", "strcit", PermissionModeStrict},
		{"typo of off", "of", PermissionModeStrict},
		{"mixed case known", " Fallback ", PermissionModeFallback},
		{"blank", "", DefaultGuardrails().PermissionMode},
		{"not a string", 3, DefaultGuardrails().PermissionMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GuardrailsFromMap(map[string]any{"permission_mode": tt.raw})
			assert.Equal(t, tt.want, g.PermissionMode)
		})
	}
}

func TestGuardrailsFromMap_GoDurationAccepted(t *testing.T) {
	g := GuardrailsFromMap(map[string]any{"default_time_range": "1h30m"})
	assert.Equal(t, 90*time.Minute, g.DefaultTimeRange)
}

func TestGuardrailStore_ConcurrentAccess(t *testing.T) {
	store := NewGuardrailStore(DefaultGuardrails())

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			g := DefaultGuardrails()
			g.RateLimitPerMinute = n
			store.Store(g)
		}(i)
		go func() {
			defer wg.Done()
			_ = store.Load().RateLimitPerMinute
		}()
	}
	wg.Wait()

	assert.Positive(t, store.Load().RateLimitPerMinute)
}

func TestWatchGuardrails_NoConfigFileIsNoop(t *testing.T) {
	v := viper.New()
	store := NewGuardrailStore(DefaultGuardrails())

	WatchGuardrails(v, store, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	assert.Equal(t, DefaultGuardrails(), store.Load())
}

func TestGuardrailsFromViper(t *testing.T) {
	v := viper.New()
	v.Set("access.permission_mode", "off")
	v.Set("guardrails.max_lines_per_query", 42)

	g := GuardrailsFromViper(v)

	require.Equal(t, PermissionModeOff, g.PermissionMode)
	assert.Equal(t, 42, g.MaxLinesPerQuery)
	assert.Equal(t, DefaultGuardrails().RateLimitPerMinute, g.RateLimitPerMinute)
}
