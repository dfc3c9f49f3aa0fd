// settings.go holds the hot-reloadable guardrail settings. Values arrive untyped
// (YAML scalars, env strings, admin-edited maps) and every field is converted by a
// parse-with-fallback helper: an unusable value yields the field default, except an
// unrecognised permission mode, which resolves to strict.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/logwarden/logwarden/internal/query"
)

// Permission enforcement modes.
const (
	PermissionModeOff      = "off"
	PermissionModeFallback = "fallback"
	PermissionModeStrict   = "strict"
)

// Guardrails is the typed view of all settings that may change at runtime.
type Guardrails struct {
	AllowedRoles   []string
	PermissionMode string
	PermissionCode string

	MaxTimeWindowHours int
	MaxLinesPerQuery   int
	DefaultTimeRange   time.Duration
	DefaultLimit       int
	RateLimitPerMinute int

	RedactionEnabled     bool
	RedactionReplacement string

	AuditRetentionDays int
	AuditMaxEntries    int
}

// MaxTimeWindow returns the longest permitted query window.
func (g Guardrails) MaxTimeWindow() time.Duration {
	return time.Duration(g.MaxTimeWindowHours) * time.Hour
}

// guardrailKeys maps each setting name to its viper key.
var guardrailKeys = map[string]string{
	"allowed_roles":         "access.allowed_roles",
	"permission_mode":       "access.permission_mode",
	"permission_code":       "access.permission_code",
	"max_time_window_hours": "guardrails.max_time_window_hours",
	"max_lines_per_query":   "guardrails.max_lines_per_query",
	"default_time_range":    "guardrails.default_time_range",
	"default_limit":         "guardrails.default_limit",
	"rate_limit_per_minute": "guardrails.rate_limit_per_minute",
	"redaction_enabled":     "redaction.enabled",
	"redaction_replacement": "redaction.replacement",
	"audit_retention_days":  "audit.retention_days",
	"audit_max_entries":     "audit.max_entries",
}

var guardrailDefaults = map[string]any{
	"allowed_roles":         []string{"admin"},
	"permission_mode":       PermissionModeFallback,
	"permission_code":       "view-logs",
	"max_time_window_hours": 24,
	"max_lines_per_query":   5000,
	"default_time_range":    "15m",
	"default_limit":         query.DefaultLimit,
	"rate_limit_per_minute": 20,
	"redaction_enabled":     true,
	"redaction_replacement": "[REDACTED]",
	"audit_retention_days":  90,
	"audit_max_entries":     5000,
}

// DefaultGuardrails returns the guardrails used when nothing is configured.
func DefaultGuardrails() Guardrails {
	return GuardrailsFromMap(nil)
}

// GuardrailsFromViper reads every guardrail key from v.
func GuardrailsFromViper(v *viper.Viper) Guardrails {
	raw := make(map[string]any, len(guardrailKeys))
	for name, key := range guardrailKeys {
		if v.IsSet(key) {
			raw[name] = v.Get(key)
		}
	}
	return GuardrailsFromMap(raw)
}

// GuardrailsFromMap converts untyped setting values into Guardrails.
func GuardrailsFromMap(raw map[string]any) Guardrails {
	def := guardrailDefaults
	return Guardrails{
		AllowedRoles:   parseStringList(raw["allowed_roles"], def["allowed_roles"].([]string)),
		PermissionMode: parseMode(raw["permission_mode"], def["permission_mode"].(string)),
		PermissionCode: parseString(raw["permission_code"], def["permission_code"].(string)),

		MaxTimeWindowHours: parseInt(raw["max_time_window_hours"], def["max_time_window_hours"].(int), 1),
		MaxLinesPerQuery:   parseInt(raw["max_lines_per_query"], def["max_lines_per_query"].(int), 1),
		DefaultTimeRange:   parseDuration(raw["default_time_range"], def["default_time_range"].(string)),
		DefaultLimit:       parseInt(raw["default_limit"], def["default_limit"].(int), 1),
		RateLimitPerMinute: parseInt(raw["rate_limit_per_minute"], def["rate_limit_per_minute"].(int), 1),

		RedactionEnabled:     parseBool(raw["redaction_enabled"], def["redaction_enabled"].(bool)),
		RedactionReplacement: parseString(raw["redaction_replacement"], def["redaction_replacement"].(string)),

		AuditRetentionDays: parseInt(raw["audit_retention_days"], def["audit_retention_days"].(int), 1),
		AuditMaxEntries:    parseInt(raw["audit_max_entries"], def["audit_max_entries"].(int), 1),
	}
}

// parseInt returns v as an int when it is an integral value >= min, else def.
func parseInt(v any, def, min int) int {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int32:
		n = int(t)
	case int64:
		if t > math.MaxInt32 || t < math.MinInt32 {
			return def
		}
		n = int(t)
	case float64:
		if t != math.Trunc(t) || t > math.MaxInt32 || t < math.MinInt32 {
			return def
		}
		n = int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		n = parsed
	default:
		return def
	}
	if n < min {
		return def
	}
	return n
}

func parseBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func parseString(v any, def string) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}

// parseStringList accepts a list or a comma-separated string. Blank items are dropped;
// an empty result yields def.
func parseStringList(v any, def []string) []string {
	var items []string
	switch t := v.(type) {
	case []string:
		items = t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	case string:
		items = strings.Split(t, ",")
	default:
		return append([]string(nil), def...)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), def...)
	}
	return out
}

// parseMode returns def for a missing or blank value. An unrecognised mode
// resolves to strict so a typo never loosens access control.
func parseMode(v any, def string) string {
	s, ok := v.(string)
	if !ok {
		return def
	}
	mode := strings.ToLower(strings.TrimSpace(s))
	switch mode {
	case "":
		return def
	case PermissionModeOff, PermissionModeFallback, PermissionModeStrict:
		return mode
	default:
		slog.Warn("unknown permission mode, using strict", "permission_mode", s)
		return PermissionModeStrict
	}
}

// parseDuration accepts the query duration form ("15m", "2d") or a Go duration ("1h30m").
func parseDuration(v any, def string) time.Duration {
	fallback, _ := query.ParseDuration(def)
	switch t := v.(type) {
	case string:
		if d, err := query.ParseDuration(t); err == nil {
			return d
		}
		if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil && d > 0 {
			return d
		}
	case time.Duration:
		if t > 0 {
			return t
		}
	}
	return fallback
}

// GuardrailStore holds the current Guardrails and is safe for concurrent use.
type GuardrailStore struct {
	current atomic.Pointer[Guardrails]
}

// NewGuardrailStore creates a store seeded with g.
func NewGuardrailStore(g Guardrails) *GuardrailStore {
	s := &GuardrailStore{}
	s.Store(g)
	return s
}

// Load returns the current guardrails.
func (s *GuardrailStore) Load() Guardrails {
	return *s.current.Load()
}

// Store replaces the current guardrails.
func (s *GuardrailStore) Store(g Guardrails) {
	s.current.Store(&g)
}

// WatchGuardrails re-reads guardrail settings into store whenever the config
// file backing v changes. It is a no-op when v was not loaded from a file.
func WatchGuardrails(v *viper.Viper, store *GuardrailStore, logger *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		g := GuardrailsFromViper(v)
		store.Store(g)
		logger.Info("guardrail settings reloaded",
			"file", e.Name,
			"op", e.Op.String(),
			"permission_mode", g.PermissionMode,
			"rate_limit_per_minute", g.RateLimitPerMinute,
			"max_lines_per_query", g.MaxLinesPerQuery,
		)
	})
	v.WatchConfig()
}

func (g Guardrails) String() string {
	return fmt.Sprintf("mode=%s roles=%v window=%dh lines=%d rate=%d/min",
		g.PermissionMode, g.AllowedRoles, g.MaxTimeWindowHours, g.MaxLinesPerQuery, g.RateLimitPerMinute)
}
