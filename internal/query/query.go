// Package query validates raw request parameters and normalizes them into a
// canonical, bounded log query.
//
// Normalization fails closed: unknown parameter keys, ambiguous time inputs, and
// out-of-bounds values are rejected with a ValidationError rather than being
// silently dropped or clamped.
package query

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Canonical log levels a query may filter on.
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
)

const (
	// DefaultLimit is used when the request does not specify a limit.
	DefaultLimit = 500
	// MaxSearchLength is the longest accepted search string, in characters.
	MaxSearchLength = 512
	// futureSkew is how far past "now" a query end may reach.
	futureSkew = time.Second
)

// Params is the raw, untrusted request parameter set.
type Params map[string]any

// Query is a validated, immutable log query.
type Query struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Limit  int       `json:"limit"`
	Level  string    `json:"level,omitempty"`
	Search string    `json:"search,omitempty"`
}

// Window returns the length of the query time range.
func (q Query) Window() time.Duration {
	return q.End.Sub(q.Start)
}

// Options carries the configured defaults and limits applied during normalization.
type Options struct {
	// DefaultRange is the relative window used when neither since nor start/end is given.
	DefaultRange time.Duration
	// DefaultLimit overrides DefaultLimit when positive.
	DefaultLimit int
	// MaxWindow is the longest permitted end-start span.
	MaxWindow time.Duration
	// MaxLines is the highest accepted limit.
	MaxLines int
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

var allowedKeys = map[string]bool{
	"start":  true,
	"end":    true,
	"since":  true,
	"limit":  true,
	"level":  true,
	"search": true,
}

var validLevels = map[string]bool{
	LevelError: true,
	LevelWarn:  true,
	LevelInfo:  true,
	LevelDebug: true,
}

var durationPattern = regexp.MustCompile(`^([1-9][0-9]*)([smhdw])$`)

// Normalize validates params against opts and returns the canonical query.
// Every failure is returned as a *ValidationError.
func Normalize(params Params, opts Options) (*Query, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	current := now()

	if unknown := unknownKeys(params); len(unknown) > 0 {
		return nil, newValidationError("unknown query parameters", map[string]any{
			"unknown": unknown,
		})
	}

	start, end, err := resolveRange(params, opts, current)
	if err != nil {
		return nil, err
	}

	if !start.Before(end) {
		return nil, newValidationError("start must be before end", map[string]any{
			"start": start.UTC().Format(time.RFC3339Nano),
			"end":   end.UTC().Format(time.RFC3339Nano),
		})
	}
	if opts.MaxWindow > 0 && end.Sub(start) > opts.MaxWindow {
		return nil, newValidationError("time window exceeds the configured maximum", map[string]any{
			"windowSeconds":    int64(end.Sub(start) / time.Second),
			"maxWindowSeconds": int64(opts.MaxWindow / time.Second),
		})
	}
	if end.After(current.Add(futureSkew)) {
		return nil, newValidationError("end must not be in the future", map[string]any{
			"end": end.UTC().Format(time.RFC3339Nano),
		})
	}

	limit, err := resolveLimit(params, opts)
	if err != nil {
		return nil, err
	}

	level, err := resolveLevel(params)
	if err != nil {
		return nil, err
	}

	search, err := resolveSearch(params)
	if err != nil {
		return nil, err
	}

	return &Query{
		Start:  start,
		End:    end,
		Limit:  limit,
		Level:  level,
		Search: search,
	}, nil
}

func unknownKeys(params Params) []string {
	var unknown []string
	for k := range params {
		if !allowedKeys[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func present(params Params, key string) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return false
	}
	return true
}

func resolveRange(params Params, opts Options, now time.Time) (time.Time, time.Time, error) {
	hasStart := present(params, "start")
	hasEnd := present(params, "end")
	hasSince := present(params, "since")

	switch {
	case hasSince && (hasStart || hasEnd):
		return time.Time{}, time.Time{}, newValidationError("since cannot be combined with start or end", map[string]any{
			"field": "since",
		})
	case hasStart != hasEnd:
		missing := "end"
		if !hasStart {
			missing = "start"
		}
		return time.Time{}, time.Time{}, newValidationError("start and end must be provided together", map[string]any{
			"missing": missing,
		})
	case hasStart && hasEnd:
		start, err := ParseTimestamp(params["start"])
		if err != nil {
			return time.Time{}, time.Time{}, newValidationError("invalid start timestamp", map[string]any{
				"field": "start",
				"error": err.Error(),
			})
		}
		end, err := ParseTimestamp(params["end"])
		if err != nil {
			return time.Time{}, time.Time{}, newValidationError("invalid end timestamp", map[string]any{
				"field": "end",
				"error": err.Error(),
			})
		}
		return start, end, nil
	case hasSince:
		raw, ok := params["since"].(string)
		if !ok {
			return time.Time{}, time.Time{}, newValidationError("since must be a duration string", map[string]any{
				"field": "since",
			})
		}
		d, err := ParseDuration(raw)
		if err != nil {
			return time.Time{}, time.Time{}, newValidationError("invalid since duration", map[string]any{
				"field": "since",
				"error": err.Error(),
			})
		}
		return now.Add(-d), now, nil
	default:
		d := opts.DefaultRange
		if d <= 0 {
			d = 15 * time.Minute
		}
		return now.Add(-d), now, nil
	}
}

func resolveLimit(params Params, opts Options) (int, error) {
	def := DefaultLimit
	if opts.DefaultLimit > 0 {
		def = opts.DefaultLimit
	}
	if !present(params, "limit") {
		if opts.MaxLines > 0 && def > opts.MaxLines {
			return opts.MaxLines, nil
		}
		return def, nil
	}

	limit, ok := toInt(params["limit"])
	if !ok || limit <= 0 {
		return 0, newValidationError("limit must be a positive integer", map[string]any{
			"field": "limit",
		})
	}
	if opts.MaxLines > 0 && limit > opts.MaxLines {
		return 0, newValidationError("limit exceeds the configured maximum", map[string]any{
			"field":    "limit",
			"limit":    limit,
			"maxLines": opts.MaxLines,
		})
	}
	return limit, nil
}

func resolveLevel(params Params) (string, error) {
	if !present(params, "level") {
		return "", nil
	}
	raw, ok := params["level"].(string)
	if !ok {
		return "", newValidationError("level must be a string", map[string]any{"field": "level"})
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	if !validLevels[level] {
		return "", newValidationError("invalid level", map[string]any{
			"field":   "level",
			"allowed": []string{LevelError, LevelWarn, LevelInfo, LevelDebug},
		})
	}
	return level, nil
}

func resolveSearch(params Params) (string, error) {
	v, ok := params["search"]
	if !ok || v == nil {
		return "", nil
	}
	raw, ok := v.(string)
	if !ok {
		return "", newValidationError("search must be a string", map[string]any{"field": "search"})
	}
	search := strings.TrimSpace(raw)
	if n := utf8.RuneCountInString(search); n > MaxSearchLength {
		return "", newValidationError("search is too long", map[string]any{
			"field":     "search",
			"length":    n,
			"maxLength": MaxSearchLength,
		})
	}
	return search, nil
}

// ParseDuration parses "<positive integer><unit>" where unit is one of s, m, h, d, w.
func ParseDuration(raw string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, fmt.Errorf("duration %q must match <positive integer><s|m|h|d|w>", raw)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", raw, err)
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("duration %q overflows", raw)
	}
	return time.Duration(n) * unit, nil
}

// ParseTimestamp accepts an ISO-8601 string or an epoch number. Epoch values are
// disambiguated by magnitude: above 1e14 they are nanoseconds, above 1e11
// milliseconds, otherwise seconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if isNumeric(s) {
			return parseEpochString(s)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601 or epoch", t)
	case json.Number:
		return parseEpochString(t.String())
	case float64:
		return epochFromFloat(t)
	case float32:
		return epochFromFloat(float64(t))
	case int:
		return epochFromInt(int64(t)), nil
	case int64:
		return epochFromInt(t), nil
	case int32:
		return epochFromInt(int64(t)), nil
	case time.Time:
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func parseEpochString(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochFromInt(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("epoch %q: %w", s, err)
	}
	return epochFromFloat(f)
}

func epochFromInt(n int64) time.Time {
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 1e14:
		return time.Unix(0, n).UTC()
	case abs > 1e11:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}

func epochFromFloat(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("epoch %v is not finite", f)
	}
	abs := math.Abs(f)
	switch {
	case abs > 1e14:
		if abs > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("epoch %v overflows", f)
		}
		return time.Unix(0, int64(f)).UTC(), nil
	case abs > 1e11:
		return time.Unix(0, int64(f*float64(time.Millisecond))).UTC(), nil
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		if n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := strconv.Atoi(n.String())
		return i, err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}
