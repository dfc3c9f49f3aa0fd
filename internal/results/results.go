// Package results turns raw upstream stream records into ordered, classified log
// entries.
//
// Ordering uses the nanosecond sort key as an int64; the display timestamp is
// derived from it and never compared. Malformed records are skipped rather than
// failing the batch.
package results

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Levels. LevelUnknown is assigned when nothing classifies an entry.
const (
	LevelError   = "error"
	LevelWarn    = "warn"
	LevelInfo    = "info"
	LevelDebug   = "debug"
	LevelUnknown = "unknown"
)

// levelLabels are checked in order, case-insensitively.
var levelLabels = []string{"level", "severity", "lvl", "loglevel"}

var levelSynonyms = map[string]string{
	"error":       LevelError,
	"err":         LevelError,
	"fatal":       LevelError,
	"critical":    LevelError,
	"crit":        LevelError,
	"panic":       LevelError,
	"emerg":       LevelError,
	"alert":       LevelError,
	"warn":        LevelWarn,
	"warning":     LevelWarn,
	"info":        LevelInfo,
	"information": LevelInfo,
	"notice":      LevelInfo,
	"debug":       LevelDebug,
	"trace":       LevelDebug,
	"dbg":         LevelDebug,
}

var heuristics = []struct {
	level string
	re    *regexp.Regexp
}{
	{LevelError, regexp.MustCompile(`(?i)\b(error|err|fatal|panic|exception|critical|crit|failed)\b`)},
	{LevelWarn, regexp.MustCompile(`(?i)\b(warn|warning|deprecated)\b`)},
	{LevelInfo, regexp.MustCompile(`(?i)\b(info|notice)\b`)},
	{LevelDebug, regexp.MustCompile(`(?i)\b(debug|trace)\b`)},
}

// Stream is one upstream stream: a label set and its [timestamp, line] values.
// Values are kept raw so one bad pair cannot fail decoding of the whole stream.
type Stream struct {
	Labels map[string]string `json:"stream"`
	Values []json.RawMessage `json:"values"`
}

// Entry is one canonical log line.
type Entry struct {
	Timestamp string            `json:"timestamp"`
	SortKey   string            `json:"sortKey"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels"`

	key    int64
	rawKey string
}

// Assembly is the outcome of Assemble.
type Assembly struct {
	Entries   []Entry
	Truncated bool
	// Skipped counts malformed records.
	Skipped int
}

// Assemble flattens streams, applies the level filter (empty means none), sorts
// newest first and truncates to maxLines. maxLines below 1 disables truncation.
func Assemble(streams []Stream, level string, maxLines int) Assembly {
	var out Assembly
	entries := make([]Entry, 0)

	for _, s := range streams {
		for _, raw := range s.Values {
			e, ok := parseValue(raw)
			if !ok {
				out.Skipped++
				continue
			}
			e.Labels = copyLabels(s.Labels)
			e.Level = ResolveLevel(s.Labels, e.Message)
			if level != "" && e.Level != level {
				continue
			}
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key > entries[j].key
		}
		return entries[i].rawKey > entries[j].rawKey
	})

	if maxLines > 0 && len(entries) > maxLines {
		out.Truncated = true
		entries = entries[:maxLines]
	}
	out.Entries = entries
	return out
}

// parseValue decodes one [sortKey, line, ...] pair. Extra elements (structured
// metadata) are ignored.
func parseValue(raw json.RawMessage) (Entry, bool) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return Entry{}, false
	}

	rawKey, ok := decodeKey(pair[0])
	if !ok {
		return Entry{}, false
	}
	key, err := ParseSortKey(rawKey)
	if err != nil {
		return Entry{}, false
	}

	var line string
	if err := json.Unmarshal(pair[1], &line); err != nil {
		return Entry{}, false
	}

	return Entry{
		Timestamp: time.Unix(0, key).UTC().Format(time.RFC3339Nano),
		SortKey:   strconv.FormatInt(key, 10),
		Message:   line,
		key:       key,
		rawKey:    rawKey,
	}, true
}

// decodeKey accepts the key as a JSON string or a bare JSON integer.
func decodeKey(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// ParseSortKey parses a decimal nanosecond key. Overflow, fractions and
// negative values are errors.
func ParseSortKey(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// ResolveLevel classifies a line: level labels, then a level field in a JSON
// message, then keyword heuristics.
func ResolveLevel(labels map[string]string, message string) string {
	for _, name := range levelLabels {
		for k, v := range labels {
			if !strings.EqualFold(k, name) {
				continue
			}
			if lvl, ok := NormalizeLevel(v); ok {
				return lvl
			}
		}
	}

	if lvl, ok := jsonLevel(message); ok {
		return lvl
	}

	for _, h := range heuristics {
		if h.re.MatchString(message) {
			return h.level
		}
	}
	return LevelUnknown
}

// NormalizeLevel maps a level name or numeric severity to a canonical level.
func NormalizeLevel(v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	if lvl, ok := levelSynonyms[v]; ok {
		return lvl, true
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return severityLevel(n)
	}
	return "", false
}

// severityLevel maps numeric severities (bunyan/pino scale).
func severityLevel(n float64) (string, bool) {
	switch {
	case n >= 50:
		return LevelError, true
	case n >= 40:
		return LevelWarn, true
	case n >= 30:
		return LevelInfo, true
	case n >= 20:
		return LevelDebug, true
	default:
		return "", false
	}
}

func jsonLevel(message string) (string, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", false
	}
	for _, name := range levelLabels {
		for k, v := range fields {
			if !strings.EqualFold(k, name) {
				continue
			}
			switch val := v.(type) {
			case string:
				if lvl, ok := NormalizeLevel(val); ok {
					return lvl, true
				}
			case float64:
				if lvl, ok := severityLevel(val); ok {
					return lvl, true
				}
			}
		}
	}
	return "", false
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}
