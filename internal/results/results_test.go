package results

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(t *testing.T, pairs ...string) []json.RawMessage {
	t.Helper()
	require.Zero(t, len(pairs)%2)
	out := make([]json.RawMessage, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		raw, err := json.Marshal([]string{pairs[i], pairs[i+1]})
		require.NoError(t, err)
		out = append(out, raw)
	}
	return out
}

func TestAssemble_NanosecondOrdering(t *testing.T) {
	// same millisecond, different nanosecond suffixes
	streams := []Stream{{
		Labels: map[string]string{"app": "api"},
		Values: values(t,
			"1767225600123000001", "first",
			"1767225600123000900", "last",
			"1767225600123000050", "middle",
		),
	}}

	got := Assemble(streams, "", 10)

	require.Len(t, got.Entries, 3)
	assert.Equal(t, []string{"last", "middle", "first"},
		[]string{got.Entries[0].Message, got.Entries[1].Message, got.Entries[2].Message})
	assert.Equal(t, "1767225600123000900", got.Entries[0].SortKey)
	assert.Equal(t, "2026-01-01T00:00:00.1230009Z", got.Entries[0].Timestamp)
	assert.False(t, got.Truncated)
}

func TestAssemble_MergesStreamsAndCopiesLabels(t *testing.T) {
	labels := map[string]string{"app": "web"}
	streams := []Stream{
		{Labels: labels, Values: values(t, "100", "a")},
		{Labels: map[string]string{"app": "worker"}, Values: values(t, "200", "b")},
	}

	got := Assemble(streams, "", 0)

	require.Len(t, got.Entries, 2)
	assert.Equal(t, "worker", got.Entries[0].Labels["app"])
	got.Entries[1].Labels["app"] = "changed"
	assert.Equal(t, "web", labels["app"])
}

func TestAssemble_TruncatesMostRecentFirst(t *testing.T) {
	pairs := make([]string, 0, 5001*2)
	for i := 1; i <= 5001; i++ {
		pairs = append(pairs, fmt.Sprintf("%d", int64(1767225600000000000)+int64(i)), fmt.Sprintf("line %d", i))
	}

	got := Assemble([]Stream{{Values: values(t, pairs...)}}, "", 5000)

	assert.True(t, got.Truncated)
	require.Len(t, got.Entries, 5000)
	assert.Equal(t, "line 5001", got.Entries[0].Message)
	assert.Equal(t, "line 2", got.Entries[4999].Message)
}

func TestAssemble_ExactlyMaxLinesIsNotTruncated(t *testing.T) {
	got := Assemble([]Stream{{Values: values(t, "1", "a", "2", "b")}}, "", 2)

	assert.False(t, got.Truncated)
	assert.Len(t, got.Entries, 2)
}

func TestAssemble_TiesUseRawKeyDescending(t *testing.T) {
	streams := []Stream{{Values: []json.RawMessage{
		json.RawMessage(`["0042","padded"]`),
		json.RawMessage(`["42","plain"]`),
	}}}

	got := Assemble(streams, "", 10)

	require.Len(t, got.Entries, 2)
	assert.Equal(t, "plain", got.Entries[0].Message)
	assert.Equal(t, "42", got.Entries[1].SortKey)
}

func TestAssemble_SkipsMalformedRecords(t *testing.T) {
	streams := []Stream{{Values: []json.RawMessage{
		json.RawMessage(`["100","ok"]`),
		json.RawMessage(`["not-a-number","bad key"]`),
		json.RawMessage(`["99999999999999999999999","overflow"]`),
		json.RawMessage(`["-5","negative"]`),
		json.RawMessage(`["101"]`),
		json.RawMessage(`{"ts":"1"}`),
		json.RawMessage(`["102",{"msg":"object"}]`),
		json.RawMessage(`[103,"bare integer key"]`),
		json.RawMessage(`["104","with metadata",{"trace_id":"abc"}]`),
	}}}

	got := Assemble(streams, "", 10)

	require.Len(t, got.Entries, 3)
	assert.Equal(t, "with metadata", got.Entries[0].Message)
	assert.Equal(t, "bare integer key", got.Entries[1].Message)
	assert.Equal(t, "ok", got.Entries[2].Message)
	assert.Equal(t, 6, got.Skipped)
}

func TestAssemble_LevelFilterDropsBeforeTruncation(t *testing.T) {
	streams := []Stream{
		{Labels: map[string]string{"level": "error"}, Values: values(t, "1", "e1", "3", "e2")},
		{Labels: map[string]string{"level": "info"}, Values: values(t, "2", "i1", "4", "i2")},
		{Values: values(t, "5", "no hints here")},
	}

	got := Assemble(streams, LevelError, 1)

	require.Len(t, got.Entries, 1)
	assert.Equal(t, "e2", got.Entries[0].Message)
	assert.True(t, got.Truncated)
}

func TestAssemble_EmptyInput(t *testing.T) {
	got := Assemble(nil, "", 10)

	assert.NotNil(t, got.Entries)
	assert.Empty(t, got.Entries)
	assert.False(t, got.Truncated)
}

func TestResolveLevel(t *testing.T) {
	tests := []struct {
		name    string
		labels  map[string]string
		message string
		want    string
	}{
		{"level label", map[string]string{"level": "ERROR"}, "hello", LevelError},
		{"case-insensitive label key", map[string]string{"Severity": "warning"}, "hello", LevelWarn},
		{"lvl synonym", map[string]string{"lvl": "trace"}, "hello", LevelDebug},
		{"loglevel notice", map[string]string{"loglevel": "notice"}, "hello", LevelInfo},
		{"label order level before severity", map[string]string{"severity": "debug", "level": "fatal"}, "x", LevelError},
		{"numeric 50", map[string]string{"level": "50"}, "x", LevelError},
		{"numeric 40", map[string]string{"level": "40"}, "x", LevelWarn},
		{"numeric 30", map[string]string{"level": "30"}, "x", LevelInfo},
		{"numeric 20", map[string]string{"level": "20"}, "x", LevelDebug},
		{"numeric 10 falls through to heuristics", map[string]string{"level": "10"}, "request failed", LevelError},
		{"unrecognised label falls through", map[string]string{"level": "verbose"}, "deprecated flag", LevelWarn},
		{"json message string", nil, `{"level":"warn","msg":"slow"}`, LevelWarn},
		{"json message numeric", nil, `{"level":30,"msg":"listening"}`, LevelInfo},
		{"json without level uses heuristics", nil, `{"msg":"panic: nil map"}`, LevelError},
		{"logfmt heuristic", nil, `ts=1 level=debug msg=tick`, LevelDebug},
		{"error keyword", nil, "connection ERROR on read", LevelError},
		{"info keyword", nil, "INFO server started", LevelInfo},
		{"no signal", nil, "GET /healthz 200", LevelUnknown},
		{"substring is not a keyword", nil, "terror information", LevelUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveLevel(tt.labels, tt.message))
		})
	}
}

func TestParseSortKey(t *testing.T) {
	n, err := ParseSortKey("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, int64(9223372036854775807), n)

	_, err = ParseSortKey("9223372036854775808")
	assert.Error(t, err)
	_, err = ParseSortKey("1.5")
	assert.Error(t, err)
	_, err = ParseSortKey("-1")
	assert.Error(t, err)
}
