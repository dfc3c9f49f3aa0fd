// Package audit keeps the append-only record of every guarded action.
//
// All entries live in one JSON collection under a single storage key. Each append
// loads the collection, drops entries past the retention window, appends the new
// entry with a server-assigned id and timestamp, trims the oldest entries beyond
// the size cap, and writes the collection back. The collection is bounded by the
// cap, so the cost of an append is too.
//
// Appended entries are also handed to an optional Shipper (webhook, file, S3) in
// the background; shipping never affects the durable append.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/logwarden/logwarden/internal/safego"
	"github.com/logwarden/logwarden/internal/storage"
)

// StorageKey is the key of the audit collection.
const StorageKey = "audit:entries"

// Outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

// Actions.
const (
	ActionQuery           = "query"
	ActionShare           = "share"
	ActionIncidentDraft   = "incident_draft"
	ActionThreadNote      = "thread_note"
	ActionSavedViewCreate = "saved_view_create"
	ActionSavedViewUpdate = "saved_view_update"
	ActionSavedViewDelete = "saved_view_delete"
	ActionSavedViewApply  = "saved_view_apply"
	ActionAuditRead       = "audit_read"
	deniedSuffix          = "_denied"
	defaultPageSize       = 50
	maxPageSize           = 500
	shipTimeout           = 10 * time.Second
)

// DeniedAction returns the action name recorded when action is denied.
func DeniedAction(action string) string {
	return action + deniedSuffix
}

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	UserID    string         `json:"userId"`
	Timestamp time.Time      `json:"timestamp"`
	Outcome   string         `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	Scope     map[string]any `json:"scope,omitempty"`
}

// Filters narrow a Read. Zero values match everything.
type Filters struct {
	UserID  string
	Outcome string
	Action  string
	// RetentionDays hides entries older than the retention window even if no
	// append has trimmed them yet.
	RetentionDays int
}

// Page is one page of a Read, newest first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Offset  int     `json:"offset"`
	Limit   int     `json:"limit"`
}

// Trail appends to and reads the audit collection.
type Trail struct {
	store   storage.Store
	shipper Shipper
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Trail.
type Option func(*Trail)

// WithShipper ships every appended entry to s.
func WithShipper(s Shipper) Option {
	return func(t *Trail) { t.shipper = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithLogger sets the trail logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) { t.logger = logger }
}

// NewTrail creates a Trail over store.
func NewTrail(store storage.Store, opts ...Option) *Trail {
	t := &Trail{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append records entry. ID and Timestamp are always assigned here. retentionDays
// and maxEntries below 1 disable the respective trim.
func (t *Trail) Append(ctx context.Context, entry Entry, retentionDays, maxEntries int) error {
	now := t.now().UTC()
	entry.ID = uuid.New().String()
	entry.Timestamp = now

	err := storage.Update(ctx, t.store, StorageKey, func(cur []byte, found bool) ([]byte, error) {
		entries, err := decode(cur, found)
		if err != nil {
			return nil, err
		}
		entries = dropExpired(entries, now, retentionDays)
		entries = append(entries, entry)
		if maxEntries > 0 && len(entries) > maxEntries {
			entries = entries[len(entries)-maxEntries:]
		}
		return json.Marshal(entries)
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", entry.Action, err)
	}

	if t.shipper != nil {
		shipped := entry
		safego.Go("audit_ship", func() {
			shipCtx, cancel := context.WithTimeout(context.Background(), shipTimeout)
			defer cancel()
			if err := t.shipper.Ship(shipCtx, &shipped); err != nil {
				t.logger.Warn("audit shipping failed", "audit_id", shipped.ID, "action", shipped.Action, "error", err)
			}
		})
	}
	return nil
}

// Prune removes entries past the retention window and reports how many were
// dropped. The collection is not rewritten when nothing expired.
func (t *Trail) Prune(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, nil
	}
	now := t.now().UTC()

	raw, found, err := t.store.Get(ctx, StorageKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load audit entries: %w", err)
	}
	entries, err := decode(raw, found)
	if err != nil {
		return 0, err
	}
	if len(dropExpired(entries, now, retentionDays)) == len(entries) {
		return 0, nil
	}

	removed := 0
	err = storage.Update(ctx, t.store, StorageKey, func(cur []byte, found bool) ([]byte, error) {
		entries, err := decode(cur, found)
		if err != nil {
			return nil, err
		}
		kept := dropExpired(entries, now, retentionDays)
		removed = len(entries) - len(kept)
		return json.Marshal(kept)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	return removed, nil
}

// Read returns one page of entries matching filters, newest first.
func (t *Trail) Read(ctx context.Context, offset, limit int, filters Filters) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	raw, found, err := t.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit entries: %w", err)
	}
	entries, err := decode(raw, found)
	if err != nil {
		return nil, err
	}
	entries = dropExpired(entries, t.now().UTC(), filters.RetentionDays)

	// newest insertion first, so equal timestamps keep reverse insertion order
	matched := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if filters.matches(entries[i]) {
			matched = append(matched, entries[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	page := &Page{Total: len(matched), Offset: offset, Limit: limit, Entries: []Entry{}}
	if offset < len(matched) {
		end := offset + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Entries = matched[offset:end]
	}
	return page, nil
}

func (f Filters) matches(e Entry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}

// decode parses the stored collection. An unreadable collection is an error
// rather than a reset, so a bad write never erases history.
func decode(raw []byte, found bool) ([]Entry, error) {
	if !found || len(raw) == 0 {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("audit collection is unreadable: %w", err)
	}
	return entries, nil
}

func dropExpired(entries []Entry, now time.Time, retentionDays int) []Entry {
	if retentionDays < 1 {
		return entries
	}
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	kept := entries[:0:0]
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
