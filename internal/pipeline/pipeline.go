// Package pipeline runs every guarded request through the guardrails in a fixed
// order:
//
//	access control -> rate limit -> normalize -> fetch -> assemble -> redact
//
// Each stage that fails ends the request, and every terminal path (success or
// any denial) writes exactly one audit entry before returning. Audit and
// rate-limit persistence failures are logged and counted but never change the
// outcome of the request itself.
//
// Guardrail settings are read once per request from a config.GuardrailStore, so
// a reload never applies half of its values to an in-flight request.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/logwarden/logwarden/internal/access"
	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/query"
	"github.com/logwarden/logwarden/internal/ratelimit"
	"github.com/logwarden/logwarden/internal/redact"
	"github.com/logwarden/logwarden/internal/results"
	"github.com/logwarden/logwarden/internal/telemetry"
	"github.com/logwarden/logwarden/internal/upstream"
)

// Decider makes access decisions.
type Decider interface {
	Decide(ctx context.Context, req access.Request) access.Decision
}

// Limiter consumes per-user quota.
type Limiter interface {
	Consume(ctx context.Context, userID string, max int) ratelimit.Result
}

// Recorder persists and lists audit entries.
type Recorder interface {
	Append(ctx context.Context, entry audit.Entry, retentionDays, maxEntries int) error
	Read(ctx context.Context, offset, limit int, filters audit.Filters) (*audit.Page, error)
}

// guardedActions are the non-query actions Authorize accepts.
var guardedActions = map[string]bool{
	audit.ActionShare:           true,
	audit.ActionIncidentDraft:   true,
	audit.ActionThreadNote:      true,
	audit.ActionSavedViewCreate: true,
	audit.ActionSavedViewUpdate: true,
	audit.ActionSavedViewDelete: true,
	audit.ActionSavedViewApply:  true,
}

// IsGuardedAction reports whether Authorize accepts action.
func IsGuardedAction(action string) bool {
	return guardedActions[action]
}

// Caller is who is asking, plus what is needed to verify it with the host.
type Caller struct {
	Identity    access.Identity
	Credentials access.Credentials
	HostOrigin  string
}

// Request is one log query.
type Request struct {
	Caller
	Params query.Params
	// DecodeErr is set when the request body could not be read into Params.
	// It fails validation after the access and quota gates.
	DecodeErr error
}

// ActionRequest is one non-query guarded action.
type ActionRequest struct {
	Caller
	Action string
	Scope  map[string]any
	// DecodeErr is set when the request body could not be read into Scope.
	DecodeErr error
}

// AuditReadRequest lists the audit trail.
type AuditReadRequest struct {
	Identity  access.Identity
	ReadRoles []string
	Offset    int
	Limit     int
	UserID    string
	Outcome   string
	Action    string
	// ParamErr is set when the listing parameters could not be parsed.
	ParamErr error
}

// RedactionSummary counts what the redactor replaced in a response.
type RedactionSummary struct {
	RedactedLines   int `json:"redactedLines"`
	TotalRedactions int `json:"totalRedactions"`
}

// Response is a successful query result.
type Response struct {
	Entries   []results.Entry  `json:"entries"`
	Truncated bool             `json:"truncated"`
	Redaction RedactionSummary `json:"redaction"`
	Query     query.Query      `json:"query"`
	// AccessMode is the decision mode that admitted the request; "fallback"
	// means the host permission check was skipped.
	AccessMode string `json:"accessMode"`
	Warning    string `json:"warning,omitempty"`
	Remaining  int    `json:"remaining"`
}

// Pipeline wires the guardrail components together.
type Pipeline struct {
	access     Decider
	limiter    Limiter
	fetcher    upstream.Fetcher
	trail      Recorder
	guardrails *config.GuardrailStore
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the clock used for query normalization.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(decider Decider, limiter Limiter, fetcher upstream.Fetcher, trail Recorder, guardrails *config.GuardrailStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		access:     decider,
		limiter:    limiter,
		fetcher:    fetcher,
		trail:      trail,
		guardrails: guardrails,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one log query.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	g := p.guardrails.Load()
	userID := req.Identity.UserID

	decision := p.decide(ctx, req.Caller, g)
	if !decision.Allowed {
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionQuery),
			UserID:  userID,
			Outcome: audit.OutcomeDenied,
			Reason:  decision.Reason,
			Scope:   decisionScope(decision),
		})
		observe(started, KindAuthzDenied)
		return nil, &Error{
			Kind:    KindAuthzDenied,
			Reason:  decision.Reason,
			Message: "not allowed to query logs",
			Details: map[string]any{"mode": decision.Mode},
		}
	}

	rl := p.limiter.Consume(ctx, userID, g.RateLimitPerMinute)
	if !rl.Allowed {
		telemetry.RecordDecision("ratelimit", false, ReasonRateLimited)
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionQuery),
			UserID:  userID,
			Outcome: audit.OutcomeDenied,
			Reason:  ReasonRateLimited,
			Scope:   map[string]any{"limit": rl.Limit, "retryAfterSeconds": rl.RetryAfterSeconds},
		})
		observe(started, KindRateLimited)
		return nil, &Error{
			Kind:       KindRateLimited,
			Reason:     ReasonRateLimited,
			Message:    "query rate limit exceeded",
			Details:    map[string]any{"limit": rl.Limit},
			RetryAfter: rl.RetryAfterSeconds,
		}
	}
	telemetry.RecordDecision("ratelimit", true, "")

	var q *query.Query
	var err error
	if req.DecodeErr != nil {
		err = query.MalformedBody(req.DecodeErr)
	} else {
		q, err = query.Normalize(req.Params, query.Options{
			DefaultRange: g.DefaultTimeRange,
			DefaultLimit: g.DefaultLimit,
			MaxWindow:    g.MaxTimeWindow(),
			MaxLines:     g.MaxLinesPerQuery,
			Now:          p.now,
		})
	}
	if err != nil {
		message, details := err.Error(), map[string]any{}
		if ve, ok := query.AsValidationError(err); ok {
			message, details = ve.Message, ve.Details
		}
		telemetry.RecordDecision("validation", false, ReasonInvalidQuery)
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionQuery),
			UserID:  userID,
			Outcome: audit.OutcomeDenied,
			Reason:  ReasonInvalidQuery,
			Scope:   map[string]any{"error": message, "details": details},
		})
		observe(started, KindValidation)
		return nil, &Error{Kind: KindValidation, Reason: ReasonInvalidQuery, Message: message, Details: details}
	}
	telemetry.RecordDecision("validation", true, "")

	redactor := redact.New(redact.Options{Enabled: g.RedactionEnabled, Replacement: g.RedactionReplacement})
	scope := queryScope(q, redactor)

	// one line past the limit tells a truncated result from an exactly full one
	fetchQuery := *q
	fetchQuery.Limit = q.Limit + 1
	streams, err := p.fetcher.Fetch(ctx, &fetchQuery)
	if err != nil {
		reason, timeout := upstream.ReasonStatus, false
		if ue, ok := upstream.AsError(err); ok {
			reason, timeout = ue.Reason, ue.Timeout()
		}
		telemetry.RecordDecision("upstream", false, reason)
		p.logger.Warn("log backend query failed", "user_id", userID, "reason", reason, "error", err)
		scope["error"] = reason
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionQuery),
			UserID:  userID,
			Outcome: audit.OutcomeDenied,
			Reason:  reason,
			Scope:   scope,
		})
		observe(started, KindUpstream)
		return nil, &Error{
			Kind:    KindUpstream,
			Reason:  reason,
			Message: "log backend query failed",
			Timeout: timeout,
			Err:     err,
		}
	}

	assembled := results.Assemble(streams, q.Level, q.Limit)
	if assembled.Skipped > 0 {
		p.logger.Debug("skipped malformed log records", "user_id", userID, "skipped", assembled.Skipped)
	}
	if assembled.Truncated {
		telemetry.ResultTruncationsTotal.Inc()
	}

	// redaction runs after truncation so only returned lines are scanned
	var summary RedactionSummary
	for i := range assembled.Entries {
		r := redactor.Redact(assembled.Entries[i].Message)
		if !r.Redacted {
			continue
		}
		assembled.Entries[i].Message = r.Message
		summary.RedactedLines++
		summary.TotalRedactions += r.RedactionCount
	}
	telemetry.RedactionsTotal.Add(float64(summary.TotalRedactions))

	resp := &Response{
		Entries:    assembled.Entries,
		Truncated:  assembled.Truncated,
		Redaction:  summary,
		Query:      *q,
		AccessMode: decision.Mode,
		Remaining:  rl.Remaining,
	}
	if decision.Mode == access.DecisionFallback {
		resp.Warning = decision.Reason
	}

	scope["accessMode"] = decision.Mode
	scope["returned"] = len(assembled.Entries)
	scope["truncated"] = assembled.Truncated
	scope["redactedLines"] = summary.RedactedLines
	scope["totalRedactions"] = summary.TotalRedactions
	if decision.Mode == access.DecisionFallback {
		scope["accessWarning"] = decision.Reason
	}
	telemetry.RecordDecision("complete", true, "")
	p.record(ctx, g, audit.Entry{
		Action:  audit.ActionQuery,
		UserID:  userID,
		Outcome: audit.OutcomeAllowed,
		Scope:   scope,
	})
	observe(started, "success")
	return resp, nil
}

// Authorize runs access control for a non-query action and audits the result.
// An unknown action is rejected before any check and is not audited.
func (p *Pipeline) Authorize(ctx context.Context, req ActionRequest) (access.Decision, error) {
	if !IsGuardedAction(req.Action) {
		return access.Decision{}, &Error{
			Kind:    KindValidation,
			Reason:  ReasonUnknownAction,
			Message: "unknown action " + req.Action,
			Details: map[string]any{"action": req.Action},
		}
	}

	g := p.guardrails.Load()
	decision := p.decide(ctx, req.Caller, g)

	scope := make(map[string]any, len(req.Scope)+2)
	for k, v := range req.Scope {
		scope[k] = v
	}
	scope["accessMode"] = decision.Mode

	if !decision.Allowed {
		if decision.Details != "" {
			scope["details"] = decision.Details
		}
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(req.Action),
			UserID:  req.Identity.UserID,
			Outcome: audit.OutcomeDenied,
			Reason:  decision.Reason,
			Scope:   scope,
		})
		return decision, &Error{
			Kind:    KindAuthzDenied,
			Reason:  decision.Reason,
			Message: "not allowed to " + req.Action,
			Details: map[string]any{"mode": decision.Mode},
		}
	}

	if req.DecodeErr != nil {
		scope["error"] = req.DecodeErr.Error()
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(req.Action),
			UserID:  req.Identity.UserID,
			Outcome: audit.OutcomeDenied,
			Reason:  ReasonInvalidRequest,
			Scope:   scope,
		})
		return decision, &Error{
			Kind:    KindValidation,
			Reason:  ReasonInvalidRequest,
			Message: "request body must be a single JSON object",
			Details: map[string]any{"error": req.DecodeErr.Error()},
		}
	}

	if decision.Mode == access.DecisionFallback {
		scope["accessWarning"] = decision.Reason
	}
	p.record(ctx, g, audit.Entry{
		Action:  req.Action,
		UserID:  req.Identity.UserID,
		Outcome: audit.OutcomeAllowed,
		Scope:   scope,
	})
	return decision, nil
}

// ReadAudit lists the audit trail for callers holding one of req.ReadRoles.
// Reads are themselves audited.
func (p *Pipeline) ReadAudit(ctx context.Context, req AuditReadRequest) (*audit.Page, error) {
	g := p.guardrails.Load()
	scope := map[string]any{"offset": req.Offset, "limit": req.Limit}
	if req.UserID != "" {
		scope["userId"] = req.UserID
	}
	if req.Outcome != "" {
		scope["outcome"] = req.Outcome
	}

	if !req.Identity.HasAnyRole(req.ReadRoles) {
		telemetry.RecordDecision("access", false, access.ReasonForbiddenRole)
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionAuditRead),
			UserID:  req.Identity.UserID,
			Outcome: audit.OutcomeDenied,
			Reason:  access.ReasonForbiddenRole,
			Scope:   scope,
		})
		return nil, &Error{
			Kind:    KindAuthzDenied,
			Reason:  access.ReasonForbiddenRole,
			Message: "not allowed to read the audit trail",
		}
	}

	if req.ParamErr != nil {
		scope["error"] = req.ParamErr.Error()
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionAuditRead),
			UserID:  req.Identity.UserID,
			Outcome: audit.OutcomeDenied,
			Reason:  ReasonInvalidRequest,
			Scope:   scope,
		})
		return nil, &Error{
			Kind:    KindValidation,
			Reason:  ReasonInvalidRequest,
			Message: req.ParamErr.Error(),
		}
	}

	page, err := p.trail.Read(ctx, req.Offset, req.Limit, audit.Filters{
		UserID:        req.UserID,
		Outcome:       req.Outcome,
		Action:        req.Action,
		RetentionDays: g.AuditRetentionDays,
	})
	if err != nil {
		p.logger.Error("failed to read audit trail", "user_id", req.Identity.UserID, "error", err)
		scope["error"] = ReasonAuditUnavailable
		p.record(ctx, g, audit.Entry{
			Action:  audit.DeniedAction(audit.ActionAuditRead),
			UserID:  req.Identity.UserID,
			Outcome: audit.OutcomeDenied,
			Reason:  ReasonAuditUnavailable,
			Scope:   scope,
		})
		return nil, &Error{
			Kind:    KindUnavailable,
			Reason:  ReasonAuditUnavailable,
			Message: "audit trail is unavailable",
			Err:     err,
		}
	}

	p.record(ctx, g, audit.Entry{
		Action:  audit.ActionAuditRead,
		UserID:  req.Identity.UserID,
		Outcome: audit.OutcomeAllowed,
		Scope:   scope,
	})
	return page, nil
}

func (p *Pipeline) decide(ctx context.Context, c Caller, g config.Guardrails) access.Decision {
	decision := p.access.Decide(ctx, access.Request{
		Identity:       c.Identity,
		AllowedRoles:   g.AllowedRoles,
		PermissionCode: g.PermissionCode,
		Mode:           g.PermissionMode,
		HostOrigin:     c.HostOrigin,
		Credentials:    c.Credentials,
	})

	switch {
	case !decision.Allowed:
		telemetry.RecordDecision("access", false, decision.Reason)
	case decision.Mode == access.DecisionFallback:
		telemetry.RecordDecision("access", true, "fallback")
		p.logger.Warn("permission check skipped, allowed by role fallback",
			"user_id", c.Identity.UserID, "reason", decision.Reason, "details", decision.Details)
	default:
		telemetry.RecordDecision("access", true, "")
	}
	return decision
}

// record appends to the audit trail. It outlives request cancellation and its
// failure never reaches the caller.
func (p *Pipeline) record(ctx context.Context, g config.Guardrails, entry audit.Entry) {
	if err := p.trail.Append(context.WithoutCancel(ctx), entry, g.AuditRetentionDays, g.AuditMaxEntries); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		p.logger.Error("failed to write audit entry",
			"action", entry.Action, "user_id", entry.UserID, "outcome", entry.Outcome, "error", err)
	}
}

func decisionScope(d access.Decision) map[string]any {
	scope := map[string]any{"accessMode": d.Mode}
	if d.Details != "" {
		scope["details"] = d.Details
	}
	return scope
}

// queryScope describes q for the audit trail. The search text is redacted so
// a secret pasted into a search box is not persisted.
func queryScope(q *query.Query, r *redact.Redactor) map[string]any {
	scope := map[string]any{
		"start": q.Start.UTC().Format(time.RFC3339Nano),
		"end":   q.End.UTC().Format(time.RFC3339Nano),
		"limit": q.Limit,
	}
	if q.Level != "" {
		scope["level"] = q.Level
	}
	if q.Search != "" {
		scope["search"] = r.Redact(q.Search).Message
	}
	return scope
}

func observe(started time.Time, outcome Kind) {
	telemetry.QueryDuration.WithLabelValues(string(outcome)).Observe(time.Since(started).Seconds())
}
