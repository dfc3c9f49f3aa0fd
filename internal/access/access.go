// Package access decides whether an identity may run a guarded action.
//
// A decision has two steps. The local role gate always runs first: an identity
// holding none of the allowed roles is denied with ReasonForbiddenRole in every mode,
// and no permission lookup is made. After that the permission mode applies:
//
//   - off: the role gate alone decides.
//   - fallback: consult the host's permission list; if it cannot be consulted, allow.
//   - strict: consult the host's permission list; if it cannot be consulted, deny.
//
// A permission list that was read successfully and does not grant the permission
// denies in both fallback and strict mode.
package access

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// WildcardRole in a permission record grants the permission to everyone.
const WildcardRole = "*"

// Permission enforcement modes.
const (
	ModeOff      = "off"
	ModeFallback = "fallback"
	ModeStrict   = "strict"
)

// Decision modes: which check produced the decision.
const (
	DecisionRoles      = "roles"
	DecisionPermission = "permission"
	DecisionFallback   = "fallback"
)

// Denial (and fallback warning) reasons.
const (
	ReasonForbiddenRole         = "forbidden_role"
	ReasonForbiddenPermission   = "forbidden_permission"
	ReasonPermissionUnavailable = "permission_unavailable"
	ReasonPermissionCheckFailed = "permission_check_failed"
)

// Identity is the authenticated actor as supplied by the host.
type Identity struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// HasAnyRole reports whether the identity holds one of roles, case-insensitively.
func (i Identity) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range i.Roles {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}

// Credentials are the host credentials forwarded from the inbound request.
type Credentials struct {
	UserID string
	Token  string
}

// Valid reports whether both parts are present.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.Token != ""
}

// Request is the input to Decide.
type Request struct {
	Identity       Identity
	AllowedRoles   []string
	PermissionCode string
	Mode           string
	// HostOrigin is the resolved origin of the host platform, e.g. https://chat.example.com.
	HostOrigin  string
	Credentials Credentials
}

// Decision is the access outcome for one request. It is never persisted.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Mode    string `json:"mode"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// Permission is one entry of the host's permission list.
type Permission struct {
	ID    string   `json:"_id"`
	Roles []string `json:"roles"`
}

// PermissionLookup lists the host's permissions on behalf of the forwarded credentials.
type PermissionLookup interface {
	ListPermissions(ctx context.Context, origin string, creds Credentials) ([]Permission, error)
}

// Engine makes access decisions.
type Engine struct {
	lookup  PermissionLookup
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithLookupTimeout bounds each permission lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates an Engine. lookup may be nil, in which case permission
// lookups are always unavailable.
func NewEngine(lookup PermissionLookup, opts ...Option) *Engine {
	e := &Engine{
		lookup: lookup,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates req.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	if !req.Identity.HasAnyRole(req.AllowedRoles) {
		return Decision{
			Allowed: false,
			Mode:    DecisionRoles,
			Reason:  ReasonForbiddenRole,
			Details: "user holds none of the allowed roles",
		}
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	switch mode {
	case ModeOff:
		return Decision{Allowed: true, Mode: DecisionRoles}
	case ModeFallback, ModeStrict:
	default:
		// An unrecognised mode is enforced as strict.
		mode = ModeStrict
	}

	if e.lookup == nil || req.PermissionCode == "" || req.HostOrigin == "" || !req.Credentials.Valid() {
		return e.degrade(mode, ReasonPermissionUnavailable, unavailableDetails(e.lookup != nil, req))
	}

	lookupCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	perms, err := e.lookup.ListPermissions(lookupCtx, req.HostOrigin, req.Credentials)
	if err != nil {
		e.logger.Warn("permission lookup failed",
			"user_id", req.Identity.UserID,
			"permission", req.PermissionCode,
			"mode", mode,
			"error", err,
		)
		return e.degrade(mode, ReasonPermissionCheckFailed, err.Error())
	}

	if Grants(perms, req.PermissionCode, req.Identity.Roles) {
		return Decision{Allowed: true, Mode: DecisionPermission}
	}
	return Decision{
		Allowed: false,
		Mode:    DecisionPermission,
		Reason:  ReasonForbiddenPermission,
		Details: "permission " + req.PermissionCode + " is not granted to any of the user's roles",
	}
}

// degrade handles a permission check that could not be completed.
func (e *Engine) degrade(mode, reason, details string) Decision {
	if mode == ModeFallback {
		return Decision{Allowed: true, Mode: DecisionFallback, Reason: reason, Details: details}
	}
	return Decision{Allowed: false, Mode: DecisionPermission, Reason: reason, Details: details}
}

func unavailableDetails(hasLookup bool, req Request) string {
	switch {
	case !hasLookup:
		return "no permission lookup configured"
	case req.PermissionCode == "":
		return "no permission code configured"
	case req.HostOrigin == "":
		return "host origin could not be resolved"
	default:
		return "request carries no forwarded host credentials"
	}
}

// Grants reports whether the permission named code lists one of roles or the
// wildcard role. A permission missing from perms grants nothing.
func Grants(perms []Permission, code string, roles []string) bool {
	for _, p := range perms {
		if p.ID != code {
			continue
		}
		for _, granted := range p.Roles {
			if strings.TrimSpace(granted) == WildcardRole {
				return true
			}
			for _, held := range roles {
				if strings.EqualFold(strings.TrimSpace(granted), strings.TrimSpace(held)) {
					return true
				}
			}
		}
	}
	return false
}
