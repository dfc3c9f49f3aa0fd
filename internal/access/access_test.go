package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLookup struct {
	perms []Permission
	err   error
	calls int
	// block makes ListPermissions wait for ctx cancellation.
	block bool
}

func (s *stubLookup) ListPermissions(ctx context.Context, _ string, _ Credentials) ([]Permission, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.perms, s.err
}

func baseRequest(mode string) Request {
	return Request{
		Identity:       Identity{UserID: "u1", Roles: []string{"user", "Ops"}},
		AllowedRoles:   []string{"admin", "ops"},
		PermissionCode: "view-logs",
		Mode:           mode,
		HostOrigin:     "https://chat.example.com",
		Credentials:    Credentials{UserID: "u1", Token: "tok"},
	}
}

var allModes = []string{ModeOff, ModeFallback, ModeStrict}

func TestDecide_RoleFailureDeniesInEveryModeWithoutLookup(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode, func(t *testing.T) {
			lookup := &stubLookup{perms: []Permission{{ID: "view-logs", Roles: []string{"*"}}}}
			e := NewEngine(lookup)
			req := baseRequest(mode)
			req.Identity.Roles = []string{"guest"}

			d := e.Decide(context.Background(), req)

			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonForbiddenRole, d.Reason)
			assert.Equal(t, DecisionRoles, d.Mode)
			assert.Zero(t, lookup.calls)
		})
	}
}

func TestDecide_RoleMatchIsCaseInsensitive(t *testing.T) {
	e := NewEngine(nil)
	req := baseRequest(ModeOff)
	req.Identity.Roles = []string{"ADMIN"}

	d := e.Decide(context.Background(), req)

	assert.True(t, d.Allowed)
	assert.Equal(t, DecisionRoles, d.Mode)
}

func TestDecide_OffModeSkipsLookup(t *testing.T) {
	lookup := &stubLookup{}
	e := NewEngine(lookup)

	d := e.Decide(context.Background(), baseRequest(ModeOff))

	assert.Equal(t, Decision{Allowed: true, Mode: DecisionRoles}, d)
	assert.Zero(t, lookup.calls)
}

func TestDecide_Unavailable(t *testing.T) {
	cases := map[string]func(*Request){
		"no origin":      func(r *Request) { r.HostOrigin = "" },
		"no token":       func(r *Request) { r.Credentials.Token = "" },
		"no credentials": func(r *Request) { r.Credentials = Credentials{} },
		"no code":        func(r *Request) { r.PermissionCode = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			lookup := &stubLookup{}
			e := NewEngine(lookup)

			strict := baseRequest(ModeStrict)
			mutate(&strict)
			d := e.Decide(context.Background(), strict)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonPermissionUnavailable, d.Reason)

			fallback := baseRequest(ModeFallback)
			mutate(&fallback)
			d = e.Decide(context.Background(), fallback)
			assert.True(t, d.Allowed)
			assert.Equal(t, DecisionFallback, d.Mode)
			assert.Equal(t, ReasonPermissionUnavailable, d.Reason)

			assert.Zero(t, lookup.calls)
		})
	}
}

func TestDecide_NilLookupIsUnavailable(t *testing.T) {
	e := NewEngine(nil)

	d := e.Decide(context.Background(), baseRequest(ModeStrict))

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPermissionUnavailable, d.Reason)
}

func TestDecide_LookupFailure(t *testing.T) {
	lookup := &stubLookup{err: errors.New("connection refused")}
	e := NewEngine(lookup)

	d := e.Decide(context.Background(), baseRequest(ModeStrict))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPermissionCheckFailed, d.Reason)
	assert.Contains(t, d.Details, "connection refused")

	d = e.Decide(context.Background(), baseRequest(ModeFallback))
	assert.True(t, d.Allowed)
	assert.Equal(t, DecisionFallback, d.Mode)
	assert.Equal(t, ReasonPermissionCheckFailed, d.Reason)
}

func TestDecide_LookupTimeout(t *testing.T) {
	lookup := &stubLookup{block: true}
	e := NewEngine(lookup, WithLookupTimeout(20*time.Millisecond))

	d := e.Decide(context.Background(), baseRequest(ModeStrict))

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPermissionCheckFailed, d.Reason)
}

func TestDecide_PermissionGranted(t *testing.T) {
	for _, mode := range []string{ModeFallback, ModeStrict} {
		t.Run(mode, func(t *testing.T) {
			lookup := &stubLookup{perms: []Permission{
				{ID: "other", Roles: []string{"user"}},
				{ID: "view-logs", Roles: []string{"ops"}},
			}}
			d := NewEngine(lookup).Decide(context.Background(), baseRequest(mode))

			assert.Equal(t, Decision{Allowed: true, Mode: DecisionPermission}, d)
			assert.Equal(t, 1, lookup.calls)
		})
	}
}

func TestDecide_WildcardGrants(t *testing.T) {
	lookup := &stubLookup{perms: []Permission{{ID: "view-logs", Roles: []string{"*"}}}}

	d := NewEngine(lookup).Decide(context.Background(), baseRequest(ModeStrict))

	assert.True(t, d.Allowed)
}

func TestDecide_NegativePermissionNeverDowngraded(t *testing.T) {
	perms := []Permission{{ID: "view-logs", Roles: []string{"admin"}}}
	for _, mode := range []string{ModeFallback, ModeStrict} {
		t.Run(mode, func(t *testing.T) {
			d := NewEngine(&stubLookup{perms: perms}).Decide(context.Background(), baseRequest(mode))

			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonForbiddenPermission, d.Reason)
		})
	}
}

func TestDecide_MissingPermissionRecordDenies(t *testing.T) {
	lookup := &stubLookup{perms: []Permission{{ID: "something-else", Roles: []string{"*"}}}}

	d := NewEngine(lookup).Decide(context.Background(), baseRequest(ModeFallback))

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonForbiddenPermission, d.Reason)
}

func TestDecide_UnknownModeEnforcedAsStrict(t *testing.T) {
	e := NewEngine(&stubLookup{err: errors.New("down")})

	d := e.Decide(context.Background(), baseRequest("sometimes"))

	require.False(t, d.Allowed)
	assert.Equal(t, ReasonPermissionCheckFailed, d.Reason)
}

func TestGrants(t *testing.T) {
	perms := []Permission{{ID: "view-logs", Roles: []string{" Ops "}}}

	assert.True(t, Grants(perms, "view-logs", []string{"ops"}))
	assert.False(t, Grants(perms, "view-logs", []string{"user"}))
	assert.False(t, Grants(perms, "share-logs", []string{"ops"}))
	assert.False(t, Grants(nil, "view-logs", []string{"ops"}))
}
