package access

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PermissionsPath is the host endpoint listing all permissions and their roles.
const PermissionsPath = "/api/v1/permissions.listAll"

// maxPermissionBody bounds how much of a permissions response is read.
const maxPermissionBody = 4 << 20

// HTTPPermissionLookup fetches the permission list from the host's REST API
// using the caller's forwarded credentials.
type HTTPPermissionLookup struct {
	HTTPClient *http.Client
}

// NewHTTPPermissionLookup creates a lookup whose requests time out after timeout.
func NewHTTPPermissionLookup(timeout time.Duration) *HTTPPermissionLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPermissionLookup{
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// permissionsResponse accepts both shapes the host has served: the
// updated-since form ({"update": [...]}) and a flat list ({"permissions": [...]}).
type permissionsResponse struct {
	Update      []Permission `json:"update"`
	Permissions []Permission `json:"permissions"`
	Success     *bool        `json:"success"`
}

// ListPermissions implements PermissionLookup.
func (l *HTTPPermissionLookup) ListPermissions(ctx context.Context, origin string, creds Credentials) ([]Permission, error) {
	base, err := NormalizeOrigin(origin)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+PermissionsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create permissions request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-Id", creds.UserID)
	req.Header.Set("X-Auth-Token", creds.Token)

	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform permissions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("permissions request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload permissionsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPermissionBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode permissions response: %w", err)
	}
	if payload.Success != nil && !*payload.Success {
		return nil, fmt.Errorf("permissions request reported success=false")
	}

	switch {
	case payload.Update != nil:
		return payload.Update, nil
	case payload.Permissions != nil:
		return payload.Permissions, nil
	default:
		return nil, fmt.Errorf("permissions response contains neither update nor permissions")
	}
}

// NormalizeOrigin validates an http(s) origin and strips any path, query or
// trailing slash.
func NormalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", fmt.Errorf("host origin is empty")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid host origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid host origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid host origin %q: missing host", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}
