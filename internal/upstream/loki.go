// Package upstream fetches raw log streams for a normalized query. The Loki
// client speaks the query_range API; any other source can be plugged in through
// Fetcher.
//
// The stream selector comes from configuration and is never derived from the
// request: the only request-controlled part of the LogQL is a quoted line filter.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/query"
	"github.com/logwarden/logwarden/internal/results"
	"github.com/logwarden/logwarden/internal/telemetry"
)

// Loki endpoints.
const (
	QueryRangePath = "/loki/api/v1/query_range"
	ReadyPath      = "/ready"
)

const maxErrorBody = 1024

// Fetcher returns raw streams for q, at most q.Limit lines. Callers that need to
// detect truncation ask for one line more than they return.
type Fetcher interface {
	Fetch(ctx context.Context, q *query.Query) ([]results.Stream, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, q *query.Query) ([]results.Stream, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, q *query.Query) ([]results.Stream, error) {
	return f(ctx, q)
}

// LokiClient queries a Loki (or Loki-compatible) HTTP API.
type LokiClient struct {
	BaseURL    string
	TenantID   string
	Username   string
	Password   string
	Selector   string
	HTTPClient *http.Client
}

// NewLokiClient creates a client from configuration.
func NewLokiClient(cfg *config.LokiConfig) *LokiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LokiClient{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		TenantID:   cfg.TenantID,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Selector:   cfg.Selector,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type queryRangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string           `json:"resultType"`
		Result     []results.Stream `json:"result"`
	} `json:"data"`
}

// Fetch runs q against query_range, newest first, at most q.Limit lines.
func (c *LokiClient) Fetch(ctx context.Context, q *query.Query) ([]results.Stream, error) {
	params := url.Values{}
	params.Set("query", BuildLogQL(c.Selector, q.Search))
	params.Set("start", strconv.FormatInt(q.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(q.End.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("direction", "backward")

	req, err := c.newRequest(ctx, QueryRangePath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to create query_range request: %w", err)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			telemetry.UpstreamRequestDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			return nil, &Error{Reason: ReasonTimeout, Message: "log backend did not respond in time", Err: err}
		}
		telemetry.UpstreamRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, &Error{Reason: ReasonUnavailable, Message: "log backend is unreachable", Err: err}
	}
	defer resp.Body.Close()
	telemetry.UpstreamRequestDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Reason:     ReasonStatus,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("log backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var payload queryRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if isTimeout(err) {
			return nil, &Error{Reason: ReasonTimeout, Message: "log backend did not respond in time", Err: err}
		}
		return nil, &Error{Reason: ReasonBadResponse, Message: "log backend returned an unreadable response", Err: err}
	}
	if payload.Status != "" && payload.Status != "success" {
		return nil, &Error{Reason: ReasonBadResponse, Message: fmt.Sprintf("log backend reported status %q", payload.Status)}
	}
	if payload.Data.ResultType != "" && payload.Data.ResultType != "streams" {
		return nil, &Error{Reason: ReasonBadResponse, Message: fmt.Sprintf("unexpected result type %q", payload.Data.ResultType)}
	}
	return payload.Data.Result, nil
}

// Ready probes the backend's readiness endpoint.
func (c *LokiClient) Ready(ctx context.Context) error {
	req, err := c.newRequest(ctx, ReadyPath)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("log backend not ready: status %d", resp.StatusCode)
	}
	return nil
}

func (c *LokiClient) newRequest(ctx context.Context, pathAndQuery string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+pathAndQuery, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", c.TenantID)
	}
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	return req, nil
}

// BuildLogQL appends a case-sensitive line filter for search to selector.
func BuildLogQL(selector, search string) string {
	selector = strings.TrimSpace(selector)
	if search == "" {
		return selector
	}
	return selector + " |= " + strconv.Quote(search)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
