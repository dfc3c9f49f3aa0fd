package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/query"
)

func testQuery() *query.Query {
	start := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	return &query.Query{
		Start:  start,
		End:    start.Add(time.Hour),
		Limit:  100,
		Search: `timeout "db"`,
	}
}

func newTestClient(url string, timeout time.Duration) *LokiClient {
	return NewLokiClient(&config.LokiConfig{
		BaseURL:  url + "/",
		TenantID: "tenant-a",
		Username: "reader",
		Password: "s3cret",
		Timeout:  timeout,
		Selector: `{job="chat"}`,
	})
}

func TestLokiClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, QueryRangePath, r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, `{job="chat"} |= "timeout \"db\""`, q.Get("query"))
		assert.Equal(t, "1773140400000000000", q.Get("start"))
		assert.Equal(t, "1773144000000000000", q.Get("end"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "backward", q.Get("direction"))
		assert.Equal(t, "tenant-a", r.Header.Get("X-Scope-OrgID"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "reader", user)
		assert.Equal(t, "s3cret", pass)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[
			{"stream":{"app":"api","level":"error"},"values":[["1773143000000000001","boom"],["bad"]]}
		]}}`))
	}))
	defer srv.Close()

	streams, err := newTestClient(srv.URL, time.Second).Fetch(context.Background(), testQuery())

	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "api", streams[0].Labels["app"])
	assert.Len(t, streams[0].Values, 2)
}

func TestLokiClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parse error at line 1", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, time.Second).Fetch(context.Background(), testQuery())

	ue, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonStatus, ue.Reason)
	assert.Equal(t, http.StatusBadRequest, ue.StatusCode)
	assert.Contains(t, ue.Error(), "parse error")
}

func TestLokiClient_BadPayload(t *testing.T) {
	cases := map[string]string{
		"not json":     `<html>`,
		"error status": `{"status":"error","data":{}}`,
		"matrix":       `{"status":"success","data":{"resultType":"matrix","result":[]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL, time.Second).Fetch(context.Background(), testQuery())

			ue, ok := AsError(err)
			require.True(t, ok)
			assert.Equal(t, ReasonBadResponse, ue.Reason)
		})
	}
}

func TestLokiClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 50*time.Millisecond).Fetch(context.Background(), testQuery())

	ue, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, ue.Timeout())
	assert.Equal(t, ReasonTimeout, ue.Reason)
}

func TestLokiClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url, time.Second).Fetch(context.Background(), testQuery())

	ue, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonUnavailable, ue.Reason)
}

func TestBuildLogQL(t *testing.T) {
	assert.Equal(t, `{job="chat"}`, BuildLogQL(` {job="chat"} `, ""))
	assert.Equal(t, `{job="chat"} |= "a\\b"`, BuildLogQL(`{job="chat"}`, `a\b`))
	assert.Equal(t, `{job="chat"} |= "} or {job=~\".+\"}"`, BuildLogQL(`{job="chat"}`, `} or {job=~".+"}`))
}

func TestLokiClient_Ready(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ReadyPath, r.URL.Path)
		assert.Equal(t, "tenant-a", r.Header.Get("X-Scope-OrgID"))
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("ready"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, time.Second)
	require.NoError(t, c.Ready(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, c.Ready(context.Background()))
}
