// Package main is a post-deployment smoke test. It checks /ready on a running
// instance and, when LGW_SMOKE_TOKEN holds an identity token, runs one small
// log query through the full pipeline.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	base := os.Getenv("LGW_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	base = strings.TrimRight(base, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	ok := check(client, mustRequest(http.MethodGet, base+"/ready", "", ""))
	if token := os.Getenv("LGW_SMOKE_TOKEN"); token != "" {
		req := mustRequest(http.MethodPost, base+"/api/v1/logs/query", `{"since":"5m","limit":1}`, token)
		ok = check(client, req) && ok
	}
	if !ok {
		os.Exit(1)
	}
}

func mustRequest(method, url, body, token string) *http.Request {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func check(client *http.Client, req *http.Request) bool {
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("%s %s: error: %v\n", req.Method, req.URL.Path, err)
		return false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("%s %s: %d\n%s\n", req.Method, req.URL.Path, resp.StatusCode, body)
	return resp.StatusCode == http.StatusOK
}
