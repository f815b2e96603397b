// Package transport is the HTTP client/server for peer RPCs: spec.md
// §4.1's identity/heartbeat/join/leave/gossip/task/result/checkpoint/cancel
// contract, grounded on services/federation/main.go's net/http ServeMux
// skeleton and services/api-gateway's request-logging middleware.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/swarmguard/meshnode/libs/go/core/resilience"
)

// Response is what every client method returns — never an error for a
// reachable-but-unhappy peer, only for transport-level failure.
type Response struct {
	OK        bool            `json:"ok"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
}

// ErrKind enumerates the error kinds spec.md §7 surfaces outward.
type ErrKind string

const (
	ErrValidation       ErrKind = "ValidationError"
	ErrUnknownPeer      ErrKind = "UnknownPeer"
	ErrUnimplemented    ErrKind = "Unimplemented"
	ErrCapabilityViolation ErrKind = "CapabilityViolation"
	ErrSLOViolation     ErrKind = "SLOViolation"
	ErrTimeout          ErrKind = "Timeout"
	ErrPeerUnreachable  ErrKind = "PeerUnreachable"
)

// Error is a structured error carrying one of the kinds above plus the HTTP
// status it maps to.
type Error struct {
	Kind    ErrKind
	Status  int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func NewError(kind ErrKind, status int, msg string) *Error {
	return &Error{Kind: kind, Status: status, Message: msg}
}

// Client issues outbound peer RPCs, every call wrapped in resilience.Retry.
type Client struct {
	http    *http.Client
	retries int
	delay   time.Duration
	log     *slog.Logger
}

// NewClient builds a client with a bounded timeout and retry budget.
func NewClient(timeout time.Duration, retries int, delay time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		retries: retries,
		delay:   delay,
		log:     slog.Default().With("component", "transport"),
	}
}

// Post issues a JSON POST to baseURL+path, retried through
// resilience.Retry.
func (c *Client) Post(ctx context.Context, baseURL, path string, body any) (Response, error) {
	return c.do(ctx, http.MethodPost, baseURL, path, body)
}

// Get issues a JSON GET to baseURL+path.
func (c *Client) Get(ctx context.Context, baseURL, path string) (Response, error) {
	return c.do(ctx, http.MethodGet, baseURL, path, nil)
}

func (c *Client) do(ctx context.Context, method, baseURL, path string, body any) (Response, error) {
	url := baseURL + path
	return resilience.Retry(ctx, max(1, c.retries+1), c.delay, func() (Response, error) {
		start := time.Now()
		var reader *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return Response{}, err
			}
			reader = bytes.NewReader(raw)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return Response{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return Response{}, err
		}
		defer resp.Body.Close()
		var data json.RawMessage
		_ = json.NewDecoder(resp.Body).Decode(&data)
		latency := time.Since(start).Milliseconds()
		r := Response{
			OK:        resp.StatusCode >= 200 && resp.StatusCode < 300,
			Status:    resp.StatusCode,
			Data:      data,
			LatencyMS: latency,
		}
		if resp.StatusCode >= 500 {
			return r, fmt.Errorf("peer returned %d", resp.StatusCode)
		}
		return r, nil
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// writeJSON is the server-side helper mirroring
// services/federation/main.go's writeJSON.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a structured Error as its mapped HTTP status.
func writeError(w http.ResponseWriter, err *Error) {
	writeJSON(w, err.Status, map[string]string{"error": string(err.Kind), "message": err.Message})
}
