package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientPostSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]string{"echo": body["name"].(string)})
	}))
	defer srv.Close()

	c := NewClient(2*time.Second, 1, time.Millisecond)
	resp, err := c.Post(context.Background(), srv.URL, "/do", map[string]any{"name": "peer-a"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !resp.OK || resp.Status != http.StatusOK {
		t.Fatalf("expected OK 200 response, got %+v", resp)
	}
}

func TestClientGetNonRetryableClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad"})
	}))
	defer srv.Close()

	c := NewClient(2*time.Second, 2, time.Millisecond)
	resp, err := c.Get(context.Background(), srv.URL, "/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected 4xx response to report OK=false")
	}
	if attempts != 1 {
		t.Fatalf("expected a 4xx to not trigger retries, got %d attempts", attempts)
	}
}

func TestClientRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	}))
	defer srv.Close()

	c := NewClient(2*time.Second, 3, time.Millisecond)
	resp, err := c.Get(context.Background(), srv.URL, "/x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected eventual success after retries, got %+v", resp)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", attempts)
	}
}

func TestNewErrorAndErrorString(t *testing.T) {
	err := NewError(ErrValidation, http.StatusBadRequest, "missing field")
	if err.Kind != ErrValidation {
		t.Fatalf("Kind = %v, want %v", err.Kind, ErrValidation)
	}
	if err.Status != http.StatusBadRequest {
		t.Fatalf("Status = %d, want %d", err.Status, http.StatusBadRequest)
	}
	want := "ValidationError: missing field"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
