package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestJSONPostsPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x-1"}`))
	}))
	defer srv.Close()

	status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL,
		map[string]string{"k": "v"}, 0, 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotContentType)
	}
	var sent map[string]string
	if err := json.Unmarshal(gotBody, &sent); err != nil || sent["k"] != "v" {
		t.Fatalf("payload not marshaled: %s", gotBody)
	}
	var res map[string]string
	if err := DecodeJSON(body, &res); err != nil || res["id"] != "x-1" {
		t.Fatalf("body not returned: %s", body)
	}
}

func TestRequestJSONRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", status)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRequestJSONDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls)
	}
}

func TestRequestJSONExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, 1, time.Millisecond)
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
}

func TestRequestJSONHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := RequestJSON(ctx, srv.Client(), http.MethodGet, srv.URL, nil, 5, time.Minute)
	if err == nil {
		t.Fatalf("cancelled context should abort retries")
	}
}

func TestDecodeJSONEmptyBody(t *testing.T) {
	var out map[string]string
	if err := DecodeJSON(nil, &out); err != nil {
		t.Fatalf("empty body should decode to nothing: %v", err)
	}
}
