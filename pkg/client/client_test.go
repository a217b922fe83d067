package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/exploopio/insight/pkg/compress"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.AuthScheme != "Token" {
		t.Errorf("AuthScheme = %q, want Token", cfg.AuthScheme)
	}
}

func TestNew_DefaultValues(t *testing.T) {
	c := New(&Config{BaseURL: "https://dojo.example.com/", APIKey: "k"})

	if c.baseURL != "https://dojo.example.com" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient.Timeout != 30*time.Second {
		t.Errorf("timeout should default to 30s, got %v", c.httpClient.Timeout)
	}
	if c.limiter != nil {
		t.Error("limiter should be nil without a rate limit")
	}
}

func TestNewWithOptions(t *testing.T) {
	c := NewWithOptions(
		WithBaseURL("https://custom.example.com"),
		WithAPIKey("custom-key"),
		WithAuthScheme("Bearer"),
		WithTimeout(15*time.Second),
		WithRateLimit(5, 2),
	)

	if c.baseURL != "https://custom.example.com" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if c.apiKey != "custom-key" {
		t.Errorf("apiKey = %q", c.apiKey)
	}
	if c.authScheme != "Bearer" {
		t.Errorf("authScheme = %q", c.authScheme)
	}
	if c.httpClient.Timeout != 15*time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
	if c.limiter == nil || c.limiter.Burst() != 2 {
		t.Error("rate limiter not configured")
	}
}

func TestClient_Headers(t *testing.T) {
	var captured http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.Write([]byte(`{"count":0,"next":null,"results":[]}`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL, APIKey: "my-api-key", AuthScheme: "Bearer"})
	if _, err := c.Fetch(context.Background(), FindingsPath); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if auth := captured.Get("Authorization"); auth != "Bearer my-api-key" {
		t.Errorf("Authorization = %q, want 'Bearer my-api-key'", auth)
	}
	if ct := captured.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want 'application/json'", ct)
	}
	if captured.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be set")
	}
	if ae := captured.Get("Accept-Encoding"); ae != compress.AcceptEncoding {
		t.Errorf("Accept-Encoding = %q", ae)
	}
}

func TestClient_Fetch_RelativeAndAbsolute(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL + "/", APIKey: "k"})
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "api/v2/products/?limit=1"); err != nil {
		t.Fatalf("relative Fetch() error = %v", err)
	}
	if _, err := c.Fetch(ctx, server.URL+"/api/v2/findings/?offset=100"); err != nil {
		t.Fatalf("absolute Fetch() error = %v", err)
	}

	want := []string{"/api/v2/products/?limit=1", "/api/v2/findings/?offset=100"}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("path[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestClient_Fetch_HTTPErrors(t *testing.T) {
	tests := []struct {
		status   int
		wantKind inserrors.Kind
	}{
		{http.StatusBadRequest, inserrors.KindTransport},
		{http.StatusUnauthorized, inserrors.KindAuthentication},
		{http.StatusForbidden, inserrors.KindAuthorization},
		{http.StatusNotFound, inserrors.KindTransport},
		{http.StatusTooManyRequests, inserrors.KindRateLimit},
		{http.StatusBadGateway, inserrors.KindServer},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"detail":"nope"}`))
			}))
			defer server.Close()

			c := New(&Config{BaseURL: server.URL, APIKey: "k"})
			_, err := c.Fetch(context.Background(), FindingsPath)

			te, ok := IsTransportError(err)
			if !ok {
				t.Fatalf("error = %v, want *TransportError", err)
			}
			if te.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", te.StatusCode, tt.status)
			}
			if te.Body != `{"detail":"nope"}` {
				t.Errorf("Body = %q", te.Body)
			}
			if got := inserrors.GetKind(err); got != tt.wantKind {
				t.Errorf("kind = %v, want %v", got, tt.wantKind)
			}
			if !inserrors.IsTransport(err) {
				t.Error("IsTransport() = false")
			}
		})
	}
}

func TestClient_Fetch_NoRetry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL})
	if _, err := c.Fetch(context.Background(), FindingsPath); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClient_Fetch_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>login</html>`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL})
	_, err := c.Fetch(context.Background(), FindingsPath)
	if !errors.Is(err, errInvalidJSON) {
		t.Errorf("error = %v, want errInvalidJSON", err)
	}
}

func TestClient_Fetch_CompressedBody(t *testing.T) {
	payload := []byte(`{"count":1,"next":null,"results":[{"id":1}]}`)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	gw.Write(payload)
	gw.Close()
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	zs := zw.EncodeAll(payload, nil)
	zw.Close()

	bodies := map[compress.Algorithm][]byte{
		compress.AlgorithmGzip: gz.Bytes(),
		compress.AlgorithmZSTD: zs,
	}
	for algo, body := range bodies {
		t.Run(string(algo), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", string(algo))
				w.Write(body)
			}))
			defer server.Close()

			c := New(&Config{BaseURL: server.URL})
			got, err := c.Fetch(context.Background(), FindingsPath)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("Fetch() = %s, want %s", got, payload)
			}
		})
	}
}

func TestClient_Fetch_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Fetch(context.Background(), FindingsPath)
	if got := inserrors.GetKind(err); got != inserrors.KindTimeout {
		t.Errorf("kind = %v, want timeout (err = %v)", got, err)
	}
}

func TestClient_Fetch_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Fetch(ctx, FindingsPath); err == nil {
		t.Error("expected error when context is canceled")
	}
}

func TestClient_Count(t *testing.T) {
	var query url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"count":42,"next":"http://x/?offset=1","results":[{"id":1}]}`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL})
	n, err := c.Count(context.Background(), FindingsPath, url.Values{"active": {"true"}, "duplicate": {"false"}})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 42 {
		t.Errorf("Count() = %d, want 42", n)
	}
	if query.Get("limit") != "1" || query.Get("active") != "true" || query.Get("duplicate") != "false" {
		t.Errorf("query = %v", query)
	}
}

func TestClient_Count_MissingCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(&Config{BaseURL: server.URL})
	if _, err := c.Count(context.Background(), FindingsPath, nil); err == nil {
		t.Error("expected error for a bare array response")
	}
}

func TestClient_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	m := metrics.NewInMemoryCollector()
	c := New(&Config{BaseURL: server.URL, Metrics: m})
	ctx := context.Background()
	c.Fetch(ctx, FindingsPath)
	c.Fetch(ctx, "/missing/")

	if got := m.GetCounter(metrics.UpstreamRequestsTotal.Name, "status", "200"); got != 1 {
		t.Errorf("200 counter = %v, want 1", got)
	}
	if got := m.GetCounter(metrics.UpstreamRequestsTotal.Name, "status", "404"); got != 1 {
		t.Errorf("404 counter = %v, want 1", got)
	}
	if got := len(m.GetHistogram(metrics.UpstreamRequestDuration.Name)); got != 2 {
		t.Errorf("duration observations = %d, want 2", got)
	}
}

func TestTransportError_Error(t *testing.T) {
	err := &TransportError{StatusCode: 500, Body: strings.Repeat("x", 600), URL: "http://h/api", RequestID: "req-1"}
	msg := err.Error()
	if !strings.HasPrefix(msg, "http 500 GET http://h/api: ") {
		t.Errorf("Error() = %q", msg)
	}
	if !strings.HasSuffix(msg, "... (request_id: req-1)") {
		t.Errorf("Error() should truncate body and include request id: %q", msg)
	}
}

func TestIsClientAndServerError(t *testing.T) {
	if !IsClientError(&TransportError{StatusCode: 404}) {
		t.Error("404 should be a client error")
	}
	if IsClientError(&TransportError{StatusCode: 500}) {
		t.Error("500 should not be a client error")
	}
	if !IsServerError(&TransportError{StatusCode: 503}) {
		t.Error("503 should be a server error")
	}
	if IsServerError(errors.New("plain")) {
		t.Error("plain error should not be a server error")
	}
}
