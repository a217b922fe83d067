package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/mocks"
)

func staticCheck(s Status) CheckFunc {
	return func(ctx context.Context) CheckResult { return CheckResult{Status: s} }
}

func TestHandler(t *testing.T) {
	h := NewHandler(WithVersion("1.0.0"), WithTimeout(time.Second))

	t.Run("Register and check", func(t *testing.T) {
		h.Register(&MemoryCheck{})

		response := h.Check(context.Background())

		if response.Status != StatusHealthy {
			t.Errorf("Status = %v, want %v", response.Status, StatusHealthy)
		}
		if response.Version != "1.0.0" {
			t.Errorf("Version = %v, want %v", response.Version, "1.0.0")
		}
		if _, ok := response.Checks["memory"]; !ok {
			t.Error("Expected 'memory' check in response")
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		h.Unregister("memory")
		response := h.Check(context.Background())

		if len(response.Checks) != 0 {
			t.Errorf("Checks after unregister = %d, want 0", len(response.Checks))
		}
	})
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()
	w := httptest.NewRecorder()

	h.LivenessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, LivenessPath, nil))

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if response["status"] != string(StatusHealthy) {
		t.Errorf("status = %v, want %v", response["status"], StatusHealthy)
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler()

	serve := func() int {
		w := httptest.NewRecorder()
		h.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, ReadinessPath, nil))
		return w.Code
	}

	if code := serve(); code != http.StatusServiceUnavailable {
		t.Errorf("before SetReady: Status = %d, want 503", code)
	}

	h.SetReady(true)
	h.RegisterAs("cache", staticCheck(StatusDegraded))
	if code := serve(); code != http.StatusOK {
		t.Errorf("degraded: Status = %d, want 200", code)
	}

	h.RegisterAs("upstream", staticCheck(StatusUnhealthy))
	if code := serve(); code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: Status = %d, want 503", code)
	}
}

func TestCheckStatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unknown", []Status{StatusHealthy, StatusUnknown}, StatusDegraded},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusUnhealthy},
		{"degraded and unhealthy", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			for i, status := range tt.statuses {
				h.RegisterAs(string(rune('a'+i)), staticCheck(status))
			}

			if got := h.Check(context.Background()).Status; got != tt.expected {
				t.Errorf("Status = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestHideDetails(t *testing.T) {
	h := NewHandler(WithHideDetails())
	h.RegisterAs("a", staticCheck(StatusHealthy))
	if response := h.Check(context.Background()); response.Checks != nil {
		t.Errorf("Checks = %v, want hidden", response.Checks)
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestUpstreamCheck(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.RequireAPIKey("k")

	ok := &UpstreamCheck{Client: client.New(&client.Config{BaseURL: up.URL(), APIKey: "k"})}
	if r := ok.Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("Status = %v (%s), want healthy", r.Status, r.Error)
	}

	bad := &UpstreamCheck{Client: client.New(&client.Config{BaseURL: up.URL(), APIKey: "wrong"})}
	if r := bad.Check(context.Background()); r.Status != StatusUnhealthy || r.Error == "" {
		t.Errorf("result = %+v, want unhealthy with error", r)
	}

	failing := &UpstreamCheck{Client: pingerFunc(func(ctx context.Context) error { return errors.New("dial tcp: refused") })}
	if r := failing.Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", r.Status)
	}

	if r := (&UpstreamCheck{}).Check(context.Background()); r.Status != StatusUnknown {
		t.Errorf("Status = %v, want unknown without a client", r.Status)
	}
}

type fixedStats cache.Stats

func (s fixedStats) Stats() cache.Stats { return cache.Stats(s) }

func TestCacheCheck(t *testing.T) {
	tests := []struct {
		name   string
		stats  cache.Stats
		maxAge time.Duration
		want   Status
	}{
		{"empty", cache.Stats{Stale: true}, 0, StatusDegraded},
		{"fresh", cache.Stats{Populated: true, Size: 10, Age: time.Minute, TTL: 5 * time.Minute}, 0, StatusHealthy},
		{"stale", cache.Stats{Populated: true, Stale: true, Age: 10 * time.Minute}, 0, StatusDegraded},
		{"too old", cache.Stats{Populated: true, Stale: true, Age: 2 * time.Hour}, time.Hour, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &CacheCheck{Cache: fixedStats(tt.stats), MaxAge: tt.maxAge}
			r := c.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Status = %v, want %v (%s%s)", r.Status, tt.want, r.Message, r.Error)
			}
			if r.Metadata["size"] != tt.stats.Size {
				t.Errorf("size = %v, want %d", r.Metadata["size"], tt.stats.Size)
			}
		})
	}
}

func TestMemoryCheck(t *testing.T) {
	if r := (&MemoryCheck{}).Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy", r.Status)
	}
	if r := (&MemoryCheck{MaxHeapBytes: 1}).Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy with a 1 byte limit", r.Status)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := NewHandler()
	h.SetReady(true)
	mux := http.NewServeMux()
	RegisterRoutes(mux, h)

	for _, path := range []string{LivenessPath, ReadinessPath, HealthPath} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("%s: Status = %d, want %d", path, w.Code, http.StatusOK)
			}
		})
	}
}
