package cache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/mocks"
	"github.com/exploopio/insight/pkg/paginate"
)

func newTestCache(t *testing.T, up *mocks.Upstream, opts ...Option) (*FindingsCache, *core.FakeClock) {
	t.Helper()
	clock := core.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	p := paginate.New(client.New(&client.Config{BaseURL: up.URL()}))
	opts = append([]Option{WithClock(clock), WithTTL(time.Minute)}, opts...)
	return New(p, opts...), clock
}

func seed(up *mocks.Upstream, n int) {
	for i := 1; i <= n; i++ {
		up.AddFindings(mocks.Finding(i, "finding", "High", 1, "A", "Trivy Scan"))
	}
}

func TestFindingsEndpoint(t *testing.T) {
	ep := FindingsEndpoint(50)
	for _, want := range []string{"active=true", "duplicate=false", "limit=50", "prefetch="} {
		if !strings.Contains(ep, want) {
			t.Errorf("FindingsEndpoint() = %q, missing %q", ep, want)
		}
	}
	if !strings.HasPrefix(ep, client.FindingsPath+"?") {
		t.Errorf("FindingsEndpoint() = %q", ep)
	}
}

func TestGetAll_OnlyActiveNonDuplicate(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 3)
	up.AddFindings(
		mocks.With(mocks.Finding(4, "closed", "High", 1, "A", "ZAP Scan"), "active", false),
		mocks.With(mocks.Finding(5, "dup", "High", 1, "A", "ZAP Scan"), "duplicate", true),
	)

	c, _ := newTestCache(t, up)
	findings, err := c.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(findings) != 3 {
		t.Errorf("len = %d, want 3", len(findings))
	}
	for _, f := range findings {
		if !f.Active || f.Duplicate {
			t.Errorf("finding %d active=%v duplicate=%v", f.ID, f.Active, f.Duplicate)
		}
	}
}

func TestSnapshot_FreshReadIsIdentical(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 5)

	c, clock := newTestCache(t, up)
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	clock.Advance(30 * time.Second)
	second, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if first != second {
		t.Error("read before expiry returned a different snapshot")
	}
	if calls := up.Calls(client.FindingsPath); calls != 1 {
		t.Errorf("upstream calls = %d, want 1", calls)
	}
}

func TestSnapshot_ExpiredRefreshesOnceUnderConcurrency(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 5)

	c, clock := newTestCache(t, up)
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	up.SetDelay(100 * time.Millisecond)

	const readers = 20
	var wg sync.WaitGroup
	results := make([]*Snapshot, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Snapshot(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d error = %v", i, errs[i])
		}
		if results[i] == first {
			t.Errorf("reader %d got the expired snapshot", i)
		}
		if results[i] != results[0] {
			t.Errorf("reader %d got a different snapshot", i)
		}
	}
	if calls := up.Calls(client.FindingsPath); calls != 2 {
		t.Errorf("upstream calls = %d, want 2 (initial + one refresh)", calls)
	}
	if got := c.Stats().Refreshes; got != 2 {
		t.Errorf("Refreshes = %d, want 2", got)
	}
}

func TestRefresh_PartialValidation(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.SetPageSize(4)
	for i := 1; i <= 10; i++ {
		rec := mocks.Finding(i, "finding", "Medium", 1, "A", "Trivy Scan")
		switch i {
		case 3:
			rec = mocks.With(rec, "title", nil)
		case 7:
			rec = mocks.With(rec, "severity", 3)
		}
		up.AddFindings(rec)
	}

	m := metrics.NewInMemoryCollector()
	rec := &core.RecordingLogger{}
	c, _ := newTestCache(t, up, WithMetrics(m), WithLogger(rec))

	findings, err := c.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(findings) != 8 {
		t.Errorf("len = %d, want 8", len(findings))
	}
	st := c.Stats()
	if st.Rejected != 2 || st.Size != 8 {
		t.Errorf("Stats() = %+v, want Rejected 2 Size 8", st)
	}
	if got := m.GetCounter(metrics.RecordsRejectedTotal.Name); got != 2 {
		t.Errorf("rejected counter = %v, want 2", got)
	}
	if got := m.GetGauge(metrics.CacheFindings.Name); got != 8 {
		t.Errorf("findings gauge = %v, want 8", got)
	}

	warned := false
	for _, line := range rec.Lines() {
		if strings.HasPrefix(line, "WARN dropped 2 of 10") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a warning about dropped records, got %v", rec.Lines())
	}
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 2)

	c, clock := newTestCache(t, up)
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	up.FailWith(http.StatusBadGateway)

	_, err = c.Snapshot(ctx)
	if !inserrors.IsTransport(err) {
		t.Fatalf("error = %v, want transport error", err)
	}
	if te, ok := client.IsTransportError(err); !ok || te.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want status 502", err)
	}
	if s, ok := c.Peek(); !ok || s != first {
		t.Error("failed refresh replaced the snapshot")
	}
	if c.Stats().Failures != 1 {
		t.Errorf("Failures = %d, want 1", c.Stats().Failures)
	}

	up.FailWith(0)
	if _, err := c.Snapshot(ctx); err != nil {
		t.Errorf("Snapshot() after recovery error = %v", err)
	}
}

func TestInvalidate(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 2)

	c, _ := newTestCache(t, up)
	ctx := context.Background()

	if _, err := c.GetAll(ctx); err != nil {
		t.Fatal(err)
	}
	up.AddFindings(mocks.Finding(3, "new", "Low", 1, "A", "ZAP Scan"))

	c.Invalidate()
	if !c.Stats().Stale {
		t.Error("Stats().Stale = false after Invalidate")
	}
	findings, err := c.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 3 {
		t.Errorf("len = %d, want 3 after invalidation", len(findings))
	}

	s, err := c.Refresh(ctx)
	if err != nil || len(s.Findings) != 3 {
		t.Errorf("Refresh() = %v, %v", s, err)
	}
	if calls := up.Calls(client.FindingsPath); calls != 3 {
		t.Errorf("upstream calls = %d, want 3", calls)
	}
}

func TestSnapshot_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 2)
	up.SetDelay(100 * time.Millisecond)

	c, _ := newTestCache(t, up)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Snapshot(ctx); err == nil {
		t.Fatal("expected the impatient caller to give up")
	}

	s, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(s.Findings) != 2 {
		t.Errorf("len = %d, want 2", len(s.Findings))
	}
	if calls := up.Calls(client.FindingsPath); calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (second reader joins the in-flight fetch)", calls)
	}
}

func TestStats_Empty(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()

	c, _ := newTestCache(t, up)
	st := c.Stats()
	if st.Populated || !st.Stale || st.Size != 0 {
		t.Errorf("Stats() = %+v, want empty and stale", st)
	}
	if st.TTL != time.Minute {
		t.Errorf("TTL = %v", st.TTL)
	}
}

func TestSnapshot_SelfReferencingNextFails(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"count":1,"next":"%s%s?page=2","results":[{"id":1,"title":"x","severity":"High","active":true}]}`,
			srv.URL, r.URL.Path)
	}))
	defer srv.Close()

	p := paginate.New(client.New(&client.Config{BaseURL: srv.URL}))
	c := New(p, WithTTL(time.Minute))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Snapshot(context.Background())
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Snapshot did not return on a looping next link")
	}

	for i, err := range errs {
		if !inserrors.IsTransport(err) {
			t.Errorf("reader %d error = %v, want transport error", i, err)
		}
	}
	if _, ok := c.Peek(); ok {
		t.Error("a failed first load must not publish a snapshot")
	}
}

func TestSnapshot_RefreshTimeoutBoundsSharedFetch(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seed(up, 1)
	up.SetDelay(2 * time.Second)

	c, _ := newTestCache(t, up, WithRefreshTimeout(50*time.Millisecond))

	start := time.Now()
	if _, err := c.Snapshot(context.Background()); err == nil {
		t.Fatal("expected the refresh to time out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Snapshot took %v, want it bounded by the refresh timeout", elapsed)
	}
}
