package analysis

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/mocks"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/severity"
)

type sliceSource struct {
	findings []model.Finding
	err      error
	calls    int
}

func (s *sliceSource) GetAll(ctx context.Context) ([]model.Finding, error) {
	s.calls++
	return s.findings, s.err
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(" " + string(k) + " ")
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}

	_, err := ParseKind("risk_forecast")
	if !inserrors.IsUnsupported(err) {
		t.Fatalf("error = %v, want unsupported", err)
	}
	if !errors.Is(err, inserrors.ErrUnsupportedAnalysis) {
		t.Error("errors.Is(err, ErrUnsupportedAnalysis) = false")
	}
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(KindProductRisk, Scope{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := req.(ProductRiskRequest); !ok || req.Kind() != KindProductRisk {
		t.Errorf("NewRequest() = %T", req)
	}
	if _, err := NewRequest("nope", Scope{}); !inserrors.IsUnsupported(err) {
		t.Errorf("NewRequest(nope) error = %v", err)
	}
}

func TestEngine_Run(t *testing.T) {
	src := &sliceSource{findings: threeProducts()}
	m := metrics.NewInMemoryCollector()
	clock := core.NewFakeClock(day0.AddDate(0, 0, 100))
	e := NewEngine(src, nil, WithClock(clock), WithMetrics(m))
	ctx := context.Background()

	res, err := e.Run(ctx, CrossProductUsageRequest{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	usage := res.(CrossProductUsageResult)
	if len(usage.Components) != 1 || usage.Components[0].Component != "openssl" {
		t.Errorf("cross product = %+v", usage)
	}

	res, err = e.Run(ctx, VulnerabilityAgeRequest{Scope{Limit: 2}})
	if err != nil {
		t.Fatal(err)
	}
	age := res.(VulnerabilityAgeResult)
	if len(age.Findings) != 2 || age.Findings[0].AgeDays != 99 {
		t.Errorf("age = %+v", age.Findings)
	}

	res, err = e.Run(ctx, ComponentRiskRequest{Scope{Severities: []severity.Level{severity.High}}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Errorf("high findings have no known component, got %+v", res)
	}

	res, err = e.Run(ctx, ProductRiskRequest{Scope{Products: []model.Product{{ID: 3, Name: "C"}}}})
	if err != nil {
		t.Fatal(err)
	}
	pr := res.(ProductRiskResult)
	if len(pr.Products) != 1 || pr.Products[0].Product != "C" || pr.TotalRisk != 25.6 {
		t.Errorf("product risk = %+v", pr)
	}
	if pr.Products[0].RiskSharePercent != 100 {
		t.Errorf("share = %v, want 100 within the scoped input", pr.Products[0].RiskSharePercent)
	}

	res, err = e.Run(ctx, ToolComparisonRequest{Scope{Limit: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if tools := res.(ToolComparisonResult).Tools; len(tools) != 1 || tools[0].Tool != "Trivy Scan" {
		t.Errorf("tools = %+v", tools)
	}

	if got := m.GetCounter(metrics.AnalysesTotal.Name, "kind", string(KindProductRisk)); got != 1 {
		t.Errorf("analyses counter = %v, want 1", got)
	}
}

func TestEngine_RunPropagatesSourceError(t *testing.T) {
	src := &sliceSource{err: &client.TransportError{StatusCode: http.StatusServiceUnavailable}}
	e := NewEngine(src, nil)

	_, err := e.Run(context.Background(), ComponentRiskRequest{})
	if !inserrors.IsTransport(err) {
		t.Errorf("error = %v, want transport", err)
	}
	if _, err := e.Run(context.Background(), nil); inserrors.GetKind(err) != inserrors.KindInvalidInput {
		t.Errorf("Run(nil) error = %v", err)
	}
}

func TestEngine_CachedAggregates(t *testing.T) {
	e := NewEngine(&sliceSource{findings: threeProducts()}, nil)
	ctx := context.Background()

	h, err := e.SeverityHistogram(ctx)
	if err != nil || h.Total() != 9 {
		t.Errorf("SeverityHistogram() = %+v, %v", h, err)
	}
	top, err := e.TopProducts(ctx, 2)
	if err != nil || len(top) != 2 || top[1].Product != "B" {
		t.Errorf("TopProducts() = %v, %v", top, err)
	}
	rows, err := e.ProductBreakdown(ctx, []model.Product{{ID: 1, Name: "A"}})
	if err != nil || len(rows) != 1 || rows[0].Total != 3 {
		t.Errorf("ProductBreakdown() = %+v, %v", rows, err)
	}
}

func seedUpstream(up *mocks.Upstream) {
	up.AddFindings(
		mocks.Finding(1, "a", "Critical", 1, "A", "Trivy Scan"),
		mocks.Finding(2, "b", "High", 1, "A", "Trivy Scan"),
		mocks.Finding(3, "c", "High", 2, "B", "Trivy Scan"),
		mocks.Finding(4, "d", "Low", 2, "B", "ZAP Scan"),
		mocks.With(mocks.Finding(5, "e", "Medium", 1, "A", "ZAP Scan"), "active", false),
		mocks.With(mocks.Finding(6, "f", "Medium", 2, "B", "ZAP Scan"), "active", false),
		mocks.With(mocks.Finding(7, "g", "Medium", 2, "B", "ZAP Scan"), "active", false, "duplicate", true),
	)
}

func TestEngine_OpenClosed(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seedUpstream(up)

	e := NewEngine(nil, client.New(&client.Config{BaseURL: up.URL()}))
	oc, err := e.OpenClosed(context.Background())
	if err != nil {
		t.Fatalf("OpenClosed() error = %v", err)
	}
	if oc.Open != 4 || oc.Closed != 2 {
		t.Errorf("OpenClosed() = %+v, want open 4 closed 2", oc)
	}
	if calls := up.Calls(client.FindingsPath); calls != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
	for _, q := range up.Queries() {
		if q.Get("limit") != "1" {
			t.Errorf("count query %v should ask for a single record", q)
		}
	}
}

func TestEngine_SeverityCounts(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	seedUpstream(up)

	e := NewEngine(nil, client.New(&client.Config{BaseURL: up.URL()}))
	ctx := context.Background()

	h, err := e.SeverityCounts(ctx, 0)
	if err != nil {
		t.Fatalf("SeverityCounts() error = %v", err)
	}
	if h != (severity.Histogram{Critical: 1, High: 2, Low: 1}) {
		t.Errorf("SeverityCounts(all) = %+v", h)
	}
	if calls := up.Calls(client.FindingsPath); calls != 5 {
		t.Errorf("upstream calls = %d, want 5", calls)
	}

	h, err = e.SeverityCounts(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if h != (severity.Histogram{High: 1, Low: 1}) {
		t.Errorf("SeverityCounts(B) = %+v", h)
	}
	for _, q := range up.Queries()[5:] {
		if q.Get("test__engagement__product") != "2" {
			t.Errorf("query %v is not scoped to product 2", q)
		}
	}
}

func TestEngine_LiveCountFailure(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.FailWith(http.StatusUnauthorized)

	e := NewEngine(nil, client.New(&client.Config{BaseURL: up.URL()}))
	_, err := e.SeverityCounts(context.Background(), 0)
	if !inserrors.IsAuthenticationError(err) {
		t.Errorf("error = %v, want authentication", err)
	}

	if _, err := NewEngine(nil, nil).OpenClosed(context.Background()); inserrors.GetKind(err) != inserrors.KindInvalidInput {
		t.Errorf("OpenClosed() without client error = %v", err)
	}
}

func TestEngine_CountTimeout(t *testing.T) {
	up := mocks.NewUpstream()
	defer up.Close()
	up.SetDelay(200 * time.Millisecond)

	e := NewEngine(nil, client.New(&client.Config{BaseURL: up.URL(), Timeout: 20 * time.Millisecond}))
	if _, err := e.OpenClosed(context.Background()); err == nil {
		t.Error("expected a timeout")
	}
}
