// Package analysis implements the aggregations over findings: severity
// histograms, per-product rankings and the named analyses.
//
// The aggregate functions are pure: they take a slice of findings and return
// a result. Engine binds them to the findings cache and to the count-only
// queries that go straight to the tracker.
package analysis

import (
	"context"
	"net/url"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/component"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/severity"
)

// Source supplies the cached active findings.
type Source interface {
	GetAll(ctx context.Context) ([]model.Finding, error)
}

// Counter answers count-only queries against the tracker.
type Counter interface {
	Count(ctx context.Context, path string, query url.Values) (int, error)
}

// OpenClosed holds the two live totals.
type OpenClosed struct {
	Open   int `json:"open"`
	Closed int `json:"closed"`
}

// Engine runs aggregations over the findings cache.
type Engine struct {
	source  Source
	counter Counter
	dict    *component.Dictionary
	names   Namer
	clock   core.Clock
	logger  core.Logger
	metrics metrics.Collector
}

// Option configures an Engine.
type Option func(*Engine)

// WithDictionary sets the component dictionary.
func WithDictionary(d *component.Dictionary) Option {
	return func(e *Engine) {
		if d != nil {
			e.dict = d
		}
	}
}

// WithNamer sets the id-to-name lookup for bare product and tool references.
func WithNamer(n Namer) Option {
	return func(e *Engine) { e.names = n }
}

// WithClock sets the clock used for finding ages.
func WithClock(c core.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) { e.logger = core.ComponentLogger(l, "analysis") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = metrics.OrNop(m) }
}

// NewEngine creates an Engine. counter may be nil, in which case the live
// count operations fail with KindInvalidInput.
func NewEngine(source Source, counter Counter, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		counter: counter,
		dict:    component.Default(),
		clock:   core.SystemClock{},
		logger:  &core.NopLogger{},
		metrics: &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dictionary returns the component dictionary in use.
func (e *Engine) Dictionary() *component.Dictionary {
	return e.dict
}

// Findings returns the cached findings narrowed to products and severities.
func (e *Engine) Findings(ctx context.Context, products []model.Product, levels []severity.Level) ([]model.Finding, error) {
	all, err := e.source.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return FilterSeverities(FilterProducts(all, products), levels), nil
}

// SeverityHistogram counts cached findings per severity.
func (e *Engine) SeverityHistogram(ctx context.Context) (severity.Histogram, error) {
	all, err := e.source.GetAll(ctx)
	if err != nil {
		return severity.Histogram{}, err
	}
	return SeverityHistogram(all), nil
}

// TopProducts ranks products by cached finding count.
func (e *Engine) TopProducts(ctx context.Context, n int) ([]ProductCount, error) {
	all, err := e.source.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return TopProducts(all, e.names, n), nil
}

// ProductBreakdown returns the severity histogram of every product in the
// cache, or of the given products only.
func (e *Engine) ProductBreakdown(ctx context.Context, products []model.Product) ([]ProductBreakdown, error) {
	findings, err := e.Findings(ctx, products, nil)
	if err != nil {
		return nil, err
	}
	return ProductSeverityBreakdown(findings, e.names), nil
}

// OpenClosed asks the tracker for the active and inactive non-duplicate
// totals. Both counts run concurrently; the first failure cancels the other.
func (e *Engine) OpenClosed(ctx context.Context) (OpenClosed, error) {
	if e.counter == nil {
		return OpenClosed{}, errNoCounter("analysis.OpenClosed")
	}
	var out OpenClosed
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := e.counter.Count(gctx, client.FindingsPath, url.Values{"active": {"true"}, "duplicate": {"false"}})
		out.Open = n
		return err
	})
	g.Go(func() error {
		n, err := e.counter.Count(gctx, client.FindingsPath, url.Values{"active": {"false"}, "duplicate": {"false"}})
		out.Closed = n
		return err
	})
	if err := g.Wait(); err != nil {
		return OpenClosed{}, inserrors.Wrap(err, "analysis.OpenClosed")
	}
	return out, nil
}

// SeverityCounts asks the tracker for the active, non-duplicate count of
// each severity, optionally scoped to one product (productID 0 means all).
// The five queries run concurrently.
func (e *Engine) SeverityCounts(ctx context.Context, productID int) (severity.Histogram, error) {
	if e.counter == nil {
		return severity.Histogram{}, errNoCounter("analysis.SeverityCounts")
	}
	levels := severity.AllLevels()
	counts := make([]int, len(levels))

	g, gctx := errgroup.WithContext(ctx)
	for i, level := range levels {
		q := url.Values{
			"active":    {"true"},
			"duplicate": {"false"},
			"severity":  {string(level)},
		}
		if productID > 0 {
			q.Set("test__engagement__product", strconv.Itoa(productID))
		}
		g.Go(func() error {
			n, err := e.counter.Count(gctx, client.FindingsPath, q)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return severity.Histogram{}, inserrors.Wrap(err, "analysis.SeverityCounts")
	}

	var h severity.Histogram
	for i, level := range levels {
		h.Set(level, counts[i])
	}
	return h, nil
}

// Run executes one typed analysis over the cached findings.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req == nil {
		return nil, inserrors.E(inserrors.KindInvalidInput, "analysis.Run", "no analysis requested")
	}
	timer := metrics.NewTimer(e.metrics, metrics.AnalysisDuration.Name, "kind", string(req.Kind()))
	defer timer.ObserveDuration()

	s := req.scope()
	findings, err := e.Findings(ctx, s.Products, s.Severities)
	if err != nil {
		return nil, inserrors.Wrap(err, "analysis.Run")
	}
	e.logger.Debug("running %s over %d findings", req.Kind(), len(findings))

	var res Result
	switch req.(type) {
	case ComponentRiskRequest:
		r := ComponentRiskRanking(findings, e.dict, e.names)
		r.Components = head(r.Components, s.limit())
		res = r
	case ToolComparisonRequest:
		res = ToolComparisonResult{Tools: head(ToolComparison(findings, e.dict, e.names), s.limit())}
	case VulnerabilityAgeRequest:
		res = VulnerabilityAgeResult{Findings: VulnerabilityAge(findings, e.names, e.clock.Now(), s.limit())}
	case CrossProductUsageRequest:
		r := CrossProductUsageResult{
			Components: head(CrossProductUsage(findings, e.dict, e.names, s.Products, 2), s.limit()),
		}
		for _, p := range s.Products {
			r.RequiredProducts = append(r.RequiredProducts, p.Name)
		}
		res = r
	case ProductRiskRequest:
		res = ProductRiskResult{
			Products:  head(ProductRiskRanking(findings, e.names), s.limit()),
			TotalRisk: round1(totalCVSS(findings)),
		}
	default:
		_, err := ParseKind(string(req.Kind()))
		return nil, err
	}

	e.metrics.CounterInc(metrics.AnalysesTotal.Name, "kind", string(req.Kind()))
	return res, nil
}

func head[T any](rows []T, n int) []T {
	if n > 0 && len(rows) > n {
		return rows[:n]
	}
	return rows
}

func totalCVSS(findings []model.Finding) float64 {
	var total float64
	for _, f := range findings {
		total += f.CVSSScore
	}
	return total
}

func errNoCounter(op string) error {
	return inserrors.E(inserrors.KindInvalidInput, op, "no upstream client configured for live counts")
}
