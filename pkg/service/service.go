// Package service is the query surface the chat, analysis and dashboard
// layers call. Every operation returns either a result or a *Failure; no
// error value or panic escapes.
package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/insight/pkg/analysis"
	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/query"
	"github.com/exploopio/insight/pkg/resolve"
	"github.com/exploopio/insight/pkg/severity"
)

const (
	// DefaultTopProducts is the ranking size when none is requested.
	DefaultTopProducts = analysis.DefaultTopProducts

	// maxFanOut bounds concurrent upstream calls of one operation.
	maxFanOut = 8
)

// Service wires the cache, resolver, aggregation engine and query filter.
type Service struct {
	cache    *cache.FindingsCache
	resolver *resolve.Resolver
	engine   *analysis.Engine
	finder   *query.Finder
	topN     int
	logger   core.Logger
	metrics  metrics.Collector
}

// Config holds the collaborators of a Service.
type Config struct {
	Cache    *cache.FindingsCache
	Resolver *resolve.Resolver
	Engine   *analysis.Engine
	Finder   *query.Finder

	// TopProducts is the default ranking size (DefaultTopProducts when 0).
	TopProducts int

	Logger  core.Logger
	Metrics metrics.Collector
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		cache:    cfg.Cache,
		resolver: cfg.Resolver,
		engine:   cfg.Engine,
		finder:   cfg.Finder,
		topN:     cfg.TopProducts,
		logger:   core.ComponentLogger(cfg.Logger, "service"),
		metrics:  metrics.OrNop(cfg.Metrics),
	}
	if s.topN <= 0 {
		s.topN = DefaultTopProducts
	}
	return s
}

// guard runs fn, converting errors and panics into a *Failure.
func guard[T any](s *Service, op string, fn func() (T, *Failure)) (out T, fail *Failure) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("%s panicked: %v\n%s", op, r, debug.Stack())
			var zero T
			out = zero
			fail = &Failure{Kind: inserrors.KindInternal.String(), Op: op, Message: fmt.Sprintf("internal error: %v", r)}
		}
		outcome := "ok"
		if fail != nil {
			outcome = fail.Kind
			s.logger.Warn("%s failed: %v", op, fail)
		}
		s.metrics.CounterInc(metrics.OperationsTotal.Name, "operation", op, "outcome", outcome)
	}()
	return fn()
}

// =============================================================================
// Findings
// =============================================================================

// ListFindings filters findings. An unknown product or tool, or an empty
// match, is a normal result carrying a message.
func (s *Service) ListFindings(ctx context.Context, c query.Criteria) (query.Result, *Failure) {
	return guard(s, "list_findings", func() (query.Result, *Failure) {
		res, err := s.finder.Find(ctx, c)
		if err != nil {
			return query.Result{}, FailureFrom("list_findings", err)
		}
		return res, nil
	})
}

// =============================================================================
// Summaries
// =============================================================================

// SeveritySummary is the severity histogram of all active findings or of one
// product's.
type SeveritySummary struct {
	Product  string             `json:"product,omitempty"`
	Severity severity.Histogram `json:"severity"`
	Total    int                `json:"total"`
	// Source is "cache" for the whole estate and "live" for a product, whose
	// counts come straight from the tracker.
	Source string `json:"source"`
}

// SeveritySummary returns the histogram for product, or for everything when
// product is empty.
func (s *Service) SeveritySummary(ctx context.Context, product string) (SeveritySummary, *Failure) {
	const op = "severity_summary"
	return guard(s, op, func() (SeveritySummary, *Failure) {
		if strings.TrimSpace(product) == "" {
			h, err := s.engine.SeverityHistogram(ctx)
			if err != nil {
				return SeveritySummary{}, FailureFrom(op, err)
			}
			return SeveritySummary{Severity: h, Total: h.Total(), Source: "cache"}, nil
		}

		p, fail := s.resolveProduct(ctx, op, product)
		if fail != nil {
			return SeveritySummary{}, fail
		}
		h, err := s.engine.SeverityCounts(ctx, p.ID)
		if err != nil {
			return SeveritySummary{}, FailureFrom(op, err)
		}
		return SeveritySummary{Product: p.Name, Severity: h, Total: h.Total(), Source: "live"}, nil
	})
}

// OpenClosed returns the live open and closed totals.
func (s *Service) OpenClosed(ctx context.Context) (analysis.OpenClosed, *Failure) {
	return guard(s, "open_closed", func() (analysis.OpenClosed, *Failure) {
		oc, err := s.engine.OpenClosed(ctx)
		if err != nil {
			return analysis.OpenClosed{}, FailureFrom("open_closed", err)
		}
		return oc, nil
	})
}

// TopProducts ranks products by active finding count. n <= 0 uses the
// configured default.
func (s *Service) TopProducts(ctx context.Context, n int) ([]analysis.ProductCount, *Failure) {
	if n <= 0 {
		n = s.topN
	}
	return guard(s, "top_products", func() ([]analysis.ProductCount, *Failure) {
		rows, err := s.engine.TopProducts(ctx, n)
		if err != nil {
			return nil, FailureFrom("top_products", err)
		}
		return rows, nil
	})
}

// ProductSummary is one product's severity breakdown.
type ProductSummary struct {
	Product   string             `json:"product"`
	ProductID int                `json:"product_id"`
	Severity  severity.Histogram `json:"severity"`
	Total     int                `json:"total"`
}

// ProductSummaries is the result of the per-product breakdown.
type ProductSummaries struct {
	Products []ProductSummary `json:"products"`
	// NotFound lists requested names that did not resolve.
	NotFound []string `json:"not_found,omitempty"`
}

// ProductSummaries returns per-product severity breakdowns. Without names it
// covers every product in the cache. With names, each is resolved and its
// live counts fetched concurrently; names that do not resolve are reported
// in NotFound rather than failing the whole call.
func (s *Service) ProductSummaries(ctx context.Context, names []string) (ProductSummaries, *Failure) {
	const op = "product_summaries"
	return guard(s, op, func() (ProductSummaries, *Failure) {
		if len(names) == 0 {
			rows, err := s.engine.ProductBreakdown(ctx, nil)
			if err != nil {
				return ProductSummaries{}, FailureFrom(op, err)
			}
			out := ProductSummaries{Products: make([]ProductSummary, len(rows))}
			for i, r := range rows {
				out.Products[i] = ProductSummary{Product: r.Product, ProductID: r.ProductID, Severity: r.Severity, Total: r.Total}
			}
			return out, nil
		}

		summaries := make([]*ProductSummary, len(names))
		var (
			mu      sync.Mutex
			missing []string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxFanOut)
		for i, name := range names {
			g.Go(func() error {
				p, err := s.resolver.ResolveProduct(gctx, name)
				if inserrors.IsNotFound(err) {
					mu.Lock()
					missing = append(missing, name)
					mu.Unlock()
					return nil
				}
				if err != nil {
					return err
				}
				h, err := s.engine.SeverityCounts(gctx, p.ID)
				if err != nil {
					return err
				}
				summaries[i] = &ProductSummary{Product: p.Name, ProductID: p.ID, Severity: h, Total: h.Total()}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return ProductSummaries{}, FailureFrom(op, err)
		}

		out := ProductSummaries{Products: []ProductSummary{}}
		for _, ps := range summaries {
			if ps != nil {
				out.Products = append(out.Products, *ps)
			}
		}
		if len(out.Products) == 0 {
			return ProductSummaries{}, notFound(op, "no requested product found: "+strings.Join(names, ", "))
		}
		sort.Strings(missing)
		out.NotFound = missing
		return out, nil
	})
}

// =============================================================================
// Analyses
// =============================================================================

// AnalysisParams are the loosely typed parameters accepted from callers.
type AnalysisParams struct {
	Products   []string `json:"products,omitempty"`
	Severities []string `json:"severities,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// AnalysisResult wraps a typed analysis result.
type AnalysisResult struct {
	Kind   analysis.Kind   `json:"kind"`
	Result analysis.Result `json:"result"`
	// Message is set when the analysis produced no rows.
	Message string `json:"message,omitempty"`
}

// Analysis runs the named analysis. Unknown names fail with kind
// "unsupported"; unknown products fail with kind "not_found".
func (s *Service) Analysis(ctx context.Context, kind string, params AnalysisParams) (AnalysisResult, *Failure) {
	const op = "analysis"
	return guard(s, op, func() (AnalysisResult, *Failure) {
		k, err := analysis.ParseKind(kind)
		if err != nil {
			return AnalysisResult{}, FailureFrom(op, err)
		}

		scope := analysis.Scope{Limit: params.Limit}
		for _, raw := range params.Severities {
			level, ok := severity.Parse(raw)
			if !ok {
				return AnalysisResult{}, invalidInput(op, fmt.Sprintf("unknown severity %q", raw))
			}
			scope.Severities = append(scope.Severities, level)
		}
		for _, name := range params.Products {
			p, fail := s.resolveProduct(ctx, op, name)
			if fail != nil {
				return AnalysisResult{}, fail
			}
			scope.Products = append(scope.Products, p)
		}

		req, err := analysis.NewRequest(k, scope)
		if err != nil {
			return AnalysisResult{}, FailureFrom(op, err)
		}
		res, err := s.engine.Run(ctx, req)
		if err != nil {
			return AnalysisResult{}, FailureFrom(op, err)
		}
		out := AnalysisResult{Kind: k, Result: res}
		if res.Empty() {
			out.Message = fmt.Sprintf("no data for %s", k)
		}
		return out, nil
	})
}

// =============================================================================
// Resolution and cache
// =============================================================================

// Resolve maps a product or tool name onto its tracker entity.
func (s *Service) Resolve(ctx context.Context, entity, name string) (resolve.Resolution, *Failure) {
	const op = "resolve"
	return guard(s, op, func() (resolve.Resolution, *Failure) {
		e, ok := resolve.ParseEntity(entity)
		if !ok {
			return resolve.Resolution{}, invalidInput(op, fmt.Sprintf("unknown entity %q; use product or tool", entity))
		}
		res, err := s.resolver.Resolve(ctx, e, name)
		if err != nil {
			return resolve.Resolution{}, FailureFrom(op, err)
		}
		return res, nil
	})
}

// CacheStats reports the findings cache state.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// RefreshCache forces a refresh of the findings cache.
func (s *Service) RefreshCache(ctx context.Context) (cache.Stats, *Failure) {
	const op = "refresh_cache"
	return guard(s, op, func() (cache.Stats, *Failure) {
		if _, err := s.cache.Refresh(ctx); err != nil {
			return cache.Stats{}, FailureFrom(op, err)
		}
		return s.cache.Stats(), nil
	})
}

func (s *Service) resolveProduct(ctx context.Context, op, name string) (model.Product, *Failure) {
	p, err := s.resolver.ResolveProduct(ctx, name)
	if err == nil {
		return p, nil
	}
	if inserrors.IsNotFound(err) {
		return model.Product{}, notFound(op, fmt.Sprintf("product %q not found", name))
	}
	return model.Product{}, FailureFrom(op, err)
}
