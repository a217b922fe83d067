// Package cache holds the shared, time-boxed snapshot of all active,
// non-duplicate findings.
//
// A read that finds the snapshot missing or older than the TTL refreshes it.
// Concurrent refreshes collapse into one in-flight fetch, and every refresh
// swaps in a complete new snapshot, so readers see either the old collection
// or the new one and never a mix.
package cache

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/paginate"
	"github.com/exploopio/insight/pkg/validate"
)

const (
	// DefaultTTL is the snapshot lifetime when none is configured.
	DefaultTTL = 5 * time.Minute

	// DefaultPageSize is the page size requested from the tracker.
	DefaultPageSize = 100

	// DefaultRefreshTimeout bounds one shared refresh, which outlives the
	// caller that started it.
	DefaultRefreshTimeout = 2 * time.Minute

	flightKey = "findings"
)

// PrefetchFields expands the chain a finding's product and tool hang off.
const PrefetchFields = "test,test__engagement,test__engagement__product,test__test_type"

// FindingsEndpoint is the fixed active, non-duplicate listing the cache reads.
func FindingsEndpoint(pageSize int) string {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return client.Endpoint(client.FindingsPath, url.Values{
		"active":    {"true"},
		"duplicate": {"false"},
		"limit":     {strconv.Itoa(pageSize)},
		"prefetch":  {PrefetchFields},
	})
}

// Snapshot is one immutable generation of the cache. Callers must not modify
// Findings.
type Snapshot struct {
	Findings  []model.Finding
	FetchedAt time.Time
	// Rejected counts records dropped by validation during this refresh.
	Rejected int
	Pages    int

	generation int64
}

// Stats describes the cache for health and diagnostics.
type Stats struct {
	Populated bool          `json:"populated"`
	Size      int           `json:"size"`
	Rejected  int           `json:"rejected"`
	FetchedAt time.Time     `json:"fetched_at,omitempty"`
	Age       time.Duration `json:"age"`
	TTL       time.Duration `json:"ttl"`
	Stale     bool          `json:"stale"`
	Refreshes int64         `json:"refreshes"`
	Failures  int64         `json:"failures"`
}

// FindingsCache is the shared findings store. Create one per process with New
// and pass it to every component that reads findings.
type FindingsCache struct {
	paginator *paginate.Paginator
	endpoint  string
	ttl       time.Duration
	timeout   time.Duration
	clock     core.Clock
	logger    core.Logger
	metrics   metrics.Collector

	snap       atomic.Pointer[Snapshot]
	generation atomic.Int64
	refreshes  atomic.Int64
	failures   atomic.Int64
	group      singleflight.Group
}

// Option configures a FindingsCache.
type Option func(*FindingsCache)

// WithTTL sets the snapshot lifetime.
func WithTTL(d time.Duration) Option {
	return func(c *FindingsCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRefreshTimeout bounds a single refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *FindingsCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock injects the clock used for staleness checks.
func WithClock(clock core.Clock) Option {
	return func(c *FindingsCache) { c.clock = clock }
}

// WithPageSize sets the page size used for refreshes.
func WithPageSize(n int) Option {
	return func(c *FindingsCache) { c.endpoint = FindingsEndpoint(n) }
}

// WithEndpoint overrides the listing endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *FindingsCache) { c.endpoint = endpoint }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(c *FindingsCache) { c.logger = core.ComponentLogger(l, "cache") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *FindingsCache) { c.metrics = metrics.OrNop(m) }
}

// New creates an empty cache. Nothing is fetched until the first read.
func New(p *paginate.Paginator, opts ...Option) *FindingsCache {
	c := &FindingsCache{
		paginator: p,
		endpoint:  FindingsEndpoint(DefaultPageSize),
		ttl:       DefaultTTL,
		timeout:   DefaultRefreshTimeout,
		clock:     core.SystemClock{},
		logger:    &core.NopLogger{},
		metrics:   &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAll returns every cached finding, refreshing first when stale.
func (c *FindingsCache) GetAll(ctx context.Context) ([]model.Finding, error) {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Findings, nil
}

// Snapshot returns the current snapshot, refreshing first when stale. Two
// reads within the TTL return the same *Snapshot.
func (c *FindingsCache) Snapshot(ctx context.Context) (*Snapshot, error) {
	if s := c.snap.Load(); s != nil && c.fresh(s) {
		c.metrics.CounterInc(metrics.CacheReadsTotal.Name, "result", "hit")
		return s, nil
	}
	c.metrics.CounterInc(metrics.CacheReadsTotal.Name, "result", "miss")

	// The shared fetch must not die with whichever caller started it, but it
	// is bounded by the refresh timeout.
	ch := c.group.DoChan(flightKey, func() (any, error) {
		if s := c.snap.Load(); s != nil && c.fresh(s) {
			return s, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, inserrors.E(inserrors.KindTimeout, "cache.Snapshot", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Refresh discards the current snapshot and fetches a new one.
func (c *FindingsCache) Refresh(ctx context.Context) (*Snapshot, error) {
	c.Invalidate()
	return c.Snapshot(ctx)
}

// Invalidate marks the current snapshot stale. It stays readable through Peek
// until the next refresh replaces it.
func (c *FindingsCache) Invalidate() {
	c.generation.Add(1)
}

// Peek returns the current snapshot without refreshing.
func (c *FindingsCache) Peek() (*Snapshot, bool) {
	s := c.snap.Load()
	return s, s != nil
}

// Stats reports the state of the cache.
func (c *FindingsCache) Stats() Stats {
	st := Stats{
		TTL:       c.ttl,
		Refreshes: c.refreshes.Load(),
		Failures:  c.failures.Load(),
		Stale:     true,
	}
	if s := c.snap.Load(); s != nil {
		st.Populated = true
		st.Size = len(s.Findings)
		st.Rejected = s.Rejected
		st.FetchedAt = s.FetchedAt
		st.Age = c.clock.Now().Sub(s.FetchedAt)
		st.Stale = !c.fresh(s)
	}
	return st
}

// TTL returns the configured snapshot lifetime.
func (c *FindingsCache) TTL() time.Duration {
	return c.ttl
}

func (c *FindingsCache) fresh(s *Snapshot) bool {
	return s.generation == c.generation.Load() && c.clock.Now().Sub(s.FetchedAt) <= c.ttl
}

// refresh fetches every page, validates each record and swaps the snapshot.
// On failure the error goes to the readers; the previous snapshot stays
// stored for Peek and Stats but is not served.
func (c *FindingsCache) refresh(ctx context.Context) (*Snapshot, error) {
	gen := c.generation.Load()
	timer := metrics.NewTimer(c.metrics, metrics.CacheRefreshDuration.Name)

	res, err := c.paginator.FetchAll(ctx, c.endpoint)
	if err != nil {
		timer.ObserveDuration()
		c.failures.Add(1)
		c.metrics.CounterInc(metrics.CacheRefreshesTotal.Name, "status", "error")
		c.logger.Error("findings refresh failed: %v", err)
		return nil, inserrors.Wrap(err, "cache.refresh")
	}

	findings, rejected := validate.New(res.Prefetch, c.logger).Batch(res.Records)
	s := &Snapshot{
		Findings:   findings,
		FetchedAt:  c.clock.Now(),
		Rejected:   len(rejected),
		Pages:      res.Pages,
		generation: gen,
	}
	c.snap.Store(s)
	c.refreshes.Add(1)

	elapsed := timer.ObserveDuration()
	c.metrics.CounterInc(metrics.CacheRefreshesTotal.Name, "status", "success")
	c.metrics.GaugeSet(metrics.CacheFindings.Name, float64(len(findings)))
	if len(rejected) > 0 {
		c.metrics.CounterAdd(metrics.RecordsRejectedTotal.Name, float64(len(rejected)))
		c.logger.Warn("dropped %d of %d records that failed validation", len(rejected), len(res.Records))
	}
	c.logger.Info("findings cache refreshed: %d findings from %d pages in %v", len(findings), res.Pages, elapsed)
	return s, nil
}
