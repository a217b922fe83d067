// Package query filters findings by product, severity, tool, CVE, component
// and active state.
//
// Active findings (the default) are read from the findings cache. Inactive
// findings are not cached, so those queries go to the tracker with the
// filters it understands and the rest are applied locally.
package query

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/exploopio/insight/pkg/analysis"
	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/component"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/paginate"
	"github.com/exploopio/insight/pkg/severity"
	"github.com/exploopio/insight/pkg/validate"
)

// DefaultLimit caps returned records when the criteria set no limit.
const DefaultLimit = 10

// Criteria is any combination of filters. Zero fields do not filter.
type Criteria struct {
	Product    string           `json:"product,omitempty"`
	Severities []severity.Level `json:"severities,omitempty"`
	Tool       string           `json:"tool,omitempty"`
	CVE        string           `json:"cve,omitempty"`
	Component  string           `json:"component,omitempty"`
	// Active nil or true selects open findings; false selects closed ones.
	Active *bool `json:"active,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// String describes the criteria for messages, e.g.
// "product=MCLS, severity=Critical|High".
func (c Criteria) String() string {
	var parts []string
	if c.Product != "" {
		parts = append(parts, "product="+c.Product)
	}
	if len(c.Severities) > 0 {
		levels := make([]string, len(c.Severities))
		for i, l := range c.Severities {
			levels[i] = string(l)
		}
		parts = append(parts, "severity="+strings.Join(levels, "|"))
	}
	if c.Tool != "" {
		parts = append(parts, "tool="+c.Tool)
	}
	if c.CVE != "" {
		parts = append(parts, "cve="+c.CVE)
	}
	if c.Component != "" {
		parts = append(parts, "component="+c.Component)
	}
	if c.Active != nil {
		parts = append(parts, "active="+strconv.FormatBool(*c.Active))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func (c Criteria) active() bool {
	return c.Active == nil || *c.Active
}

// Record is a finding flattened for callers.
type Record struct {
	ID        int            `json:"id"`
	Title     string         `json:"title"`
	Severity  severity.Level `json:"severity"`
	CVSSScore float64        `json:"cvss_score"`
	CVE       string         `json:"cve,omitempty"`
	Component string         `json:"component"`
	Product   string         `json:"product,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Active    bool           `json:"active"`
	Date      time.Time      `json:"date,omitempty"`
}

// Result is the outcome of Find. Message is set when nothing matched or a
// named entity did not resolve.
type Result struct {
	TotalCount    int      `json:"total_count"`
	ReturnedCount int      `json:"returned_count"`
	Records       []Record `json:"records"`
	Message       string   `json:"message,omitempty"`
	// NotFound is set when the product or tool name did not resolve.
	NotFound bool `json:"not_found,omitempty"`
}

// Resolver maps product and tool names onto tracker entities.
type Resolver interface {
	ResolveProduct(ctx context.Context, name string) (model.Product, error)
	ResolveTool(ctx context.Context, name string) (model.ToolType, error)
}

// Lister fetches every page of a listing.
type Lister interface {
	FetchAll(ctx context.Context, endpoint string) (*paginate.Result, error)
}

// Finder answers finding queries.
type Finder struct {
	source       analysis.Source
	lister       Lister
	resolver     Resolver
	names        analysis.Namer
	dict         *component.Dictionary
	defaultLimit int
	logger       core.Logger
	metrics      metrics.Collector
}

// Option configures a Finder.
type Option func(*Finder)

// WithNamer sets the id-to-name lookup for bare references.
func WithNamer(n analysis.Namer) Option {
	return func(f *Finder) { f.names = n }
}

// WithDictionary sets the component dictionary.
func WithDictionary(d *component.Dictionary) Option {
	return func(f *Finder) {
		if d != nil {
			f.dict = d
		}
	}
}

// WithDefaultLimit overrides DefaultLimit.
func WithDefaultLimit(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.defaultLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(f *Finder) { f.logger = core.ComponentLogger(l, "query") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(f *Finder) { f.metrics = metrics.OrNop(m) }
}

// NewFinder creates a Finder. lister serves inactive queries and may be nil
// when those are not needed.
func NewFinder(source analysis.Source, lister Lister, resolver Resolver, opts ...Option) *Finder {
	f := &Finder{
		source:       source,
		lister:       lister,
		resolver:     resolver,
		dict:         component.Default(),
		defaultLimit: DefaultLimit,
		logger:       &core.NopLogger{},
		metrics:      &metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find returns the findings matching c, highest CVSS first (ties by id).
// An unknown product or tool name is a normal result with NotFound set, not
// an error. Errors are reserved for transport failures.
func (f *Finder) Find(ctx context.Context, c Criteria) (Result, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = f.defaultLimit
	}

	var (
		product *model.Product
		tool    *model.ToolType
	)
	if c.Product != "" {
		p, err := f.resolver.ResolveProduct(ctx, c.Product)
		if err != nil {
			return notFoundOr(err)
		}
		product = &p
	}
	if c.Tool != "" {
		t, err := f.resolver.ResolveTool(ctx, c.Tool)
		if err != nil {
			return notFoundOr(err)
		}
		tool = &t
	}

	var (
		findings []model.Finding
		err      error
	)
	if c.active() {
		f.metrics.CounterInc(metrics.QueriesTotal.Name, "source", "cache")
		findings, err = f.source.GetAll(ctx)
	} else {
		f.metrics.CounterInc(metrics.QueriesTotal.Name, "source", "live")
		findings, err = f.fetchInactive(ctx, c, product)
	}
	if err != nil {
		return Result{}, inserrors.Wrap(err, "query.Find")
	}

	matched := f.filter(findings, c, product, tool, !c.active())
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CVSSScore != matched[j].CVSSScore {
			return matched[i].CVSSScore > matched[j].CVSSScore // CVSS DESC
		}
		return matched[i].ID < matched[j].ID
	})

	res := Result{TotalCount: len(matched)}
	if len(matched) == 0 {
		res.Records = []Record{}
		res.Message = "no results for criteria: " + c.String()
		return res, nil
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	res.Records = make([]Record, len(matched))
	for i, m := range matched {
		res.Records[i] = f.view(m)
	}
	res.ReturnedCount = len(res.Records)
	return res, nil
}

func notFoundOr(err error) (Result, error) {
	if inserrors.IsNotFound(err) {
		var e *inserrors.Error
		msg := err.Error()
		if errors.As(err, &e) && e.Message != "" {
			msg = e.Message
		}
		return Result{Records: []Record{}, Message: msg, NotFound: true}, nil
	}
	return Result{}, inserrors.Wrap(err, "query.Find")
}

// fetchInactive asks the tracker for closed, non-duplicate findings, pushing
// down the filters it supports.
func (f *Finder) fetchInactive(ctx context.Context, c Criteria, product *model.Product) ([]model.Finding, error) {
	if f.lister == nil {
		return nil, inserrors.E(inserrors.KindInvalidInput, "query.fetchInactive", "no upstream client configured for inactive findings")
	}
	q := url.Values{
		"active":    {"false"},
		"duplicate": {"false"},
		"limit":     {strconv.Itoa(cache.DefaultPageSize)},
		"prefetch":  {cache.PrefetchFields},
	}
	if product != nil {
		q.Set("test__engagement__product", strconv.Itoa(product.ID))
	}
	if len(c.Severities) == 1 {
		q.Set("severity", string(c.Severities[0]))
	}
	if c.CVE != "" {
		q.Set("cve", c.CVE)
	}

	res, err := f.lister.FetchAll(ctx, client.Endpoint(client.FindingsPath, q))
	if err != nil {
		return nil, err
	}
	findings, rejected := validate.New(res.Prefetch, f.logger).Batch(res.Records)
	if len(rejected) > 0 {
		f.metrics.CounterAdd(metrics.RecordsRejectedTotal.Name, float64(len(rejected)))
		f.logger.Warn("dropped %d of %d inactive records that failed validation", len(rejected), len(res.Records))
	}
	return findings, nil
}

// filter applies the criteria locally. The cache only ever holds what the
// tracker returned for active, non-duplicate findings, so the state flags are
// checked on live results only; a cached record missing "active" still
// counts, as it does in the aggregates.
func (f *Finder) filter(findings []model.Finding, c Criteria, product *model.Product, tool *model.ToolType, live bool) []model.Finding {
	levels := make(map[severity.Level]bool, len(c.Severities))
	for _, l := range c.Severities {
		levels[l] = true
	}
	wantComponent := component.Normalize(c.Component)

	var out []model.Finding
	for _, fd := range findings {
		if live && (fd.Active || fd.Duplicate) {
			continue
		}
		if product != nil {
			p, ok := analysis.ProductOf(fd, f.names)
			if !ok || p.ID != product.ID {
				continue
			}
		}
		if len(levels) > 0 && !levels[fd.Severity] {
			continue
		}
		if tool != nil && !matchesTool(fd, *tool, f.names) {
			continue
		}
		if c.CVE != "" && !strings.EqualFold(fd.CVEString(), c.CVE) {
			continue
		}
		if wantComponent != "" && f.dict.Effective(fd) != wantComponent {
			continue
		}
		out = append(out, fd)
	}
	return out
}

// matchesTool accepts a finding whose tool type id or tool name matches.
func matchesTool(fd model.Finding, tool model.ToolType, names analysis.Namer) bool {
	if id, ok := fd.ToolTypeIDOf(); ok && tool.ID != 0 && id == tool.ID {
		return true
	}
	name, ok := analysis.ToolOf(fd, names)
	return ok && strings.EqualFold(name, tool.Name)
}

func (f *Finder) view(fd model.Finding) Record {
	r := Record{
		ID:        fd.ID,
		Title:     fd.Title,
		Severity:  fd.Severity,
		CVSSScore: fd.CVSSScore,
		CVE:       fd.CVEString(),
		Component: f.dict.Effective(fd),
		Active:    fd.Active,
		Date:      fd.Date,
	}
	if p, ok := analysis.ProductOf(fd, f.names); ok {
		r.Product = p.Name
	}
	if t, ok := analysis.ToolOf(fd, f.names); ok {
		r.Tool = t
	}
	return r
}
