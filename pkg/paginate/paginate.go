// Package paginate follows server-supplied "next" links until a listing is
// exhausted and concatenates the pages in server order.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
)

// Fetcher performs a single upstream GET. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) (json.RawMessage, error)
}

// Prefetch holds side tables of expanded entities returned next to the
// results when the request carries a prefetch parameter, keyed by entity kind
// ("test", "engagement", "product", "test_type") and then by id.
type Prefetch map[string]map[string]json.RawMessage

// Lookup returns the raw entity of kind with the given id.
func (p Prefetch) Lookup(kind string, id int) (json.RawMessage, bool) {
	table, ok := p[kind]
	if !ok {
		return nil, false
	}
	raw, ok := table[strconv.Itoa(id)]
	return raw, ok
}

func (p Prefetch) merge(other Prefetch) {
	for kind, table := range other {
		dst, ok := p[kind]
		if !ok {
			dst = make(map[string]json.RawMessage, len(table))
			p[kind] = dst
		}
		for id, raw := range table {
			dst[id] = raw
		}
	}
}

// Result is the concatenation of every page of a listing.
type Result struct {
	Records  []json.RawMessage
	Prefetch Prefetch
	// Count is the server-reported total, or the number of records for a
	// bare-array response.
	Count int
	Pages int
}

type page struct {
	Count    *int              `json:"count"`
	Next     *string           `json:"next"`
	Results  []json.RawMessage `json:"results"`
	Prefetch Prefetch          `json:"prefetch"`
}

// Paginator walks paginated listings.
type Paginator struct {
	fetcher  Fetcher
	logger   core.Logger
	metrics  metrics.Collector
	maxPages int
}

// Option configures a Paginator.
type Option func(*Paginator)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(p *Paginator) { p.logger = core.ComponentLogger(l, "paginate") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(p *Paginator) { p.metrics = metrics.OrNop(m) }
}

// DefaultMaxPages caps one walk when WithMaxPages is not given.
const DefaultMaxPages = 10000

// WithMaxPages stops a walk that exceeds n pages with an error. n <= 0 keeps
// DefaultMaxPages.
func WithMaxPages(n int) Option {
	return func(p *Paginator) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

// New creates a paginator over f.
func New(f Fetcher, opts ...Option) *Paginator {
	p := &Paginator{
		fetcher:  f,
		logger:   &core.NopLogger{},
		metrics:  &metrics.NopCollector{},
		maxPages: DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FetchAll fetches initialEndpoint and every page after it. Pages are
// requested strictly one after another since each next link comes from the
// previous response. Any page failure aborts the walk and discards what was
// already fetched. A next link that was already visited, or a walk longer
// than the page cap, is a transport error.
func (p *Paginator) FetchAll(ctx context.Context, initialEndpoint string) (*Result, error) {
	res := &Result{Prefetch: Prefetch{}}
	endpoint := initialEndpoint
	seenCount := false
	visited := make(map[string]struct{})

	for endpoint != "" {
		if err := ctx.Err(); err != nil {
			return nil, inserrors.E(inserrors.KindTimeout, "paginate.FetchAll", err)
		}
		if res.Pages >= p.maxPages {
			return nil, inserrors.E(inserrors.KindTransport, "paginate.FetchAll",
				fmt.Sprintf("page limit %d exceeded for %s", p.maxPages, initialEndpoint))
		}
		if _, ok := visited[endpoint]; ok {
			return nil, inserrors.E(inserrors.KindTransport, "paginate.FetchAll",
				"pagination loop: next link "+endpoint+" was already fetched")
		}
		visited[endpoint] = struct{}{}

		data, err := p.fetcher.Fetch(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		res.Pages++
		p.metrics.CounterInc(metrics.UpstreamPagesTotal.Name)

		trimmed := strings.TrimSpace(string(data))
		if strings.HasPrefix(trimmed, "[") {
			var records []json.RawMessage
			if err := json.Unmarshal(data, &records); err != nil {
				return nil, inserrors.E(inserrors.KindTransport, "paginate.FetchAll", "decode page "+endpoint, err)
			}
			res.Records = append(res.Records, records...)
			break
		}

		var pg page
		if err := json.Unmarshal(data, &pg); err != nil {
			return nil, inserrors.E(inserrors.KindTransport, "paginate.FetchAll", "decode page "+endpoint, err)
		}
		res.Records = append(res.Records, pg.Results...)
		res.Prefetch.merge(pg.Prefetch)
		if pg.Count != nil && !seenCount {
			res.Count = *pg.Count
			seenCount = true
		}

		endpoint = ""
		if pg.Next != nil {
			endpoint = *pg.Next
		}
	}

	if !seenCount {
		res.Count = len(res.Records)
	}
	p.logger.Debug("fetched %d records in %d pages from %s", len(res.Records), res.Pages, initialEndpoint)
	return res, nil
}
