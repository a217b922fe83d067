// Package resolve maps free-text product and tool names onto tracker
// identifiers.
//
// Lookup runs in three stages and the first hit wins:
//
//  1. a numeric name is matched by id against the static alias table
//  2. the normalized name is matched against static names and aliases
//  3. a live name__icontains query against the tracker
//
// A name no stage matches yields a KindNotFound error, which callers treat as
// an ordinary empty result.
package resolve

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/core"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/model"
	"github.com/exploopio/insight/pkg/paginate"
)

// Entity is the kind of thing being resolved.
type Entity string

const (
	EntityProduct Entity = "product"
	EntityTool    Entity = "tool"
)

// ParseEntity parses "product" or "tool".
func ParseEntity(s string) (Entity, bool) {
	switch Entity(strings.ToLower(strings.TrimSpace(s))) {
	case EntityProduct:
		return EntityProduct, true
	case EntityTool:
		return EntityTool, true
	}
	return "", false
}

// Stage identifies which lookup stage produced a match.
type Stage string

const (
	StageID     Stage = "id"
	StageStatic Stage = "static"
	StageLive   Stage = "live"
)

// Resolution is a successful lookup.
type Resolution struct {
	Entity Entity `json:"entity"`
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Stage  Stage  `json:"stage"`
}

// liveLimit bounds the candidates fetched by a live lookup.
const liveLimit = 25

// Resolver resolves names. It is safe for concurrent use.
type Resolver struct {
	fetcher paginate.Fetcher
	logger  core.Logger
	metrics metrics.Collector

	products index
	tools    index

	// names learned from live lookups, by entity then id
	mu      sync.RWMutex
	learned map[Entity]map[int]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(r *Resolver) { r.logger = core.ComponentLogger(l, "resolve") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(r *Resolver) { r.metrics = metrics.OrNop(m) }
}

// New creates a resolver over a static table and a fetcher for live lookups.
// A nil table means the built-in one; a nil fetcher disables stage 3.
func New(table *Table, f paginate.Fetcher, opts ...Option) *Resolver {
	if table == nil {
		table = DefaultTable()
	}
	r := &Resolver{
		fetcher:  f,
		logger:   &core.NopLogger{},
		metrics:  &metrics.NopCollector{},
		products: newIndex(table.Products),
		tools:    newIndex(table.Tools),
		learned:  map[Entity]map[int]string{EntityProduct: {}, EntityTool: {}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveProduct resolves a product name.
func (r *Resolver) ResolveProduct(ctx context.Context, name string) (model.Product, error) {
	res, err := r.Resolve(ctx, EntityProduct, name)
	if err != nil {
		return model.Product{}, err
	}
	return model.Product{ID: res.ID, Name: res.Name}, nil
}

// ResolveTool resolves a tool (test type) name.
func (r *Resolver) ResolveTool(ctx context.Context, name string) (model.ToolType, error) {
	res, err := r.Resolve(ctx, EntityTool, name)
	if err != nil {
		return model.ToolType{}, err
	}
	return model.ToolType{ID: res.ID, Name: res.Name}, nil
}

// Resolve runs the three lookup stages for entity.
func (r *Resolver) Resolve(ctx context.Context, entity Entity, name string) (Resolution, error) {
	op := "resolve." + string(entity)
	idx := r.index(entity)
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Resolution{}, inserrors.E(inserrors.KindInvalidInput, op, "empty name")
	}

	// Stage 1: numeric id.
	id, numeric := parseID(trimmed)
	if numeric {
		if a, ok := idx.byID[id]; ok {
			return r.hit(entity, a, StageID), nil
		}
	}

	// Stage 2: normalized static name or alias.
	if a, ok := idx.byName[Normalize(trimmed)]; ok {
		return r.hit(entity, a, StageStatic), nil
	}

	// Stage 3: live lookup.
	if r.fetcher != nil {
		a, ok, err := r.live(ctx, entity, trimmed, id, numeric)
		if err != nil {
			return Resolution{}, inserrors.Wrap(err, op)
		}
		if ok {
			r.learn(entity, a)
			return r.hit(entity, a, StageLive), nil
		}
	}

	r.metrics.CounterInc(metrics.ResolutionsTotal.Name, "entity", string(entity), "stage", "not_found")
	r.logger.Debug("%s %q not found", entity, trimmed)
	return Resolution{}, inserrors.NotFound(op, string(entity), trimmed)
}

// ProductName returns a product name by id from the static table or from
// earlier live lookups. It is the last resort for findings whose product
// reference is a bare id.
func (r *Resolver) ProductName(id int) (string, bool) {
	return r.nameByID(EntityProduct, id)
}

// ToolName returns a tool name by id.
func (r *Resolver) ToolName(id int) (string, bool) {
	return r.nameByID(EntityTool, id)
}

func (r *Resolver) nameByID(entity Entity, id int) (string, bool) {
	if a, ok := r.index(entity).byID[id]; ok {
		return a.Name, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.learned[entity][id]
	return name, ok
}

func (r *Resolver) index(entity Entity) index {
	if entity == EntityTool {
		return r.tools
	}
	return r.products
}

func (r *Resolver) hit(entity Entity, a Alias, stage Stage) Resolution {
	r.metrics.CounterInc(metrics.ResolutionsTotal.Name, "entity", string(entity), "stage", string(stage))
	return Resolution{Entity: entity, ID: a.ID, Name: a.Name, Stage: stage}
}

func (r *Resolver) learn(entity Entity, a Alias) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.learned[entity][a.ID] = a.Name
}

// live queries the tracker. Among the candidates an exact normalized name
// match is preferred, otherwise the first candidate wins.
func (r *Resolver) live(ctx context.Context, entity Entity, name string, id int, numeric bool) (Alias, bool, error) {
	path := client.ProductsPath
	if entity == EntityTool {
		path = client.TestTypesPath
	}

	q := url.Values{"limit": {strconv.Itoa(liveLimit)}}
	if numeric {
		q.Set("id", strconv.Itoa(id))
	} else {
		q.Set("name__icontains", name)
	}

	data, err := r.fetcher.Fetch(ctx, client.Endpoint(path, q))
	if err != nil {
		return Alias{}, false, err
	}

	candidates, err := decodeCandidates(data)
	if err != nil {
		return Alias{}, false, err
	}
	if len(candidates) == 0 {
		return Alias{}, false, nil
	}

	want := Normalize(name)
	for _, c := range candidates {
		if Normalize(c.Name) == want {
			return c, true, nil
		}
	}
	return candidates[0], true, nil
}

func decodeCandidates(data json.RawMessage) ([]Alias, error) {
	var page struct {
		Results []Alias `json:"results"`
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &page.Results); err != nil {
			return nil, inserrors.E(inserrors.KindTransport, "resolve.live", "decode candidates", err)
		}
	} else if err := json.Unmarshal(data, &page); err != nil {
		return nil, inserrors.E(inserrors.KindTransport, "resolve.live", "decode candidates", err)
	}
	return page.Results, nil
}

func parseID(s string) (int, bool) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
