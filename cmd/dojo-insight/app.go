package main

import (
	"io"
	"os"

	"github.com/exploopio/insight/pkg/analysis"
	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/client"
	"github.com/exploopio/insight/pkg/component"
	"github.com/exploopio/insight/pkg/config"
	"github.com/exploopio/insight/pkg/core"
	"github.com/exploopio/insight/pkg/health"
	"github.com/exploopio/insight/pkg/metrics"
	"github.com/exploopio/insight/pkg/paginate"
	"github.com/exploopio/insight/pkg/query"
	"github.com/exploopio/insight/pkg/resolve"
	"github.com/exploopio/insight/pkg/service"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   core.Logger
	metrics  *metrics.PrometheusCollector
	client   *client.Client
	cache    *cache.FindingsCache
	resolver *resolve.Resolver
	service  *service.Service
}

// newApp builds the component graph from cfg. Log output goes to logOut.
func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logOut == nil {
		logOut = os.Stderr
	}

	logger := core.NewZerologLogger(logOut, core.ParseLogLevel(cfg.Log.Level), cfg.Log.Format == "console")
	m := metrics.NewPrometheusCollector(nil)

	cc := cfg.ClientConfig()
	cc.UserAgent = appName + "/" + appVersion
	cc.Logger = logger
	cc.Metrics = m
	c := client.New(cc)

	p := paginate.New(c, paginate.WithLogger(logger), paginate.WithMetrics(m))

	table := resolve.DefaultTable()
	if cfg.AliasesFile != "" {
		extra, err := resolve.LoadTable(cfg.AliasesFile)
		if err != nil {
			return nil, err
		}
		table = table.Merge(extra)
	}
	r := resolve.New(table, c, resolve.WithLogger(logger), resolve.WithMetrics(m))

	fc := cache.New(p,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithPageSize(cfg.Upstream.PageSize),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	)

	dict := component.Default(cfg.Components...)
	engine := analysis.NewEngine(fc, c,
		analysis.WithDictionary(dict),
		analysis.WithNamer(r),
		analysis.WithLogger(logger),
		analysis.WithMetrics(m),
	)
	finder := query.NewFinder(fc, p, r,
		query.WithNamer(r),
		query.WithDictionary(dict),
		query.WithDefaultLimit(cfg.Query.DefaultLimit),
		query.WithLogger(logger),
		query.WithMetrics(m),
	)

	svc := service.New(service.Config{
		Cache:       fc,
		Resolver:    r,
		Engine:      engine,
		Finder:      finder,
		TopProducts: cfg.Query.TopProducts,
		Logger:      logger,
		Metrics:     m,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		client:   c,
		cache:    fc,
		resolver: r,
		service:  svc,
	}, nil
}

// healthHandler registers the checks served by the HTTP server.
func (a *app) healthHandler() *health.Handler {
	h := health.NewHandler(health.WithVersion(appVersion))
	h.Register(&health.UpstreamCheck{Client: a.client})
	h.Register(&health.CacheCheck{Cache: a.cache, MaxAge: 12 * a.cfg.Cache.TTL})
	h.Register(&health.MemoryCheck{})
	return h
}
