package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exploopio/insight/pkg/analysis"
	"github.com/exploopio/insight/pkg/config"
	"github.com/exploopio/insight/pkg/query"
	"github.com/exploopio/insight/pkg/server"
	"github.com/exploopio/insight/pkg/service"
	"github.com/exploopio/insight/pkg/severity"
)

// cli carries the state shared by subcommands once the root has run.
type cli struct {
	cfgFile  string
	output   string
	logLevel string

	app *app
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Query and analyse findings from a vulnerability tracker",
		Version:       appVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
				return nil
			}
			if cmd.HasParent() && cmd.Parent().Name() == "completion" {
				return nil
			}
			return c.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "output format: text or json")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(
		c.serveCmd(),
		c.findingsCmd(),
		c.summaryCmd(),
		c.analyzeCmd(),
		c.resolveCmd(),
		c.cacheCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	if c.output != "text" && c.output != "json" {
		return fmt.Errorf("unknown output format %q; use text or json", c.output)
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	a, err := newApp(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// emit prints v, or the failure, in the selected format.
func (c *cli) emit(cmd *cobra.Command, v any, fail *service.Failure) error {
	out := newPrinter(cmd.OutOrStdout(), c.output == "json")
	if fail != nil {
		out.failure(fail)
		return fail
	}
	return out.print(v)
}

// =============================================================================
// serve
// =============================================================================

func (c *cli) serveCmd() *cobra.Command {
	var (
		address string
		warm    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			if address == "" {
				address = a.cfg.Server.Address
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					a.logger.Info("received %v, shutting down", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			hh := a.healthHandler()
			srv := server.New(a.service,
				server.WithAddress(address),
				server.WithHealth(hh),
				server.WithMetrics(a.metrics, a.cfg.Server.MetricsPath),
				server.WithLogger(a.logger),
			)

			if warm {
				if _, fail := a.service.RefreshCache(ctx); fail != nil {
					a.logger.Warn("initial cache load failed: %v", fail)
				}
			}
			hh.SetReady(true)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	cmd.Flags().BoolVar(&warm, "warm", true, "load the findings cache before accepting traffic")
	return cmd
}

// =============================================================================
// findings
// =============================================================================

func (c *cli) findingsCmd() *cobra.Command {
	var (
		crit       query.Criteria
		severities []string
		closed     bool
	)
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List findings matching the given filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			levels, err := parseLevels(severities)
			if err != nil {
				return err
			}
			crit.Severities = levels
			if closed {
				active := false
				crit.Active = &active
			}
			res, fail := c.app.service.ListFindings(cmd.Context(), crit)
			return c.emit(cmd, res, fail)
		},
	}
	f := cmd.Flags()
	f.StringVar(&crit.Product, "product", "", "product name or id")
	f.StringSliceVar(&severities, "severity", nil, "severities (repeat or comma-separate)")
	f.StringVar(&crit.Tool, "tool", "", "scanner name")
	f.StringVar(&crit.CVE, "cve", "", "CVE identifier")
	f.StringVar(&crit.Component, "component", "", "affected component")
	f.BoolVar(&closed, "closed", false, "list inactive findings instead of active ones")
	f.IntVar(&crit.Limit, "limit", 0, fmt.Sprintf("maximum records (default %d)", query.DefaultLimit))
	return cmd
}

func parseLevels(raw []string) ([]severity.Level, error) {
	out := make([]severity.Level, 0, len(raw))
	for _, s := range raw {
		l, ok := severity.Parse(s)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", s)
		}
		out = append(out, l)
	}
	return out, nil
}

// =============================================================================
// summary
// =============================================================================

func (c *cli) summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Severity and product summaries",
	}

	var product string
	sev := &cobra.Command{
		Use:   "severity",
		Short: "Severity histogram of active findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.SeveritySummary(cmd.Context(), product)
			return c.emit(cmd, res, fail)
		},
	}
	sev.Flags().StringVar(&product, "product", "", "limit to one product")

	openClosed := &cobra.Command{
		Use:   "open-closed",
		Short: "Open and closed finding totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.OpenClosed(cmd.Context())
			return c.emit(cmd, res, fail)
		},
	}

	var n int
	top := &cobra.Command{
		Use:   "top-products",
		Short: "Products ranked by active finding count",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.TopProducts(cmd.Context(), n)
			return c.emit(cmd, res, fail)
		},
	}
	top.Flags().IntVarP(&n, "top", "n", 0, "number of products (default from query.top_products)")

	products := &cobra.Command{
		Use:   "products [name...]",
		Short: "Per-product severity breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.ProductSummaries(cmd.Context(), args)
			return c.emit(cmd, res, fail)
		},
	}

	cmd.AddCommand(sev, openClosed, top, products)
	return cmd
}

// =============================================================================
// analyze
// =============================================================================

func (c *cli) analyzeCmd() *cobra.Command {
	var params service.AnalysisParams
	kinds := make([]string, len(analysis.AllKinds()))
	for i, k := range analysis.AllKinds() {
		kinds[i] = string(k)
	}

	cmd := &cobra.Command{
		Use:       "analyze <kind>",
		Short:     "Run a cross-cutting analysis",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kinds,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.Analysis(cmd.Context(), args[0], params)
			return c.emit(cmd, res, fail)
		},
	}
	cmd.Flags().StringSliceVar(&params.Products, "product", nil, "products to include")
	cmd.Flags().StringSliceVar(&params.Severities, "severity", nil, "severities to include")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, fmt.Sprintf("maximum rows (default %d)", analysis.DefaultLimit))
	return cmd
}

// =============================================================================
// resolve, cache, version
// =============================================================================

func (c *cli) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <product|tool> <name>",
		Short:     "Resolve a product or tool name to its tracker id",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"product", "tool"},
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.Resolve(cmd.Context(), args[0], args[1])
			return c.emit(cmd, res, fail)
		},
	}
}

func (c *cli) cacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Load the findings cache and report its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, fail := c.app.service.RefreshCache(cmd.Context())
			return c.emit(cmd, res, fail)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, appVersion)
		},
	}
}
