// Command ecocore runs a node of the virtual economy engine.
//
// Usage:
//
//	ecocore serve --config config.yaml
//	ecocore reconcile --config config.yaml
//	ecocore quote wheat diamond --config config.yaml
//
// Deployment specific values can be set through ECOCORE_* environment
// variables, e.g. ECOCORE_NODE_ID or ECOCORE_REDIS_ADDR.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/ecocore/config"
	"github.com/vadiminshakov/ecocore/internal/app"
	"github.com/vadiminshakov/ecocore/internal/web"
)

const shutdownTimeout = 15 * time.Second

var (
	flags  config.Flags
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "ecocore",
	Short:         "Transactional virtual economy engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if flags.Debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node until interrupted",
	RunE:  serve,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Flag stale pending transfer intents for manual reconciliation and exit",
	RunE:  reconcile,
}

var quoteCmd = &cobra.Command{
	Use:   "quote [product...]",
	Short: "Run one pricing cycle and print buy and sell prices",
	RunE:  quote,
}

func main() {
	flags.Register(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd, reconcileCmd, quoteCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := flags.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := app.New(ctx, cfg, logger, app.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := node.Close(closeCtx); err != nil {
			logger.Error("Shutdown incomplete", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		srv := web.NewServer(cfg.Metrics.Listen, web.Deps{
			Quotes:   node.Pricing,
			Catalog:  node.Catalog,
			Kernel:   node.Bridge,
			Bus:      node.Bus,
			Gatherer: reg,
		}, logger)
		g.Go(func() error { return srv.Start(ctx) })
	}
	g.Go(func() error { return node.Run(ctx) })

	logger.Info("Node started", zap.String("node", cfg.Node.ID))
	return g.Wait()
}

func reconcile(cmd *cobra.Command, _ []string) error {
	cfg, err := flags.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	node, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close(context.Background())

	n, err := node.Sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "flagged %d intent(s) for reconciliation\n", n)
	return nil
}

func quote(cmd *cobra.Command, args []string) error {
	cfg, err := flags.Load()
	if err != nil {
		return err
	}
	cfg.Sync.Enabled = false
	ctx := cmd.Context()

	node, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close(context.Background())

	node.Macro.Tick(ctx)

	if len(args) == 0 {
		for _, it := range node.Catalog.Items() {
			args = append(args, it.ProductID)
		}
	}
	out := cmd.OutOrStdout()
	for _, id := range args {
		fmt.Fprintf(out, "%-24s buy %12.4f  sell %12.4f  %s\n",
			id, node.Pricing.BuyPrice(id), node.Pricing.SellPrice(id), node.Pricing.Phase(id))
	}
	return nil
}
