package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rustyeddy/vledger/api"
	"github.com/rustyeddy/vledger/feed"
	"github.com/rustyeddy/vledger/ledger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger over HTTP",
	Long: `Start the ledger with the feed, journal and reconciler described by the
config file and serve it over HTTP until SIGINT or SIGTERM.

With the memory feed, --ticks preloads prices from a CSV file
(time,symbol,bid,ask).

Examples:
  vledger serve
  vledger serve -f vledger.yaml
  vledger serve --ticks data/eurusd.csv`,
	RunE: runServe,
}

var serveTicksPath string

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveTicksPath, "ticks", "", "CSV of ticks to preload into the memory feed")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ledger.NewMetrics(registry)

	var (
		f   feed.Feed
		run func(context.Context) error
		mem *feed.Memory
	)
	switch cfg.Feed.Type {
	case "redis":
		timeout, err := cfg.ResubscribeTimeout()
		if err != nil {
			return fmt.Errorf("resubscribe timeout: %w", err)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Feed.Redis.Addr,
			Password: cfg.Feed.Redis.Password,
			DB:       cfg.Feed.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Feed.Redis.Addr, err)
		}
		rf := feed.NewRedis(rdb, feed.RedisOptions{
			Prefix:             cfg.Feed.Redis.Prefix,
			ResubscribeTimeout: timeout,
			Logger:             logger,
		})
		f, run = rf, rf.Run
	default:
		mem = feed.NewMemory(logger)
		f = mem
	}

	j, err := newJournal(cfg.Journal)
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	a, err := newApp(cfg, f, j, logger, metrics)
	if err != nil {
		_ = j.Close()
		return err
	}
	defer a.close()

	if mem != nil && serveTicksPath != "" {
		src, err := feed.OpenCSVTicks(serveTicksPath, time.Time{}, time.Time{})
		if err != nil {
			return err
		}
		n, err := feed.Pump(ctx, src, mem)
		src.Close()
		if err != nil {
			return fmt.Errorf("preload ticks: %w", err)
		}
		logger.Info("preloaded ticks", "path", serveTicksPath, "ticks", n)
	}

	interval, err := cfg.ReconcileInterval()
	if err != nil {
		return fmt.Errorf("reconcile interval: %w", err)
	}
	reconciler := ledger.NewReconciler(a.ledger, interval, logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.SetupRoutes(api.NewHandler(a.ledger, logger), registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if run != nil {
		g.Go(func() error {
			if err := run(gctx); err != nil {
				metrics.IncFeedError("run")
				return fmt.Errorf("price feed: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "feed", cfg.Feed.Type, "journal", cfg.Journal.Type)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
