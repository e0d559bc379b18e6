package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"domainlens/pkg/config"
	"domainlens/pkg/dictionary"
	"domainlens/pkg/dns"
	"domainlens/pkg/logging"
	"domainlens/pkg/ratelimit"
	"domainlens/pkg/storage"
	"domainlens/pkg/telemetry"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	// statsInterval is how often the running server logs its process stats.
	statsInterval = time.Minute

	// retentionInterval is how often old query log rows are pruned.
	retentionInterval = time.Hour
)

// statsSources are the components whose state logProcessStats reports.
type statsSources struct {
	server   *dns.Server
	limiter  *ratelimit.Manager
	queryLog storage.Storage
	holder   *dictionary.Holder // nil in static mode
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yml", "Path to configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("domainlens starting",
		"version", version,
		"build_time", buildTime,
		"mode", cfg.Handler.Mode,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), dns.DefaultShutdownTimeout)
		defer cancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if addr := telem.PrometheusAddr(); addr != nil {
		logger.Info("Metrics endpoint listening", "address", addr.String())
	}

	storageCfg := storage.FromConfig(cfg.Storage)
	queryLog, err := storage.New(&storageCfg, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize query log: %w", err)
	}
	defer func() {
		if err := queryLog.Close(); err != nil {
			logger.Error("Error closing query log", "error", err)
		}
	}()

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	defer limiter.Stop()

	handlers, err := buildHandler(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	if handlers.manager != nil {
		defer handlers.manager.Stop()
	}

	server, err := dns.NewServer(&cfg.Server, handlers.handler, logger, metrics,
		dns.WithRateLimiter(limiter),
		dns.WithQueryLog(queryLog),
	)
	if err != nil {
		return err
	}

	var watcher *config.Watcher
	if cfg.Handler.ReloadRules && handlers.policy != nil {
		watcherLogger := logger.WithFields(map[string]any{"component": "config", "path": configPath})
		watcher, err = config.NewWatcher(configPath, watcherLogger.Logger)
		if err != nil {
			_ = server.Shutdown(ctx)
			return err
		}
		watcher.OnChange(func(newCfg *config.Config) {
			reloadPolicy(handlers.policy, newCfg, logger)
		})
	}

	sources := statsSources{server: server, limiter: limiter, queryLog: queryLog}
	if handlers.manager != nil {
		sources.holder = handlers.manager.Holder()
	}
	logProcessStats(ctx, logger, sources)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Start(gctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logProcessStats(gctx, logger, sources)
			}
		}
	})
	if cfg.Storage.Enabled && cfg.Storage.Retention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(retentionInterval)
			defer ticker.Stop()
			for {
				pruneQueryLog(gctx, logger, queryLog, cfg.Storage.Retention)
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("DNS server stopped with error", "error", err)
		return err
	}

	logger.Info("domainlens stopped")
	return nil
}

// logProcessStats logs resident memory, in-flight requests and the state of
// the components in src.
func logProcessStats(ctx context.Context, logger *logging.Logger, src statsSources) {
	rss, err := residentMemory(ctx)
	if err != nil {
		logger.Debug("Failed to read process memory", "error", err)
		return
	}
	args := []any{
		"rss_bytes", rss,
		"in_flight", src.server.InFlight(),
		"state", src.server.State().String(),
		"rate_limited_clients", src.limiter.TrackedClients(),
	}
	if src.holder != nil {
		snap := src.holder.Get()
		args = append(args,
			"index_domains", snap.Index.Len(),
			"index_age", time.Since(snap.LoadedAt).Round(time.Second))
	}
	if buffered, ok := src.queryLog.(interface{ GetBufferStats() storage.BufferStats }); ok {
		stats := buffered.GetBufferStats()
		args = append(args, "query_log_buffered", stats.Size, "query_log_capacity", stats.Capacity)
	}
	logger.Info("Process stats", args...)
}

// pruneQueryLog deletes query log rows older than retention.
func pruneQueryLog(ctx context.Context, logger *logging.Logger, queryLog storage.Storage, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if err := queryLog.Cleanup(ctx, cutoff); err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to prune query log", "error", err)
		}
		return
	}
	logger.Debug("Query log pruned", "before", cutoff)
}

// residentMemory returns the resident set size of this process.
func residentMemory(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
