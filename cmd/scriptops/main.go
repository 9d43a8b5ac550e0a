package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scriptops/scriptops/internal/analysis"
	"github.com/scriptops/scriptops/internal/config"
	"github.com/scriptops/scriptops/internal/dnscache"
	"github.com/scriptops/scriptops/internal/events"
	"github.com/scriptops/scriptops/internal/logging"
	"github.com/scriptops/scriptops/internal/logship"
	"github.com/scriptops/scriptops/internal/metrics"
	"github.com/scriptops/scriptops/internal/perm"
	"github.com/scriptops/scriptops/internal/ratelimit"
	"github.com/scriptops/scriptops/internal/store"
	"github.com/scriptops/scriptops/internal/web"
)

const shutdownTimeout = 15 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "scriptops",
		Short: "Multi-tenant orchestrator for long-running user scripts",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 3000, "HTTP port for the API server")
	f.String("data-dir", "/var/lib/scriptops", "directory for the database and analysis files")
	f.String("config-dir", "/etc/scriptops", "directory for the DNS cache config")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("env", "production", "deployment environment (development enables error detail)")
	f.StringSlice("worker-command", []string{"node", "/opt/scriptops/worker/run.js"},
		"wrapper command launching an analysis; the script path is appended")
	f.String("ship-url", "", "remote NDJSON log sink URL (empty disables shipping)")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the SCRIPTOPS_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("data_dir", "data-dir")
	bindFlag("config_dir", "config-dir")
	bindFlag("log_level", "log-level")
	bindFlag("env", "env")
	bindFlag("worker_command", "worker-command")
	bindFlag("ship_url", "ship-url")

	viper.SetEnvPrefix("SCRIPTOPS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// The original deployment controlled error disclosure with NODE_ENV;
	// honor it when the dedicated variable is unset.
	if os.Getenv("SCRIPTOPS_ENV") == "" && os.Getenv("NODE_ENV") == "development" {
		viper.Set("env", "development")
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	var shipper *logship.Shipper
	log := buildLogger(cfg, &shipper)
	defer log.Sync() //nolint:errcheck

	log.Info("scriptops starting",
		zap.String("version", config.Version),
		zap.Int("port", cfg.Port),
		zap.String("dataDir", cfg.DataDir),
		zap.String("env", cfg.Env))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	m := metrics.New()
	if shipper != nil {
		shipper.SetQueueGauge(m.ShipperQueued)
	}

	dnsConfigPath := filepath.Join(cfg.ConfigDir, "dns-cache-config.json")
	dnsCfg, err := dnscache.LoadConfig(dnsConfigPath)
	if err != nil {
		return fmt.Errorf("load dns config: %w", err)
	}
	dns := dnscache.NewService(dnsCfg, dnsConfigPath,
		&dnscache.SSRFPolicy{AllowPrivate: cfg.Development()}, log, m)

	hub := events.NewHub(log, m)
	mgr := analysis.NewManager(cfg.DataDir, st, &analysis.OSRunner{}, cfg.WorkerCommand,
		dns, hub, log, m, analysis.Tunables{})

	limiter := ratelimit.New(ratelimit.DefaultLimits())
	log.Info("rate limits", zap.String("limits", limiter.String()))

	server := web.New(cfg, st, perm.New(st, log), limiter, mgr, dns, hub, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Children first so their final log entries still flow to clients,
		// then the HTTP server, then the shipper's last flush.
		mgr.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := dns.WatchConfig(ctx); err != nil {
			log.Warn("dns config watcher", zap.Error(err))
		}
		return nil
	})
	if shipper != nil {
		g.Go(func() error {
			shipper.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				running := 0
				for _, st := range mgr.Statuses() {
					if st.State == analysis.StateRunning {
						running++
					}
				}
				dnsStats := dns.Stats()
				hub.BroadcastToAdmins(events.EventMetricsUpdate, map[string]any{
					"runningAnalyses": running,
					"sseSessions":     hub.SessionCount(),
					"dnsHitRate":      dnsStats.HitRate(),
				})
			}
		}
	})

	// Resume analyses whose persisted intent is running.
	if err := mgr.ResumeIntended(ctx); err != nil {
		log.Warn("resume intended analyses", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("scriptops stopped")
	return nil
}

// buildLogger assembles the root logger, teeing in the shipper core when a
// sink is configured.
func buildLogger(cfg config.Config, shipper **logship.Shipper) *zap.Logger {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.ShipURL == "" {
		return logging.New(level)
	}
	s := logship.New(cfg.ShipURL)
	*shipper = s
	return logging.New(level, logship.NewCore(s, logging.NewEncoder(), level))
}
