// Package main runs meshd, the DTN bundle engine daemon: it loads a node's
// identity and configuration, wires the Queue Store, Cache Budget Manager,
// TTL Reaper, Intake Pipeline, and Peer Sync server into one engine.Engine,
// and serves the peer sync, metrics, and health HTTP surfaces until signaled
// to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/commons-mesh/bundleengine/config"
	"github.com/commons-mesh/bundleengine/engine"
	"github.com/commons-mesh/bundleengine/health"
	"github.com/commons-mesh/bundleengine/identity"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/peersync"
	"github.com/commons-mesh/bundleengine/storage"
	"github.com/commons-mesh/bundleengine/storage/memory"
	"github.com/commons-mesh/bundleengine/storage/postgres"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "meshd runs one node of the community mesh bundle engine",
	Long: `meshd loads a node's Ed25519 identity and configuration, then serves
the peer sync protocol, Prometheus metrics, and a health probe for as long
as the process runs. Island access points, bridge relays, and libraries all
run the same binary with different configuration (spec.md §9 Open Question
on node roles).`,
	RunE: runDaemon,
}

func main() {
	rootCmd.Flags().StringVar(&configDir, "config-dir", "config", "directory containing <env>.yaml / default.yaml")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg)
	log.Info("meshd starting", logger.String("environment", cfg.Environment))

	id, err := identity.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	log.Info("node identity ready", logger.String("fingerprint", id.Fingerprint()))

	store, closeStore, err := openStore(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeStore()

	mc := metrics.NewCollector()
	eng := engine.New(store, id, engine.Config{
		CacheBytesBudget: cfg.CacheBytesBudget,
		TTLReaperPeriod:  cfg.TTLReaperPeriod,
		ExpiredRetention: cfg.ExpiredRetention,
		DefaultHopLimit:  cfg.DefaultHopLimit,
		TrustThreshold:   cfg.TrustThreshold,
	}, log, mc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	checker := buildHealthChecker(store, id, eng)

	group, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{}

	syncMux := http.NewServeMux()
	syncMux.Handle("/sync", peersync.NewServer(store, eng.Intake(), cfg.TrustThreshold, log, mc).Handler())
	syncSrv := &http.Server{Addr: cfg.ListenAddr, Handler: syncMux, ReadHeaderTimeout: 10 * time.Second}
	servers = append(servers, syncSrv)
	group.Go(func() error { return serveUntilDone(gctx, syncSrv, "peer sync", log) })

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, metricsSrv)
		group.Go(func() error { return serveUntilDone(gctx, metricsSrv, "metrics", log) })
	}

	if cfg.Health.Enabled {
		healthSrv := &http.Server{Addr: cfg.Health.Addr, Handler: health.NewServer(checker, cfg.Health.Path).Handler(), ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, healthSrv)
		group.Go(func() error { return serveUntilDone(gctx, healthSrv, "health", log) })
	}

	<-ctx.Done()
	log.Info("shutdown signal received, draining servers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}

	return group.Wait()
}

func serveUntilDone(ctx context.Context, srv *http.Server, name string, log logger.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error(name+" server failed", logger.Err(err))
			return err
		}
		return nil
	}
}

func newLogger(cfg *config.Config) *logger.StructuredLogger {
	out := os.Stdout
	l := logger.NewLogger(out, parseLevel(cfg.Logging.Level))
	logger.SetDefaultLogger(l)
	return l
}

func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// openStore constructs the Queue Store backend: Postgres when postgres_dsn
// is configured, the in-memory store otherwise (§6 — no dedicated
// "backend" knob; presence of a DSN selects durability).
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (storage.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		log.Info("using in-memory queue store (no postgres_dsn configured)")
		st := memory.NewStore()
		return st, func() { _ = st.Close() }, nil
	}

	log.Info("connecting to postgres queue store")
	st, err := postgres.NewStoreFromDSN(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func buildHealthChecker(store storage.Store, id *identity.Identity, eng *engine.Engine) *health.HealthChecker {
	checker := health.NewHealthChecker(5 * time.Second)

	ping := func(ctx context.Context) error {
		type pinger interface{ Ping(ctx context.Context) error }
		if p, ok := store.(pinger); ok {
			return p.Ping(ctx)
		}
		_, err := store.TotalBytes(ctx)
		return err
	}
	checker.RegisterCheck("store", health.StoreHealthCheck(ping))

	checker.RegisterCheck("identity", health.IdentityHealthCheck(func() error {
		sig, err := id.Sign([]byte("healthcheck"))
		if err != nil {
			return err
		}
		return identity.Verify(id.PublicKeyBytes(), []byte("healthcheck"), sig)
	}))

	checker.RegisterCheck("cache", health.CacheBudgetHealthCheck(func(ctx context.Context) (int64, int64, error) {
		stats, err := eng.Stats(ctx)
		if err != nil {
			return 0, 0, err
		}
		return stats.CacheBytesUsed, stats.CacheBudget, nil
	}))

	return checker
}
