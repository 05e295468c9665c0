package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/commons-mesh/bundleengine/config"
	"github.com/commons-mesh/bundleengine/engine"
	"github.com/commons-mesh/bundleengine/identity"
	"github.com/commons-mesh/bundleengine/internal/logger"
	"github.com/commons-mesh/bundleengine/internal/metrics"
	"github.com/commons-mesh/bundleengine/storage"
	"github.com/commons-mesh/bundleengine/storage/memory"
	"github.com/commons-mesh/bundleengine/storage/postgres"
)

// openEngine loads configuration and identity the same way meshd does and
// wires an engine.Engine over it, without starting the background TTL
// reaper (meshctl operations are one-shot; the reap subcommand runs a tick
// synchronously instead).
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	_ = godotenv.Load()

	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir})
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	id, err := identity.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading identity: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	log := logger.GetDefaultLogger()
	eng := engine.New(store, id, engine.Config{
		CacheBytesBudget: cfg.CacheBytesBudget,
		TTLReaperPeriod:  cfg.TTLReaperPeriod,
		ExpiredRetention: cfg.ExpiredRetention,
		DefaultHopLimit:  cfg.DefaultHopLimit,
		TrustThreshold:   cfg.TrustThreshold,
	}, log, metrics.NewCollector())

	return eng, closeStore, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		st := memory.NewStore()
		return st, func() { _ = st.Close() }, nil
	}
	st, err := postgres.NewStoreFromDSN(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}
