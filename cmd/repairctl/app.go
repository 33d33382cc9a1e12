package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/config"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/health"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/observability"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/repair"
	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/store"
)

// app holds what every command needs once configuration is loaded.
type app struct {
	cfgPath string
	jsonOut bool
	output  string

	stdout io.Writer
	stderr io.Writer

	cfg     *config.Config
	logger  *slog.Logger
	store   store.ManifestStore
	obs     *observability.Provider
	metrics *observability.RepairMetrics
	orch    *repair.Orchestrator
	monitor *health.Monitor
}

// load reads configuration and installs the configured logger.
func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.NewLogger(a.stderr)
	slog.SetDefault(a.logger)
	return nil
}

// open wires the store, telemetry, orchestrator and monitor.
func (a *app) open(ctx context.Context) error {
	if a.orch != nil {
		return nil
	}
	if err := a.load(); err != nil {
		return err
	}
	cfg := a.cfg

	var err error
	a.obs, err = observability.New(ctx, cfg.ObservabilityConfig(version),
		observability.WithLogger(a.logger.With("component", "observability")))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.metrics, err = observability.NewRepairMetrics(a.obs.Meter())
	if err != nil {
		return fmt.Errorf("init repair metrics: %w", err)
	}

	engine, err := cfg.PolicyEngine()
	if err != nil {
		return err
	}
	a.store, err = store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open manifest store: %w", err)
	}

	journal := store.NewTransitionJournal()
	journal.AddHandler(func(e store.JournalEntry) {
		a.logger.Debug("transition journaled", "sequence", e.Sequence, "job_id", e.Transition.JobID,
			"to", e.Transition.To, "entry_hash", e.EntryHash)
	})

	ttl := cfg.TTLPolicy()
	a.orch, err = repair.New(a.store, engine,
		repair.WithTTLPolicy(ttl),
		repair.WithLogger(a.logger.With("component", "repair")),
		repair.WithMetrics(a.metrics),
		repair.WithJournal(journal),
	)
	if err != nil {
		return err
	}
	a.monitor = health.NewMonitor(a.store,
		health.WithTTLPolicy(ttl),
		health.WithRetention(cfg.Health.CleanupRetention),
		health.WithSnapshotFunc(a.metrics.ObserveHealth),
		health.WithLogger(a.logger.With("component", "health")),
	)
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WarnContext(ctx, "close manifest store", "error", err)
		}
	}
	if a.obs != nil {
		_ = a.obs.Shutdown(ctx)
	}
}
