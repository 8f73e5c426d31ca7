package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/courtflow/courtflow/internal/arbitrage"
	"github.com/courtflow/courtflow/internal/budget"
	"github.com/courtflow/courtflow/internal/cache"
	"github.com/courtflow/courtflow/internal/config"
	"github.com/courtflow/courtflow/internal/events"
	"github.com/courtflow/courtflow/internal/gateway"
	"github.com/courtflow/courtflow/internal/marketplace"
	"github.com/courtflow/courtflow/internal/metrics"
	"github.com/courtflow/courtflow/internal/monitor"
	"github.com/courtflow/courtflow/internal/persistence/postgres"
	"github.com/courtflow/courtflow/internal/realtime"
	"github.com/courtflow/courtflow/internal/registry"
	"github.com/courtflow/courtflow/internal/suspicious"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, monitors and budget engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel, cfg.Server.Production)
	log.Info().Str("version", cfg.Server.Version).Msg("starting courtflow")

	// Shared infrastructure.
	kv, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kv.Close()

	db, stores, err := postgres.Connect(postgres.Config{
		DSN:             cfg.Postgres.DSN,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		QueryTimeout:    cfg.Postgres.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	prom := metrics.NewRegistry()
	ring := metrics.NewRing(metrics.DefaultCapacity)
	bus := events.NewBus()
	defer bus.Close()

	// Venue adapters. The stream handler is bound after the monitor exists.
	var mon *monitor.Monitor
	streamHandler := marketplace.HandlerFunc(func(ev marketplace.StreamEvent) {
		if mon != nil {
			mon.HandleStreamEvent(ev)
		}
	})
	adapterMetrics := func(venue, event string) {
		prom.VenueRequests.WithLabelValues(venue, event).Inc()
	}

	var adapters []*marketplace.Adapter
	var monitorVenues []monitor.VenueSource
	var detectorVenues []arbitrage.VenueLister
	var healthVenues []gateway.VenueStatus
	for name, vc := range cfg.Venues {
		adapter := marketplace.NewAdapter(marketplace.AdapterConfig{
			Name:              name,
			BaseURL:           vc.BaseURL,
			StreamURL:         vc.StreamURL,
			Channels:          vc.Channels,
			RequestsPerSecond: vc.RequestsPerSecond,
			Burst:             vc.Burst,
			MaxRetries:        vc.MaxRetries,
			ReconnectAttempts: vc.ReconnectAttempts,
			HealthPath:        vc.HealthPath,
			QueueThreshold:    vc.QueueThreshold,
			ExecutionRisk:     vc.ExecutionRisk,
			Timeout:           vc.Timeout,
		}, streamHandler, adapterMetrics)
		adapters = append(adapters, adapter)
		monitorVenues = append(monitorVenues, adapter)
		detectorVenues = append(detectorVenues, adapter)
		healthVenues = append(healthVenues, adapter)
	}

	// Monitoring core.
	mon = monitor.New(monitor.Config{
		UpdateInterval:   cfg.Monitor.UpdateInterval,
		ChangeThreshold:  cfg.Monitor.ChangeThreshold,
		VolumeSpikeRatio: cfg.Monitor.VolumeSpikeRatio,
		HistoryRetention: cfg.Monitor.HistoryRetention,
	}, kv, stores.Alerts, monitorVenues, bus)

	detector := arbitrage.New(arbitrage.Config{
		ScanInterval:        cfg.Arbitrage.ScanInterval,
		MinProfitPercentage: cfg.Arbitrage.MinProfitPercentage,
		MinProfitAmount:     mustDecimal(cfg.Arbitrage.MinProfitAmount),
		MaxRiskScore:        cfg.Arbitrage.MaxRiskScore,
		OpportunityTTL:      cfg.Arbitrage.OpportunityTTL,
	}, detectorVenues, kv, bus, func(n int) {
		prom.OpportunitiesActive.Set(float64(n))
	})

	// Budget core.
	scorer := suspicious.New(suspicious.Config{
		MaxHourlyTx:      cfg.Suspicious.MaxHourlyTx,
		MaxDailyTx:       cfg.Suspicious.MaxDailyTx,
		AmountRatio:      cfg.Suspicious.AmountRatio,
		RapidFireSeconds: cfg.Suspicious.RapidFireSeconds,
		PatternTTL:       cfg.Suspicious.PatternTTL,
	}, kv)

	engine := budget.NewEngine(budget.Config{
		DefaultDaily:         mustDecimal(cfg.Budget.DefaultDaily),
		DefaultWeekly:        mustDecimal(cfg.Budget.DefaultWeekly),
		DefaultMonthly:       mustDecimal(cfg.Budget.DefaultMonthly),
		DefaultTotal:         mustDecimal(cfg.Budget.DefaultTotal),
		DefaultMaxPerItem:    mustDecimal(cfg.Budget.DefaultMaxPerItem),
		DefaultEmergencyStop: mustDecimal(cfg.Budget.DefaultEmergencyStop),
		WarningThreshold:     cfg.Budget.WarningThreshold,
		HourlyTxMax:          cfg.Budget.HourlyTxMax,
		Currency:             cfg.Budget.Currency,
	}, stores, kv, scorer, bus, func(outcome string) {
		prom.ApprovalsTotal.WithLabelValues(outcome).Inc()
	})

	scheduler := budget.NewScheduler(engine)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	// Ingress edge.
	auth := gateway.NewAuthenticator(cfg.Auth.JWTSecret)
	hub := realtime.NewHub(auth.VerifyForHub, nil, realtime.Metrics{
		Active:  func(n int) { prom.ActiveConnections.Set(float64(n)) },
		Sent:    func() { prom.MessagesSent.WithLabelValues("push").Inc() },
		Dropped: func() { prom.MessagesDropped.WithLabelValues("push").Inc() },
	})
	defer hub.Close()
	bus.Subscribe(hub.HandleEvent)

	reg, err := registry.New(cfg.Services)
	if err != nil {
		return fmt.Errorf("build service registry: %w", err)
	}
	dispatcher := registry.NewDispatcher(reg, cfg.Server.Version, registry.Metrics{
		Duration: func(service string, _ int, d time.Duration) {
			prom.UpstreamDuration.WithLabelValues(service).Observe(d.Seconds())
		},
		Errors: func(service string) {
			prom.UpstreamErrors.WithLabelValues(service, "transport").Inc()
		},
	})

	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Auth:       auth,
		Dispatcher: dispatcher,
		Hub:        hub,
		Ring:       ring,
		Prom:       prom,
		Engine:     engine,
		Detector:   detector,
		Monitor:    mon,
		Alerts:     stores.Alerts,
		Cache:      kv,
		Store:      db,
		Venues:     healthVenues,
	})

	// Supervised cycles.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, adapter := range adapters {
		if err := adapter.Start(runCtx); err != nil {
			log.Warn().Err(err).Str("venue", adapter.Name()).Msg("adapter start failed")
		}
	}
	go mon.Run(runCtx)
	go detector.Run(runCtx)
	go probeLoop(runCtx, cfg.HealthCheck, adapters, prom)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	cancel()
	for _, adapter := range adapters {
		adapter.Close()
	}
	log.Info().Msg("courtflow stopped")
	return nil
}

// probeLoop checks venue REST reachability on the configured cadence and
// publishes the health gauge.
func probeLoop(ctx context.Context, cfg config.HealthCheckConfig, adapters []*marketplace.Adapter, prom *metrics.Registry) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, adapter := range adapters {
				probeCtx, cancel := context.WithTimeout(ctx, timeout)
				err := adapter.Probe(probeCtx)
				cancel()
				healthy := 0.0
				if err == nil && adapter.Healthy() {
					healthy = 1.0
				}
				prom.VenueHealthy.WithLabelValues(adapter.Name()).Set(healthy)
				if err != nil {
					log.Debug().Err(err).Str("venue", adapter.Name()).Msg("venue probe failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// mustDecimal parses configured money figures; config validation has
// already run, so a parse failure here is a programming error.
func mustDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Fatal().Str("value", v).Err(err).Msg("invalid decimal in config")
	}
	return d
}
