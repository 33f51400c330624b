package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callsift/callsift/internal/amd"
	"github.com/callsift/callsift/internal/api"
	"github.com/callsift/callsift/internal/config"
	"github.com/callsift/callsift/internal/database"
	"github.com/callsift/callsift/internal/database/models"
	"github.com/callsift/callsift/internal/database/pgstore"
	"github.com/callsift/callsift/internal/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("starting callsift",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"carrier_configured", cfg.CarrierConfigured(),
	)

	// Open the call store and run migrations.
	calls, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open call store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	adapters, closeAdapters, err := buildAdapters(cfg, logger)
	if err != nil {
		slog.Error("failed to build strategy adapters", "error", err)
		os.Exit(1)
	}
	defer closeAdapters()

	dispatcher, err := amd.NewDispatcher(adapters, cfg.ClassifyTimeout, logger)
	if err != nil {
		slog.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}

	machine := engine.NewMachine(calls, dispatcher, logger)
	machine.StartSweepTicker(appCtx, cfg.SweepInterval, cfg.CallMaxAge)

	// HTTP server using the api package.
	apiSrv := api.NewServer(calls, machine, cfg, logger)
	defer apiSrv.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Let in-flight classifications commit their results.
	machine.Wait()

	slog.Info("callsift stopped")
}

// openStore selects the call store backend: Postgres when a DSN is
// configured, embedded SQLite otherwise.
func openStore(cfg *config.Config) (database.CallRepository, func(), error) {
	if cfg.PostgresDSN != "" {
		store, err := pgstore.New(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("call store ready", "backend", "postgres")
		return store, func() { store.Close() }, nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("call store ready", "backend", "sqlite", "data_dir", cfg.DataDir)
	return database.NewCallRepository(db), func() { db.Close() }, nil
}

// buildAdapters wires one adapter per detection strategy. Backends without
// configuration get a clearly labeled stand-in so every strategy stays
// dialable in development.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (map[string]amd.Adapter, func(), error) {
	adapters := make(map[string]amd.Adapter)

	// The carrier adapter doubles as the call starter for classifier
	// strategies: they classify, the carrier dials.
	var starter amd.CallStarter
	if cfg.CarrierConfigured() {
		carrier := amd.NewCarrierAdapter(amd.CarrierConfig{
			AccountSID:       cfg.CarrierAccountSID,
			AuthToken:        cfg.CarrierAuthToken,
			FromNumber:       cfg.CarrierFromNumber,
			APIBase:          cfg.CarrierAPIBase,
			PublicURL:        cfg.PublicURL,
			MachineDetection: cfg.CarrierMachineDetection,
		}, logger)
		adapters[models.StrategyNativeCarrier] = carrier
		starter = carrier
	} else {
		slog.Warn("carrier not configured, native-carrier strategy uses a stand-in")
		adapters[models.StrategyNativeCarrier] = &amd.StandInAdapter{Model: "carrier-standin", Logger: logger}
	}

	sipAdapter, err := amd.NewSIPEnhancedAdapter(amd.SIPEnhancedConfig{
		Host:      cfg.SIPHost,
		Port:      cfg.SIPPort,
		Transport: cfg.SIPTransport,
		APIBase:   cfg.SIPAPIBase,
		PublicURL: cfg.PublicURL,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating sip-enhanced adapter: %w", err)
	}
	adapters[models.StrategySIPEnhanced] = sipAdapter

	if cfg.HostedABaseURL != "" {
		adapters[models.StrategyMLHostedA] = amd.NewHostedClassifier(amd.HostedConfig{
			Name:     "ml-hosted-a",
			BaseURL:  cfg.HostedABaseURL,
			Path:     "/api/amd/huggingface",
			Username: cfg.ClassifierUsername,
			Password: cfg.ClassifierPassword,
		}, starter, logger)
	} else {
		adapters[models.StrategyMLHostedA] = &amd.StandInAdapter{Model: "ml-hosted-a-standin", Logger: logger}
	}

	if cfg.HostedBBaseURL != "" {
		adapters[models.StrategyMLHostedB] = amd.NewHostedClassifier(amd.HostedConfig{
			Name:     "ml-hosted-b",
			BaseURL:  cfg.HostedBBaseURL,
			Path:     "/api/amd/audio-features",
			Username: cfg.ClassifierUsername,
			Password: cfg.ClassifierPassword,
		}, starter, logger)
	} else {
		adapters[models.StrategyMLHostedB] = &amd.StandInAdapter{Model: "ml-hosted-b-standin", Logger: logger}
	}

	if cfg.RealtimeWSURL != "" {
		adapters[models.StrategyMLRealtime] = amd.NewRealtimeClassifier(amd.RealtimeConfig{
			WSURL: cfg.RealtimeWSURL,
		}, starter, logger)
	} else {
		adapters[models.StrategyMLRealtime] = &amd.StandInAdapter{Model: "ml-realtime-standin", Logger: logger}
	}

	return adapters, sipAdapter.Close, nil
}
