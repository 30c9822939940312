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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/database"
	"github.com/voicebridge/voicebridge/internal/events"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/sms"
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

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"ai_endpoint", cfg.AIEndpoint,
	)

	// Open the embedded database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	repos := database.NewRepositories(db)

	// Optional Postgres CDR archive.
	var archive *database.CDRArchive
	if cfg.PostgresDSN != "" {
		archive, err = database.OpenCDRArchive(cfg.PostgresDSN, logger)
		if err != nil {
			slog.Error("failed to open cdr archive", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
	}

	mediaIP, err := cfg.ResolveMediaIP()
	if err != nil {
		slog.Error("failed to resolve media ip", "error", err)
		os.Exit(1)
	}

	ports, err := media.NewPortAllocator(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp port allocator", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := events.NewBus()
	defer bus.Close()

	sipSrv, err := sip.NewServer(cfg, repos, bus, logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}

	mgr := call.NewManager(call.Config{
		MediaIP:    mediaIP,
		Realm:      cfg.SIPRealm,
		AIEndpoint: cfg.AIEndpoint,
		AISecret:   cfg.AISecret,
		JWTSecret:  cfg.JWTSecret,
		MaxCalls:   cfg.MaxCalls,
	}, ports, repos.CDRs, archive, repos.Registrations, sipSrv.Dialer(), sipSrv.TrunkManager(), bus, logger)

	sipSrv.SetCallHandler(mgr)
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// SMS delivery worker.
	smsWorker := sms.NewWorker(repos.SMS, sipSrv.Messages(), sipSrv.TrunkManager(), sipSrv.Client(), logger)
	go smsWorker.Run(appCtx)

	// Prometheus metrics over live state.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(
		mgr,
		ports,
		repos.Registrations,
		&trunkMetricsAdapter{trunks: sipSrv.TrunkManager()},
		repos.CDRs,
		time.Now(),
	))
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	// Admin REST API.
	apiSrv := api.NewServer(cfg, repos, mgr, sipSrv.TrunkManager(), smsWorker,
		sipSrv.Auth().BruteForceGuard(), metricsHandler, logger)
	defer apiSrv.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	// Graceful shutdown: stop accepting admin requests, then drop SIP
	// listeners, then end active calls so each writes its CDR.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	sipSrv.Stop()
	mgr.Stop()
	appCancel()

	slog.Info("voicebridge stopped")
}

// trunkMetricsAdapter converts the trunk manager's runtime state to the
// metrics collector's entries.
type trunkMetricsAdapter struct {
	trunks *sip.TrunkManager
}

func (a *trunkMetricsAdapter) TrunkStatuses() []metrics.TrunkStatusEntry {
	states := a.trunks.GetAllStatuses()
	entries := make([]metrics.TrunkStatusEntry, len(states))
	for i, st := range states {
		entries[i] = metrics.TrunkStatusEntry{
			TrunkID:        st.TrunkID,
			Name:           st.Name,
			Status:         string(st.Status),
			ActiveChannels: st.ActiveChannels,
		}
	}
	return entries
}
