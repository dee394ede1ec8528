package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hollowreed/sentrywall/internal/auditlog"
	"github.com/hollowreed/sentrywall/internal/config"
	"github.com/hollowreed/sentrywall/internal/engine"
	"github.com/hollowreed/sentrywall/internal/frontdoor"
	"github.com/hollowreed/sentrywall/internal/geoip"
	"github.com/hollowreed/sentrywall/internal/store"
	"github.com/hollowreed/sentrywall/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/inspectord.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting inspectord",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"policy_base_path", cfg.Policy.BasePath,
	)

	kv := store.New(store.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})
	slog.Info("store configured", "addr", store.Config{Host: cfg.Redis.Host, Port: cfg.Redis.Port}.Addr())

	var lookup geoip.Lookup = geoip.Noop{}
	if cfg.GeoIP.Enabled {
		table := geoip.NewTable()
		loaded := 0
		for _, f := range []string{cfg.GeoIP.CountryFile, cfg.GeoIP.CityFile, cfg.GeoIP.ASNFile} {
			if f == "" {
				continue
			}
			if err := geoip.LoadCSV(table, f); err != nil {
				slog.Warn("geoip: failed to load table", "file", f, "error", err)
				continue
			}
			loaded++
		}
		if loaded > 0 {
			lookup = table
			slog.Info("geoip tables loaded", "files", loaded)
		} else {
			slog.Warn("geoip enabled but no table files loaded, falling back to noop")
		}
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	var audit *auditlog.Store
	if cfg.Auditlog.Enabled {
		audit, err = auditlog.Open(cfg.Auditlog.Path)
		if err != nil {
			slog.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		slog.Info("audit log enabled", "path", cfg.Auditlog.Path, "retention_days", cfg.Auditlog.RetentionDays)
	}

	eng, err := engine.New(cfg.Policy.BasePath)
	if err != nil {
		slog.Error("failed to load policy directory", "error", err)
		os.Exit(1)
	}
	eng.Store = kv
	eng.GeoIP = lookup
	eng.Telemetry = tp
	eng.ContainerName = os.Getenv("HOSTNAME")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pollInterval := cfg.Policy.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	go eng.PollReload(ctx, pollInterval)

	frontHandler := frontdoor.New(eng, lookup, audit, cfg.Control.Auth.Enabled, cfg.Control.Auth.APIKey)

	frontServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      frontHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var controlServer *http.Server
	if cfg.Control.Enabled {
		controlServer = &http.Server{
			Addr:         cfg.Control.Listen,
			Handler:      frontHandler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	errChan := make(chan error, 2)

	go func() {
		slog.Info("inspect server starting", "addr", cfg.Listen)
		if err := frontServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("inspect server error: %w", err)
		}
	}()

	if controlServer != nil {
		go func() {
			slog.Info("control server starting", "addr", cfg.Control.Listen)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("control server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := frontServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("inspect server shutdown error", "error", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("control server shutdown error", "error", err)
		}
	}
	if err := eng.Close(); err != nil {
		slog.Error("engine close error", "error", err)
	}
	if audit != nil {
		if err := audit.Close(); err != nil {
			slog.Error("audit log close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("inspectord stopped")
}
