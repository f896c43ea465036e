package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/medrelay/medrelay/internal/adapter/driven/carelink"
	"github.com/medrelay/medrelay/internal/adapter/driven/credential"
	"github.com/medrelay/medrelay/internal/adapter/driven/nightscout"
	"github.com/medrelay/medrelay/internal/adapter/driven/proxy"
	httphandler "github.com/medrelay/medrelay/internal/adapter/driving/http"
	"github.com/medrelay/medrelay/internal/application"
	"github.com/medrelay/medrelay/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"carelink_server", cfg.CareLinkServer,
		"country", cfg.Country,
		"token_file", cfg.TokenFile,
		"poll_interval", cfg.PollInterval,
		"listen_addr", cfg.ListenAddr,
		"proxies_configured", cfg.HasProxies(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Resolve portal endpoints (fails fast on an unknown server name).
	endpoints, err := carelink.NewEndpoints(cfg.CareLinkServer, cfg.Country, cfg.Language)
	if err != nil {
		return err
	}

	// 4. Load the proxy list, if configured.
	rotator := proxy.NewRotator(nil, proxy.DefaultMaxRotations)
	if cfg.HasProxies() {
		list, err := proxy.ParseFile(cfg.ProxyFile)
		if err != nil {
			return err
		}
		rotator = proxy.NewRotator(list, proxy.DefaultMaxRotations)
		slog.Info("proxy list loaded", "path", cfg.ProxyFile, "proxies", len(list))
	}

	// 5. Wire driven adapters.
	creds := credential.NewStore(cfg.TokenFile)
	source := carelink.NewClient(endpoints, creds, rotator)

	uploader, err := nightscout.NewClient(cfg.NightscoutURL, cfg.NightscoutKey)
	if err != nil {
		return err
	}
	if err := uploader.Check(ctx); err != nil {
		slog.Warn("nightscout status check failed, continuing anyway", "error", err)
	}

	// 6. Create the poll service and run it. Its only fatal error is
	// startup-time authentication failure.
	pollSvc := application.NewPollService(source, uploader, cfg.DeviceSerial, cfg.PollInterval)
	pollErr := make(chan error, 1)
	go func() {
		pollErr <- pollSvc.Start(ctx)
	}()

	// 7. Serve the status API.
	handler := httphandler.NewServeMux(httphandler.NewHandler(pollSvc, slog.Default()), slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("status server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server error", "error", err)
		}
	}()

	slog.Info("medrelay started",
		"carelink_server", cfg.CareLinkServer,
		"poll_interval", cfg.PollInterval,
	)

	// 8. Wait for shutdown signal or a fatal poll error.
	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-pollErr:
		runErr = err
	}

	// 9. Graceful shutdown of the status server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("status server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}
