package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/app"
	"github.com/safezone/mibs/internal/config"
	httpapi "github.com/safezone/mibs/internal/http"
	"github.com/safezone/mibs/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (or CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(config.PathFromEnv(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, err := logger.New(cfg.Logger, cfg.App.ServiceName+"-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	if dump, err := config.Dump(cfg); err == nil {
		log.Debug("effective config", zap.String("yaml", dump))
	}

	// ---- Context / signals ----
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	authn, err := app.Authenticator(cfg.Auth, log)
	if err != nil {
		log.Error("auth setup failed", zap.Error(err))
		return 1
	}

	// ---- Scheduler ----
	// Its lifetime is managed by Cancel below, not by the signal context.
	if err := a.Scheduler.Start(context.Background()); err != nil {
		log.Error("scheduler start failed", zap.Error(err))
		return 1
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(a.Store, a.DB, authn, log)
	if a.Journal != nil {
		srv.Journal = a.Journal
	}
	server := app.NewHTTPServer(cfg.HTTPServer, srv.Router())
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-rootCtx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("http server failed", zap.Error(err))
		exitCode = 1
	}

	// ---- Graceful shutdown: stop taking requests, then let the in-flight tick finish ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.Timeout.Shutdown)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Scheduler.Cancel(); err != nil {
		log.Warn("scheduler cancel", zap.Error(err))
	}
	return exitCode
}
