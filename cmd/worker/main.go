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

	"github.com/go-chi/chi/v5"
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
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	cfg, err := config.Load(config.PathFromEnv(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log, err := logger.New(cfg.Logger, cfg.App.ServiceName+"-worker")
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

	// ---- DB / scheduler ----
	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	if *once {
		stats, err := a.Scheduler.Tick(rootCtx)
		if err != nil {
			log.Error("tick failed", zap.Error(err))
			return 1
		}
		log.Info("tick done",
			zap.Int("claimed", stats.Claimed),
			zap.Int("sent", stats.Sent),
			zap.Int("incomplete", stats.Incomplete),
			zap.Int("errors", stats.Errors))
		return 0
	}

	// ---- Healthz / metrics ----
	r := chi.NewRouter()
	httpapi.MountHealth(r, a.DB, log)
	httpapi.MountMetrics(r)
	server := app.NewHTTPServer(cfg.HTTPServer, r)
	go func() {
		log.Info("health listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health server failed", zap.Error(err))
		}
	}()

	// ---- Scheduler ----
	if err := a.Scheduler.Start(context.Background()); err != nil {
		log.Error("scheduler start failed", zap.Error(err))
		return 1
	}

	<-rootCtx.Done()
	log.Info("shutting down")

	if err := a.Scheduler.Cancel(); err != nil {
		log.Warn("scheduler cancel", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.Timeout.Shutdown)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return 0
}
