package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/auth"
	"github.com/safezone/mibs/internal/config"
	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/db"
	"github.com/safezone/mibs/internal/delivery"
	"github.com/safezone/mibs/internal/metrics"
	"github.com/safezone/mibs/internal/provider"
	"github.com/safezone/mibs/internal/worker"
)

// App holds what both the api and the worker process run on.
type App struct {
	Log       *zap.Logger
	DB        *db.DB
	Store     *core.Store
	Redis     *redis.Client
	Journal   *delivery.RedisJournal // nil unless redis is enabled
	Scheduler *worker.Scheduler

	stopStats chan struct{}
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("migrations applied")
	}

	database, err := db.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	a := &App{Log: log, DB: database, Store: core.NewStore(database), stopStats: make(chan struct{})}

	prov, err := NewProvider(cfg.Mailer, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	opt := delivery.Options{
		Sender:      cfg.Delivery.Sender,
		Subject:     cfg.Delivery.Subject,
		QPS:         cfg.Delivery.QPS,
		Burst:       cfg.Delivery.Burst,
		SendTimeout: cfg.Delivery.SendTimeout,
	}
	if cfg.Redis.Enabled {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.Redis.Ping(pingCtx).Err(); err != nil {
			// the journal is advisory; keep going and let writes warn
			log.Warn("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		a.Journal = delivery.NewRedisJournal(a.Redis, cfg.Redis.TTL, log)
		opt.Journal = a.Journal
	}

	svc := delivery.NewService(a.Store, prov, opt, log)
	a.Scheduler = worker.New(a.Store, svc, worker.Options{
		PollInterval: cfg.Scheduler.PollInterval,
		StaleWindow:  cfg.Scheduler.StaleWindow,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, log)

	metrics.MustRegister()
	go metrics.NewPGXPoolStats(database.Pool, nil).Start(15*time.Second, a.stopStats)

	return a, nil
}

func (a *App) Close() {
	if a.stopStats != nil {
		close(a.stopStats)
		a.stopStats = nil
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.DB.Close()
}

// NewProvider picks the email transport named by cfg.Transport.
func NewProvider(cfg config.Mailer, log *zap.Logger) (provider.Provider, error) {
	switch cfg.Transport {
	case "smtp":
		return provider.NewSMTP(provider.SMTPConfig{
			Host:        cfg.Host,
			Port:        cfg.Port,
			Username:    cfg.Username,
			Password:    cfg.Password,
			ImplicitTLS: cfg.UseTLS,
			DialTimeout: cfg.DialTimeout,
		}), nil
	case "dummy", "":
		d := provider.NewDummy(log)
		d.FailureRate = cfg.DummyFailureRate
		return d, nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Transport)
	}
}

// Authenticator returns the middleware guarding the authoring API.
func Authenticator(cfg config.Auth, log *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.Disabled {
		log.Warn("authentication disabled, trusting " + auth.UserHeader)
		return auth.HeaderMiddleware(), nil
	}
	acfg := auth.Config{
		JWKSURL:  cfg.JWKSURI,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	}
	if cfg.JWKSURI == "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		acfg.PublicKeyPEM = pem
	}
	v, err := auth.NewVerifier(acfg)
	if err != nil {
		return nil, err
	}
	if cfg.JWKSURI != "" {
		log.Info("verifying tokens against jwks", zap.String("jwks_uri", cfg.JWKSURI))
	}
	return auth.Middleware(v), nil
}

func NewHTTPServer(cfg config.HTTPServer, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadTimeout:       cfg.Timeout.Read,
		ReadHeaderTimeout: cfg.Timeout.Read,
		WriteTimeout:      cfg.Timeout.Write,
		IdleTimeout:       cfg.Timeout.Idle,
	}
}
