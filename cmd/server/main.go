// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/database"
	"github.com/javajoker/asset-market/internal/events"
	"github.com/javajoker/asset-market/internal/handlers"
	"github.com/javajoker/asset-market/internal/i18n"
	"github.com/javajoker/asset-market/internal/ledger"
	"github.com/javajoker/asset-market/internal/middleware"
	"github.com/javajoker/asset-market/internal/models"
	"github.com/javajoker/asset-market/internal/repository"
	"github.com/javajoker/asset-market/internal/router"
	"github.com/javajoker/asset-market/internal/scheduler"
	"github.com/javajoker/asset-market/internal/services"
)

func newLogger(cfg config.LogConfig, environment string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" || environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := newLogger(cfg.Log, cfg.Environment)

	if err := i18n.Initialize(cfg.I18n.LocalesPath, cfg.I18n.DefaultLocale); err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handlers.HealthCheck{}

	// Store
	var store repository.Store
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("Using the in-memory store; state is lost on restart")
		mem := repository.NewMemoryStore()
		mem.PutUser(models.User{
			BaseModel: models.BaseModel{ID: uuid.New()},
			Username:  "admin",
			UserType:  models.UserTypeAdmin,
			Status:    models.UserStatusActive,
		})
		store = mem
	default:
		db, err := database.Initialize(cfg.Database, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize database")
		}
		defer database.Close(db, log)

		if err := database.RunMigrations(db, log); err != nil {
			log.WithError(err).Fatal("Failed to run migrations")
		}
		if err := database.SeedInitialData(db, log); err != nil {
			log.WithError(err).Fatal("Failed to seed initial data")
		}

		sqlDB, err := db.DB()
		if err != nil {
			log.WithError(err).Fatal("Failed to get underlying sql.DB")
		}
		checks["database"] = func(ctx context.Context) error {
			return sqlDB.PingContext(ctx)
		}
		store = repository.NewGormStore(db)
	}

	// Ledger
	var client ledger.Client
	var signer ledger.Signer
	switch cfg.Ledger.Mode {
	case "rpc":
		rpc := ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.SignerURL, cfg.Settlement.LedgerCallTimeout)
		client, signer = rpc, rpc
	default:
		log.Warn("Using the ledger simulator; no funds move on a real network")
		sim := ledger.NewSimulator()
		client, signer = sim, sim
	}

	// Events
	var publisher events.Publisher = events.NoopPublisher{Log: log}
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			log.WithError(err).Warn("RabbitMQ unavailable, settlement events will not be published")
		} else {
			publisher = rabbit
		}
	}
	defer publisher.Close()

	// Shared download limits
	var sharedLimit middleware.WindowLimiter
	if cfg.Redis.Enabled() {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr()},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("Redis unreachable at startup, download limits fall back to this instance")
		}
		cancel()

		sharedLimit = middleware.NewRedisRateLimiter(rdb, "asset-market:ratelimit")
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}

	svc, err := services.NewContainer(cfg, store, client, signer, publisher, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize services")
	}

	jobs := scheduler.NewScheduler(svc.Settlement, svc.Downloads, log, cfg.Scheduler)
	if cfg.Scheduler.Enabled {
		jobs.Start()
	}

	r := router.Initialize(ctx, svc, router.Options{
		Config:       cfg,
		Log:          log,
		Audit:        store,
		SharedLimit:  sharedLimit,
		HealthChecks: checks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":        cfg.Server.Port,
			"store":       cfg.Store.Driver,
			"ledger":      cfg.Ledger.Mode,
			"environment": cfg.Environment,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if cfg.Scheduler.Enabled {
		// Let running jobs finish.
		select {
		case <-jobs.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn("Scheduled jobs still running at shutdown")
		}
	}

	log.Info("Server exited")
}
