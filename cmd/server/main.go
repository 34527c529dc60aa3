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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/i18n"
	"github.com/javajoker/pharma-custody-backend/internal/jobs"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/router"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
)

const jobLockKey = "pharma-custody:jobs"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogging(cfg)

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.RunMigrations(db); err != nil {
		logrus.WithError(err).Fatal("Failed to run migrations")
	}
	if cfg.Server.AdminPassword != "" {
		if err := database.SeedInitialData(db, cfg.Server.AdminPassword); err != nil {
			logrus.WithError(err).Fatal("Failed to seed initial data")
		}
	}

	// Initialize i18n
	if err := i18n.Initialize(cfg.I18n.LocalesPath, cfg.I18n.DefaultLocale); err != nil {
		logrus.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Ledger
	client, err := newLedgerClient(cfg.Ledger)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create ledger client")
	}
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), cfg.Ledger.CallTimeout)
	err = client.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to ledger")
	}
	defer client.Close()

	svc, err := router.NewServices(db, cfg, client, m)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Background reconciliation
	if cfg.Reconciler.Enabled {
		jobService, closeLock, err := newJobService(cfg, svc, m)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize job service")
		}
		defer closeLock()
		go func() {
			if err := jobService.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logrus.WithError(err).Error("Job service exited")
			}
		}()
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	r := router.Initialize(db, cfg, svc, registry)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.WithFields(logrus.Fields{
			"port":        cfg.Server.Port,
			"ledger_mode": cfg.Ledger.Mode,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")
	stop()

	// Create a deadline for shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	}

	logrus.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logrus.WithField("level", cfg.Server.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func newLedgerClient(cfg config.LedgerConfig) (blockchain.Client, error) {
	switch cfg.Mode {
	case config.LedgerModeEthereum:
		return blockchain.NewEthereumClient(blockchain.EthereumConfig{
			RPCURL:               cfg.RPCURL,
			ChainID:              cfg.ChainID,
			TokenContract:        cfg.TokenContract,
			AccessControlAddress: cfg.AccessControlAddress,
			OperatorKey:          cfg.OperatorKey,
		})
	case config.LedgerModeSimulated:
		logrus.Warn("Using the in-memory simulated ledger; custody state is lost on restart")
		return blockchain.NewSimulatedClient(cfg.SimulatedFirstToken), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Mode)
	}
}

// newJobService picks a Redis lock when Redis is configured so only one
// replica reconciles per cycle.
func newJobService(cfg *config.Config, svc *router.Services, m *metrics.Metrics) (*jobs.Service, func(), error) {
	var (
		lock      jobs.Lock = jobs.NoopLock{}
		closeLock           = func() {}
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisLock, err := jobs.NewRedisLock(client, jobLockKey, cfg.Reconciler.LockTTL)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		lock = redisLock
		closeLock = func() { client.Close() }
	}

	service, err := jobs.NewService(jobs.ServiceParams{
		Registry: jobs.NewRegistry(jobs.NewReconcileJob(svc.Reconciler)),
		Lock:     lock,
		Metrics:  m,
		Interval: cfg.Reconciler.Interval,
	})
	if err != nil {
		closeLock()
		return nil, nil, err
	}
	return service, closeLock, nil
}
