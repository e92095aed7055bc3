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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"network-access-backend/config"
	"network-access-backend/internal/access"
	"network-access-backend/internal/api"
	"network-access-backend/internal/db"
	"network-access-backend/internal/kea"
	"network-access-backend/internal/mw"
	"network-access-backend/internal/netmap"
	"network-access-backend/internal/policy"
	"network-access-backend/internal/radius"
	"network-access-backend/internal/reconciler"
	"network-access-backend/internal/store"
)

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Configuration loaded", zap.String("path", configPath))

	subnets, err := netmap.New(cfg.Subnets)
	if err != nil {
		logger.Fatal("Invalid subnet table", zap.Error(err))
	}
	vlans := policy.NewVLANPlan(cfg.VLANs)

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	appStore := store.NewGormStore(gormDB)

	coa, err := radius.New(cfg.Radius, logger.Named("radius"))
	if err != nil {
		logger.Fatal("Failed to create RADIUS CoA client", zap.Error(err))
	}
	dhcp, err := kea.NewFromConfig(cfg.DHCP, subnets, logger.Named("kea"))
	if err != nil {
		logger.Fatal("Failed to create Kea client", zap.Error(err))
	}

	machine := access.New(appStore, coa, dhcp, subnets, vlans, cfg.Access, logger.Named("access"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := reconciler.NewService(cfg.Reconciler, cfg.DHCP.PublicDNS, appStore, dhcp, subnets, logger)
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		rec.Run(ctx)
	}()

	cache := mw.NewResponseCache(time.Duration(cfg.Server.CacheTTLSeconds) * time.Second)
	handler := api.NewHandler(machine, appStore, dhcp, rec, cache, logger.Named("api"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(handler, cfg.Server, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server ListenAndServe", zap.Error(err))
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server Shutdown", zap.Error(err))
	}
	cancel()
	<-reconcilerDone

	logger.Info("Server gracefully stopped")
}
