package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"keycore/internal/authz"
	"keycore/internal/config"
	"keycore/internal/domain"
	"keycore/internal/observability/logging"
	"keycore/internal/observability/metrics"
	"keycore/internal/service"
	"keycore/internal/store"
	transport "keycore/internal/transport/http"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keycore",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	metrics.MustRegister("keycore")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		slog.Error("gorm open failed", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Device{},
		&domain.SignedPreKey{},
		&domain.OneTimePreKey{},
		&domain.Session{},
	); err != nil {
		slog.Error("automigrate failed", "error", err)
		os.Exit(1)
	}

	svc := service.New(store.New(db), service.Options{SignedPreKeyMaxAge: cfg.SignedPreKeyMaxAge})
	validator := authz.NewValidator(cfg.APISecret, cfg.Issuer)
	router := transport.NewRouter(svc, validator, transport.Options{
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CORSOrigins:        cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("keycore listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
