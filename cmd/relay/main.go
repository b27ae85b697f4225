package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/config"
	"e2ee-relay/internal/db"
	"e2ee-relay/internal/observability/logging"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/observability/middleware"
	"e2ee-relay/internal/registry"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
	transport "e2ee-relay/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})

	slog.SetDefault(logger)
	metrics.MustRegister("relay")

	logger.Info("starting service")

	cfg := config.Load()

	gdb, err := db.Open(db.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(gdb)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	reg := registry.New(registry.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
	})
	reg.Start()

	access := service.NewAccess(st)
	keys := service.NewKeys(st, access, reg)
	relay := service.NewRelay(st, access, reg, cfg.HistoryBatchMax)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	router := transport.NewRouter(transport.Deps{
		Store:           st,
		Registry:        reg,
		Relay:           relay,
		Keys:            keys,
		Verifier:        verifier,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(router))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("relay listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
