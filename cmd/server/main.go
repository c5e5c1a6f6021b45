package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"staychat/internal/auth"
	"staychat/internal/chat"
	"staychat/internal/config"
	"staychat/internal/database"
	"staychat/internal/gateway"
	"staychat/internal/handler"
	"staychat/internal/metrics"
	"staychat/internal/presence"
	"staychat/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func run() error {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using environment only: %v", err)
	}

	// 環境変数を読み込み
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ストアを初期化
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing store...")
		_ = st.Close()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tracker := presence.NewTracker(logger, cfg.PresenceGrace)
	defer tracker.Close()
	metrics.RegisterOnline(reg, tracker.OnlineCount)

	authn := auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.AuthTokenDuration)

	hub := gateway.NewHub(logger, gateway.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		SendBuffer:      cfg.WSSendBuffer,
		WriteTimeout:    cfg.WSWriteTimeout,
		PongTimeout:     cfg.WSPongTimeout,
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
	}, authn, tracker, m)
	defer hub.Close()

	svc := chat.NewService(st, hub, logger, m)
	hub.Bind(svc)

	h := handler.New(cfg, logger, svc, hub, tracker, authn, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: c.Handler(router),
	}

	fmt.Println("========================================")
	fmt.Println("  StayChat Realtime Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	switch cfg.StoreDriver {
	case "mysql":
		fmt.Printf("  Database: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	case "badger":
		fmt.Printf("  Badger: %s\n", cfg.BadgerPath)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server started successfully", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "badger":
		st, err := store.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger: %w", err)
		}
		return st, nil
	default:
		db, err := database.Init(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return store.NewMySQL(db), nil
	}
}
