// Package main запускает HTTP-сервер сервиса гарантий.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/guarantee-service/internal/billing"
	"github.com/mmeshcher/guarantee-service/internal/config"
	"github.com/mmeshcher/guarantee-service/internal/events"
	"github.com/mmeshcher/guarantee-service/internal/handler"
	"github.com/mmeshcher/guarantee-service/internal/middleware"
	"github.com/mmeshcher/guarantee-service/internal/repository"
	"github.com/mmeshcher/guarantee-service/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var billingClient service.Billing
	if cfg.StripeSecretKey != "" {
		billingClient = billing.NewClient(cfg.StripeSecretKey, nil)
	} else {
		sugar.Warn("STRIPE_SECRET_KEY is not set, refunds are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var relay events.Handler
	if cfg.RedisAddress != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer rdb.Close()

		relay = events.RedisRelay(rdb)
	}

	// Шина закрывается раньше Redis, чтобы доставка успела завершиться.
	bus := events.NewBus(logger)
	defer bus.Close()
	if relay != nil {
		bus.Subscribe(relay, events.Kinds...)
	}

	svc := service.NewService(repo, billingClient, bus, logger)
	defer svc.Close()

	if cfg.AuthJWTSecret == "" {
		sugar.Warn("AUTH_JWT_SECRET is not set, all authenticated requests will be rejected")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthJWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.StripeWebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодический пересчёт метрик состояний гарантий
	g.Go(func() error {
		svc.StartStateRefresh(ctx, cfg.StateRefreshInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting guarantee server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
