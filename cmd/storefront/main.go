// Package main запускает HTTP-сервер витрины и воркер фоновых задач.
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

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/catalog"
	"github.com/mmeshcher/storefront-settlement/internal/config"
	"github.com/mmeshcher/storefront-settlement/internal/events"
	"github.com/mmeshcher/storefront-settlement/internal/handler"
	"github.com/mmeshcher/storefront-settlement/internal/jobs"
	"github.com/mmeshcher/storefront-settlement/internal/ledgersync"
	"github.com/mmeshcher/storefront-settlement/internal/middleware"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/service"
)

const customerCacheTTL = 6 * time.Hour

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer rdb.Close()

	sessions := accurate.NewSessionProvider(accurate.OAuthConfig{
		ClientID:     cfg.Accurate.ClientID,
		ClientSecret: cfg.Accurate.ClientSecret,
		RedirectURL:  cfg.Accurate.RedirectURL,
		AuthURL:      cfg.Accurate.AuthURL,
		TokenURL:     cfg.Accurate.TokenURL,
		BaseURL:      cfg.Accurate.BaseURL,
	}, repo)
	ledger := accurate.NewClient(sessions, accurate.NewCustomerCache(rdb, customerCacheTTL, logger), logger)

	gateway := midtrans.NewClient(midtrans.URLFor(cfg.Midtrans.IsProduction), cfg.Midtrans.ServerKey)

	engine := ledgersync.NewEngine(repo, ledger, sessions, ledgersync.Config{
		DefaultPriceCategoryID: cfg.Accurate.DefaultPriceCategoryID,
		ExpenseAccountNo:       cfg.Accurate.ExpenseAccountNo,
		ReceiptRetryStep:       cfg.ReceiptRetryStep,
	}, logger)
	syncer := catalog.NewSyncer(ledger, repo, logger)

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaOrderTopic, logger)
	}
	defer publisher.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddress}
	queue := jobs.NewClient(redisOpts)
	defer queue.Close()

	svc := service.NewService(service.Deps{
		Repo:       repo,
		Gateway:    gateway,
		Ledger:     ledger,
		Customers:  engine,
		LedgerAuth: sessions,
		Jobs:       queue,
		Events:     publisher,
		Logger:     logger,
	}, service.Options{
		TaxRatePercent:     cfg.TaxRatePercent,
		ReservationTTL:     cfg.ReservationTTL,
		CompletionCooldown: cfg.CompletionCooldown,
	})

	metrics := jobs.NewMetrics(prometheus.DefaultRegisterer)
	taskHandlers := jobs.NewHandlers(engine, syncer, svc, metrics, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers:  taskHandlers.TaskHandlers(),
		Cron:      jobs.DefaultSchedule(cfg.CatalogSyncCron).Registrations(),
	})
	if err != nil {
		sugar.Fatalw("worker initialization error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret).WithSecureCookie(cfg.HTTPSEnabled)
	h := handler.NewHandler(svc, logger, authMiddleware,
		handler.WithHealth(repo),
		handler.WithMetrics(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			// ответы сжимает общий gzip-middleware
			DisableCompression: true,
		})),
		handler.WithProduction(cfg.HTTPSEnabled),
	)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Обработка очереди и расписания
	g.Go(func() error {
		return worker.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting storefront server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
