package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/tarjeta-registro/internal/config"
	"github.com/kursadbilgin/tarjeta-registro/internal/gateway"
	"github.com/kursadbilgin/tarjeta-registro/internal/handler"
	"github.com/kursadbilgin/tarjeta-registro/internal/infra/postgresql"
	"github.com/kursadbilgin/tarjeta-registro/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/tarjeta-registro/internal/infra/redis"
	"github.com/kursadbilgin/tarjeta-registro/internal/observability"
	"github.com/kursadbilgin/tarjeta-registro/internal/payload"
	"github.com/kursadbilgin/tarjeta-registro/internal/queue"
	"github.com/kursadbilgin/tarjeta-registro/internal/ratelimit"
	"github.com/kursadbilgin/tarjeta-registro/internal/repository"
	"github.com/kursadbilgin/tarjeta-registro/internal/service"
	"github.com/kursadbilgin/tarjeta-registro/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("tarjeta-registro api stopped with error", zap.Error(err))
	}
	logger.Info("tarjeta-registro api stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	db, err := postgresql.NewPostgres(startCtx, cfg.DatabaseDSN, cfg.DBMaxOpenConns)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(startCtx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(startCtx, cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer mq.Close()

	metrics := observability.NewMetrics()

	builder, err := payload.NewBuilder(repository.NewGormSourceRepo(db))
	if err != nil {
		return err
	}

	authority, err := gateway.NewAuthorityClient(cfg.AuthorityBaseURL, cfg.AuthorityToken, cfg.AuthorityTimeout())
	if err != nil {
		return fmt.Errorf("authority client init failed: %w", err)
	}

	breaker, err := infraredis.NewCircuitBreaker(rdb, cfg.BreakerFailureThreshold, cfg.BreakerCooldown(), logger)
	if err != nil {
		return err
	}

	gw, err := gateway.NewBreakerGateway(authority, breaker, ratelimit.ScopeAuthority, metrics, logger)
	if err != nil {
		return err
	}

	locker, err := infraredis.NewReservationLocker(rdb, cfg.LockTTL(), logger)
	if err != nil {
		return err
	}

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		return err
	}

	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()

	registrations, err := service.NewRegistrationService(
		repository.NewGormRegistrationRepo(db),
		repository.NewGormAttemptRepo(db),
		builder,
		gw,
		locker,
		publisher,
		service.RegistrationServiceConfig{
			MaxAttempts:    cfg.MaxAttempts,
			GatewayTimeout: cfg.AuthorityTimeout(),
			StoreTimeout:   cfg.StoreTimeout(),
			Location:       cfg.Location(),
		},
		logger,
	)
	if err != nil {
		return err
	}
	registrations.SetMetrics(metrics)

	sweeper, err := service.NewRetrySweeper(
		registrations,
		limiter,
		cfg.SweepInterval(),
		cfg.SweepBatchSize,
		cfg.SweepThrottle(),
		logger,
	)
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(handler.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, mq)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterRegistrationRoutes(app, registrations); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Start(gctx)
	})

	if cfg.ConfirmationPollEnabled {
		poller, err := service.NewConfirmationPoller(
			registrations,
			limiter,
			cfg.ConfirmationPollInterval(),
			cfg.ConfirmationPollMinAge(),
			cfg.SweepBatchSize,
			cfg.SweepThrottle(),
			logger,
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return poller.Start(gctx)
		})
	}

	if cfg.SubmissionConsumerEnabled {
		consumer := queue.NewRabbitMQConsumer(mq, cfg.ConsumerPrefetch, logger)
		defer consumer.Close()

		worker, err := service.NewSubmissionWorker(consumer, registrations.HandleSubmissionRequest, limiter, cfg.ConsumerPrefetch, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return worker.Start(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("tarjeta-registro api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("http server shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
