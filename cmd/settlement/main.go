// Package main запускает сервис расчётов по заказам.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/order-settlement/internal/broker"
	"github.com/mmeshcher/order-settlement/internal/config"
	"github.com/mmeshcher/order-settlement/internal/consumer"
	"github.com/mmeshcher/order-settlement/internal/handler"
	"github.com/mmeshcher/order-settlement/internal/ledger"
	"github.com/mmeshcher/order-settlement/internal/middleware"
	"github.com/mmeshcher/order-settlement/internal/orderclient"
	"github.com/mmeshcher/order-settlement/internal/orders"
	"github.com/mmeshcher/order-settlement/internal/payment"
	"github.com/mmeshcher/order-settlement/internal/repository"
	"github.com/mmeshcher/order-settlement/internal/service"
	"github.com/mmeshcher/order-settlement/internal/watchdog"
)

const (
	// запас сверки поверх TTL, чтобы не опережать сторожа
	reconcileGrace   = time.Minute
	reconcileLockKey = "settlement:reconcile"
	reconcileLockTTL = 5 * time.Minute
	shutdownTimeout  = 5 * time.Second
	dbInitTimeout    = 30 * time.Second
	dbTopics         = 5
	dbHTTPConns      = 8
)

// repository.MemoryRepository и repository.PostgresRepository реализуют оба интерфейса.
type store interface {
	ledger.Repository
	orders.Repository
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var (
		repo  store
		queue broker.Broker
	)
	if cfg.DatabaseURI != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), dbInitTimeout)
		// по соединению на воркер каждого из топиков плюс запас под HTTP
		maxConns := int32(cfg.Workers*dbTopics + dbHTTPConns)
		pg, err := repository.NewPostgresRepository(initCtx, cfg.DatabaseURI, logger, repository.WithMaxConns(maxConns))
		cancel()
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer pg.Close()
		repo = pg
		queue = pg.Queue()
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
		queue = broker.NewMemory()
	}

	var lock watchdog.Mutex
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}

		queue = broker.NewRedis(rdb)
		lock = redsync.New(goredis.NewPool(rdb)).NewMutex(
			reconcileLockKey,
			redsync.WithExpiry(reconcileLockTTL),
			redsync.WithTries(1),
		)
	}

	l := ledger.New(repo, logger)
	dispatcher := broker.NewDispatcher(queue, logger, broker.Options{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
	})

	var (
		localOrders *orders.Store
		coordinator *payment.Coordinator
		reconciler  *watchdog.Reconciler
	)
	internalAuth := middleware.NewAuthMiddleware(cfg.InternalSecret)
	if cfg.InternalSecret == "" {
		sugar.Warn("INTERNAL_SECRET is empty, internal order API rejects all requests")
	}

	if cfg.OrderServiceAddress != "" {
		sugar.Infow("using remote order service", "addr", cfg.OrderServiceAddress)
		var opts []orderclient.Option
		if cfg.InternalSecret != "" {
			opts = append(opts, orderclient.WithToken(internalAuth.ServiceToken()))
		}
		// события отмены читает сервис заказов, локальная очередь их не получает
		client := orderclient.NewClient(cfg.OrderServiceAddress, logger, opts...)
		coordinator = payment.NewCoordinator(l, client, nil, logger)
	} else {
		localOrders = orders.NewStore(repo, nil, logger)
		wd := watchdog.New(queue, localOrders, cfg.OrderTTL, logger)
		localOrders.SetScheduler(wd)
		wd.Register(dispatcher)
		consumer.New(localOrders, logger).Register(dispatcher)

		coordinator = payment.NewCoordinator(l, localOrders, queue, logger)
		reconciler = watchdog.NewReconciler(localOrders, lock, cfg.OrderTTL+reconcileGrace, logger)
	}

	var svc *service.Service
	if localOrders != nil {
		svc = service.NewService(l, localOrders, coordinator)
	} else {
		svc = service.NewService(l, nil, coordinator)
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, internalAuth)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Обработка событий и отложенных отмен
	g.Go(func() error {
		sugar.Infow("starting dispatcher", "topics", dispatcher.Topics())
		return dispatcher.Run(ctx)
	})

	// Сверка просроченных заказов по расписанию
	if reconciler != nil {
		g.Go(func() error {
			if err := reconciler.Run(ctx, cfg.ReconcileSchedule); err != nil {
				return fmt.Errorf("reconciler error: %w", err)
			}
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
