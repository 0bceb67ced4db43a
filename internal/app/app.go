// Package app wires one service process: storage, bus, outbox relay, bus
// consumer and HTTP server, all stopped by the same context.
package app

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/config"
	"gozon-saga/internal/database"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/infrastructure/bus"
	"gozon-saga/internal/infrastructure/bus/kafka"
	"gozon-saga/internal/infrastructure/bus/rabbitmq"
	"gozon-saga/internal/infrastructure/notification"
	"gozon-saga/internal/repo"
	"gozon-saga/internal/server"
	"gozon-saga/internal/service"
	"gozon-saga/internal/worker"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

// OrderRoutes and PaymentRoutes map each outbox message type to the route
// its relay publishes on.
var (
	OrderRoutes = map[string]bus.Route{
		domain.MessageTypeOrderPaymentRequest: bus.RoutePaymentRequests,
	}
	PaymentRoutes = map[string]bus.Route{
		domain.MessageTypePaymentStatusEvent: bus.RoutePaymentStatuses,
	}
)

type Runtime struct {
	logger   *slog.Logger
	http     *http.Server
	relay    *worker.OutboxRelay
	consumer *worker.Consumer
	closers  []io.Closer
}

func RelayConfig(cfg config.Config) worker.RelayConfig {
	return worker.RelayConfig{
		Interval:       cfg.OutboxInterval,
		BatchSize:      cfg.OutboxBatchSize,
		Lease:          cfg.OutboxLease,
		PublishTimeout: cfg.OutboxPublishTimeout,
	}
}

func RetryPolicy(cfg config.Config) bus.RetryPolicy {
	return bus.RetryPolicy{
		MaxAttempts:  cfg.BusConnectAttempts,
		InitialDelay: cfg.BusConnectInitialDelay,
		Step:         cfg.BusConnectStep,
		MaxDelay:     cfg.BusConnectMaxDelay,
	}
}

// Dialer picks the bus implementation named by cfg.BusDriver.
func Dialer(cfg config.Config) (bus.Dialer, error) {
	switch cfg.BusDriver {
	case config.BusRabbitMQ:
		return rabbitmq.Dialer(rabbitmq.Config{
			URL:      cfg.RabbitMQURL,
			Prefetch: cfg.RabbitPrefetch,
			Confirms: cfg.RabbitConfirms,
			Topology: rabbitmq.DefaultTopology(),
		}), nil
	case config.BusKafka:
		return kafka.Dialer(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  kafka.DefaultTopics(),
		}), nil
	case config.BusMemory:
		return func(context.Context) (bus.Bus, error) { return bus.NewMemory(), nil }, nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
}

type storage struct {
	db  database.Service
	uow *database.UnitOfWork
}

func openStorage(ctx context.Context, cfg config.Config, set database.MigrationSet) (*storage, error) {
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db.DB(), set, cfg.Database.Schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &storage{db: db, uow: database.NewUnitOfWork(db.DB())}, nil
}

func connectBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (bus.Bus, error) {
	dial, err := Dialer(cfg)
	if err != nil {
		return nil, err
	}
	b, err := bus.Dial(ctx, logger, dial, RetryPolicy(cfg))
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewOrderRuntime fails when the database or the bus cannot be reached.
func NewOrderRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	store, err := openStorage(ctx, cfg, database.OrdersMigrations)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{store.db}

	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	closers = append(closers, b)

	var notifier service.StatusNotifier = notification.NewLogNotifier(logger)
	if cfg.RedisURL != "" {
		client, err := notification.Connect(cfg.RedisURL)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		redisNotifier := notification.NewRedisNotifier(client)
		notifier = redisNotifier
		closers = append(closers, redisNotifier)
	}

	repos := repo.NewOrderRepositories(store.db.DB())
	orders := service.NewOrderService(store.uow, repos, notifier, logger)

	router := server.NewOrderRouter(server.Options{
		CORSOrigins: cfg.CORSOrigins,
		DB:          store.db,
		Logger:      logger,
	}, orders)

	return &Runtime{
		logger:   logger,
		http:     server.NewHTTPServer(cfg.HTTPPort, router),
		relay:    worker.NewOutboxRelay(store.uow, repos.Outbox, b, OrderRoutes, RelayConfig(cfg), logger),
		consumer: worker.NewConsumer(b, bus.RoutePaymentStatuses, OrderHandler(orders), logger),
		closers:  closers,
	}, nil
}

func NewPaymentRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	store, err := openStorage(ctx, cfg, database.PaymentsMigrations)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{store.db}

	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	closers = append(closers, b)

	repos := repo.NewPaymentRepositories(store.db.DB())
	payments := service.NewPaymentService(store.uow, repos, logger)

	router := server.NewPaymentRouter(server.Options{
		CORSOrigins: cfg.CORSOrigins,
		DB:          store.db,
		Logger:      logger,
	}, payments)

	return &Runtime{
		logger:   logger,
		http:     server.NewHTTPServer(cfg.HTTPPort, router),
		relay:    worker.NewOutboxRelay(store.uow, repos.Outbox, b, PaymentRoutes, RelayConfig(cfg), logger),
		consumer: worker.NewConsumer(b, bus.RoutePaymentRequests, PaymentHandler(payments), logger),
		closers:  closers,
	}, nil
}

// OrderHandler feeds payment status deliveries to the order saga.
func OrderHandler(orders service.OrderService) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, msg bus.Message) error {
		return orders.ProcessPaymentStatus(ctx, msg.ID, msg.Type, msg.Payload)
	})
}

// PaymentHandler feeds payment request deliveries to the payment saga.
func PaymentHandler(payments service.PaymentService) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, msg bus.Message) error {
		return payments.ProcessOrderPayment(ctx, msg.ID, msg.Type, msg.Payload)
	})
}

// Run blocks until ctx is done or one component fails, then stops the
// others and releases every resource.
func (r *Runtime) Run(ctx context.Context) error {
	defer closeAll(r.closers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.logger.InfoContext(ctx, "http server listening", "module", "http", "addr", r.http.Addr)
		if err := r.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return r.http.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return r.relay.Run(ctx)
	})
	g.Go(func() error {
		return r.consumer.Run(ctx)
	})
	return g.Wait()
}

// closeAll closes in reverse order of opening.
func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i].Close()
	}
}
