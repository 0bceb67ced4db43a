package main

import (
	"context"
	"errors"
	"fmt"
	"gozon-saga/internal/app"
	"gozon-saga/internal/config"
	"gozon-saga/internal/database"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/infrastructure/bus"
	"gozon-saga/internal/infrastructure/notification"
	"gozon-saga/internal/logging"
	"gozon-saga/internal/repo"
	"gozon-saga/internal/repo/memory"
	"gozon-saga/internal/service"
	"gozon-saga/internal/worker"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	tick        = 200 * time.Millisecond
	waitTimeout = 10 * time.Second
)

type side struct {
	uow    database.TxRunner
	outbox repo.OutboxRepo
	close  func()
}

type simulation struct {
	bus      *bus.Memory
	orders   service.OrderService
	payments service.PaymentService
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Read(config.Defaults("simulate", 8080))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(os.Stderr, cfg.ServiceName, cfg.LogLevel)

	var (
		orderSide, paymentSide side
		orderRepos             repo.OrderRepositories
		paymentRepos           repo.PaymentRepositories
	)
	if cfg.HasDatabase() {
		fmt.Println("--- STORAGE: postgres ---")
		orderDB := openSchema(ctx, cfg, database.OrdersMigrations, "orders")
		paymentDB := openSchema(ctx, cfg, database.PaymentsMigrations, "payments")
		orderRepos = repo.NewOrderRepositories(orderDB.DB())
		paymentRepos = repo.NewPaymentRepositories(paymentDB.DB())
		orderSide = side{uow: database.NewUnitOfWork(orderDB.DB()), outbox: orderRepos.Outbox, close: func() { _ = orderDB.Close() }}
		paymentSide = side{uow: database.NewUnitOfWork(paymentDB.DB()), outbox: paymentRepos.Outbox, close: func() { _ = paymentDB.Close() }}
	} else {
		fmt.Println("--- STORAGE: memory ---")
		orderStore, paymentStore := memory.NewStore(), memory.NewStore()
		orderRepos = orderStore.OrderRepositories()
		paymentRepos = paymentStore.PaymentRepositories()
		orderSide = side{uow: orderStore, outbox: orderRepos.Outbox, close: func() {}}
		paymentSide = side{uow: paymentStore, outbox: paymentRepos.Outbox, close: func() {}}
	}
	defer orderSide.close()
	defer paymentSide.close()

	memBus := bus.NewMemory()
	defer memBus.Close()

	sim := &simulation{
		bus:      memBus,
		orders:   service.NewOrderService(orderSide.uow, orderRepos, notification.NewLogNotifier(logger), logger),
		payments: service.NewPaymentService(paymentSide.uow, paymentRepos, logger),
	}

	relayCfg := worker.RelayConfig{Interval: tick, BatchSize: cfg.OutboxBatchSize, Lease: cfg.OutboxLease}
	runners := []interface{ Run(context.Context) error }{
		worker.NewOutboxRelay(orderSide.uow, orderSide.outbox, memBus, app.OrderRoutes, relayCfg, logger),
		worker.NewOutboxRelay(paymentSide.uow, paymentSide.outbox, memBus, app.PaymentRoutes, relayCfg, logger),
		worker.NewConsumer(memBus, bus.RoutePaymentRequests, app.PaymentHandler(sim.payments), logger),
		worker.NewConsumer(memBus, bus.RoutePaymentStatuses, app.OrderHandler(sim.orders), logger),
	}
	for _, r := range runners {
		go func() {
			if err := r.Run(ctx); err != nil {
				log.Printf("worker stopped: %v", err)
			}
		}()
	}

	if err := sim.run(ctx); err != nil {
		log.Fatalf("simulation failed: %v", err)
	}
	fmt.Println("--- SIMULATION DONE ---")
}

func openSchema(ctx context.Context, cfg config.Config, set database.MigrationSet, schema string) database.Service {
	dbCfg := cfg.Database
	dbCfg.Schema = schema
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		log.Fatalf("connect %s: %v", schema, err)
	}
	if err := database.Migrate(ctx, db.DB(), set, schema); err != nil {
		log.Fatalf("migrate %s: %v", schema, err)
	}
	return db
}

func (s *simulation) run(ctx context.Context) error {
	rich, poor := uuid.New(), uuid.New()

	fmt.Println("[1] Create account and top up 50")
	if _, err := s.payments.CreateAccount(ctx, rich); err != nil {
		return err
	}
	s.printBalance(ctx, rich)
	if err := s.payments.TopUp(ctx, rich, decimal.NewFromInt(50)); err != nil {
		return err
	}
	s.printBalance(ctx, rich)
	fmt.Println("---------------------------------------------------")

	fmt.Println("[2] Order 30 with balance 50")
	paid, err := s.orders.CreateOrder(ctx, rich, decimal.NewFromInt(30), "paid order")
	if err != nil {
		return err
	}
	fmt.Printf("    -> Order %s created: %s\n", paid.ID, paid.Status)
	if err := s.waitSettled(ctx, paid); err != nil {
		return err
	}
	s.printBalance(ctx, rich)
	fmt.Println("---------------------------------------------------")

	fmt.Println("[3] Order 30 with balance 10")
	if _, err := s.payments.CreateAccount(ctx, poor); err != nil {
		return err
	}
	if err := s.payments.TopUp(ctx, poor, decimal.NewFromInt(10)); err != nil {
		return err
	}
	rejected, err := s.orders.CreateOrder(ctx, poor, decimal.NewFromInt(30), "rejected order")
	if err != nil {
		return err
	}
	if err := s.waitSettled(ctx, rejected); err != nil {
		return err
	}
	s.printBalance(ctx, poor)
	fmt.Println("---------------------------------------------------")

	fmt.Println("[4] Redeliver the payment request of order", paid.ID)
	request, ok := s.findRequest(paid.ID)
	if !ok {
		return errors.New("payment request of the paid order was never published")
	}
	statusesBefore := s.countPublished(domain.MessageTypePaymentStatusEvent)
	if err := s.bus.Publish(ctx, bus.RoutePaymentRequests, request); err != nil {
		return err
	}
	if err := s.waitIdle(ctx); err != nil {
		return err
	}
	fmt.Printf("    -> Status events before: %d, after: %d\n", statusesBefore, s.countPublished(domain.MessageTypePaymentStatusEvent))
	s.printBalance(ctx, rich)
	return nil
}

func (s *simulation) waitSettled(ctx context.Context, order *domain.Order) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		fresh, err := s.orders.GetOrder(ctx, order.ID, order.UserID)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			fmt.Printf("    -> Order %s settled: %s\n", fresh.ID, fresh.Status)
			return nil
		}
		time.Sleep(tick / 2)
	}
	return fmt.Errorf("order %s not settled after %s", order.ID, waitTimeout)
}

// waitIdle gives the relays two ticks to pick up anything the consumers
// wrote, then waits for the bus to drain.
func (s *simulation) waitIdle(ctx context.Context) error {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.bus.Idle() {
			time.Sleep(2 * tick)
			if s.bus.Idle() {
				return nil
			}
		}
		time.Sleep(tick / 2)
	}
	return fmt.Errorf("bus not idle after %s", waitTimeout)
}

func (s *simulation) findRequest(orderID uuid.UUID) (bus.Message, bool) {
	for _, p := range s.bus.Published() {
		if p.Message.Type != domain.MessageTypeOrderPaymentRequest {
			continue
		}
		req, err := domain.DecodeOrderPaymentRequest(p.Message.Payload)
		if err == nil && req.OrderID == orderID {
			return p.Message, true
		}
	}
	return bus.Message{}, false
}

func (s *simulation) countPublished(messageType string) int {
	n := 0
	for _, p := range s.bus.Published() {
		if p.Message.Type == messageType {
			n++
		}
	}
	return n
}

func (s *simulation) printBalance(ctx context.Context, userID uuid.UUID) {
	balance, err := s.payments.GetBalance(ctx, userID)
	if err != nil {
		fmt.Printf("    -> Balance of %s: %v\n", userID, err)
		return
	}
	fmt.Printf("    -> Balance of %s: %s\n", userID, balance)
}
