// Package memory keeps every repository of one service in process memory.
//
// WithTx serializes transactions and restores a snapshot when fn fails, which
// is enough to exercise the rollback paths of the sagas without Postgres.
// Reads made outside WithTx observe uncommitted state.
//
// Store must not be copied after first use.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"gozon-saga/internal/domain"
	"gozon-saga/internal/repo"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrUniqueViolation = errors.New("memory: unique violation")

type Store struct {
	txMu sync.Mutex

	mu       sync.Mutex
	orders   map[uuid.UUID]domain.Order
	accounts map[uuid.UUID]domain.Account
	payments []domain.PaymentTransaction
	outbox   []domain.OutboxMessage
	inbox    map[string]domain.InboxMessage
	faults   map[string]error
}

func NewStore() *Store {
	return &Store{
		orders:   make(map[uuid.UUID]domain.Order),
		accounts: make(map[uuid.UUID]domain.Account),
		inbox:    make(map[string]domain.InboxMessage),
		faults:   make(map[string]error),
	}
}

type snapshot struct {
	orders   map[uuid.UUID]domain.Order
	accounts map[uuid.UUID]domain.Account
	payments []domain.PaymentTransaction
	outbox   []domain.OutboxMessage
	inbox    map[string]domain.InboxMessage
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{
		orders:   cloneMap(s.orders),
		accounts: cloneMap(s.accounts),
		payments: slices.Clone(s.payments),
		outbox:   slices.Clone(s.outbox),
		inbox:    cloneMap(s.inbox),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = snap.orders
	s.accounts = snap.accounts
	s.payments = snap.payments
	s.outbox = snap.outbox
	s.inbox = snap.inbox
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithTx implements database.TxRunner. fn receives a nil *sql.Tx; the
// memory repositories ignore their DBTX argument.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if p := recover(); p != nil {
			s.restore(snap)
			panic(p)
		}
		if err != nil {
			s.restore(snap)
		}
	}()
	return fn(nil)
}

// InjectFault makes the next call of op fail with err. op is the repository
// method name, e.g. "Enqueue" or "MarkProcessed".
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// fault must be called with mu held.
func (s *Store) fault(op string) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

func (s *Store) Orders() repo.OrderRepo     { return orders{s} }
func (s *Store) Accounts() repo.AccountRepo { return accounts{s} }
func (s *Store) Payments() repo.PaymentRepo { return payments{s} }
func (s *Store) Outbox() repo.OutboxRepo    { return outbox{s} }
func (s *Store) Inbox() repo.InboxRepo      { return inbox{s} }
func (s *Store) OrderRepositories() repo.OrderRepositories {
	return repo.OrderRepositories{Orders: s.Orders(), Outbox: s.Outbox(), Inbox: s.Inbox()}
}
func (s *Store) PaymentRepositories() repo.PaymentRepositories {
	return repo.PaymentRepositories{Accounts: s.Accounts(), Payments: s.Payments(), Outbox: s.Outbox(), Inbox: s.Inbox()}
}

// OutboxMessages returns every outbox row in insertion order.
func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *Store) InboxMessages() []domain.InboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InboxMessage, 0, len(s.inbox))
	for _, m := range s.inbox {
		out = append(out, m)
	}
	return out
}

func (s *Store) Transactions() []domain.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.payments)
}

type orders struct{ s *Store }

func (r orders) CreateOrder(_ context.Context, _ repo.DBTX, order *domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("CreateOrder"); err != nil {
		return err
	}
	if _, ok := r.s.orders[order.ID]; ok {
		return ErrUniqueViolation
	}
	r.s.orders[order.ID] = *order
	return nil
}

func (r orders) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (r orders) FindByIdForUpdate(ctx context.Context, _ repo.DBTX, id uuid.UUID) (*domain.Order, error) {
	return r.FindById(ctx, id)
}

func (r orders) FindByUser(_ context.Context, userID uuid.UUID) ([]domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []domain.Order{}
	for _, o := range r.s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (r orders) UpdateOrderStatus(_ context.Context, _ repo.DBTX, order *domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("UpdateOrderStatus"); err != nil {
		return err
	}
	o, ok := r.s.orders[order.ID]
	if !ok {
		return nil
	}
	o.Status = order.Status
	o.UpdatedAt = order.UpdatedAt
	r.s.orders[order.ID] = o
	return nil
}

type accounts struct{ s *Store }

func (r accounts) CreateAccount(_ context.Context, _ repo.DBTX, account *domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == account.UserID {
			return domain.ErrAccountExists
		}
	}
	r.s.accounts[account.ID] = *account
	return nil
}

func (r accounts) FindByUserId(_ context.Context, userID uuid.UUID) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == userID {
			return &a, nil
		}
	}
	return nil, nil
}

func (r accounts) FindByUserIdForUpdate(ctx context.Context, _ repo.DBTX, userID uuid.UUID) (*domain.Account, error) {
	return r.FindByUserId(ctx, userID)
}

func (r accounts) Credit(_ context.Context, _ repo.DBTX, userID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.accounts {
		if a.UserID == userID {
			a.Balance = a.Balance.Add(amount)
			a.UpdatedAt = at
			r.s.accounts[id] = a
			return true, nil
		}
	}
	return false, nil
}

func (r accounts) Debit(_ context.Context, _ repo.DBTX, accountID uuid.UUID, amount decimal.Decimal, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Debit"); err != nil {
		return false, err
	}
	a, ok := r.s.accounts[accountID]
	if !ok || a.Balance.LessThan(amount) {
		return false, nil
	}
	a.Balance = a.Balance.Sub(amount)
	a.UpdatedAt = at
	r.s.accounts[accountID] = a
	return true, nil
}

type payments struct{ s *Store }

func (r payments) CreateTransaction(_ context.Context, _ repo.DBTX, payment *domain.PaymentTransaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payments {
		if p.OrderID == payment.OrderID && p.UserID == payment.UserID {
			return ErrUniqueViolation
		}
	}
	r.s.payments = append(r.s.payments, *payment)
	return nil
}

func (r payments) FindByOrderAndUser(_ context.Context, _ repo.DBTX, orderID, userID uuid.UUID) (*domain.PaymentTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.payments {
		if p.OrderID == orderID && p.UserID == userID {
			return &p, nil
		}
	}
	return nil, nil
}

type outbox struct{ s *Store }

func (r outbox) Enqueue(_ context.Context, _ repo.DBTX, msg *domain.OutboxMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("Enqueue"); err != nil {
		return err
	}
	m := *msg
	m.Sent = false
	r.s.outbox = append(r.s.outbox, m)
	return nil
}

// ClaimUnsent and MarkFailed run as their own transaction, like the single
// statements they stand in for.
func (r outbox) ClaimUnsent(_ context.Context, limit int, lease time.Duration, now time.Time) ([]domain.OutboxMessage, error) {
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("ClaimUnsent"); err != nil {
		return nil, err
	}
	until := now.Add(lease)
	var out []domain.OutboxMessage
	for i := range r.s.outbox {
		if len(out) >= limit {
			break
		}
		m := &r.s.outbox[i]
		if m.Sent || (m.LockedUntil != nil && !m.LockedUntil.Before(now)) {
			continue
		}
		m.LockedUntil = &until
		out = append(out, *m)
	}
	return out, nil
}

func (r outbox) ListUnsent(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range r.s.outbox {
		if len(out) >= limit {
			break
		}
		if !m.Sent {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r outbox) MarkSent(_ context.Context, _ repo.DBTX, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("MarkSent"); err != nil {
		return err
	}
	for i := range r.s.outbox {
		m := &r.s.outbox[i]
		if m.ID == id && !m.Sent {
			m.Sent = true
			m.SentAt = &at
			m.LockedUntil = nil
		}
	}
	return nil
}

func (r outbox) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	r.s.txMu.Lock()
	defer r.s.txMu.Unlock()
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.outbox {
		m := &r.s.outbox[i]
		if m.ID == id && !m.Sent {
			m.Attempts++
			m.LastError = &errMsg
			m.LastErrorAt = &at
			m.LockedUntil = nil
		}
	}
	return nil
}

type inbox struct{ s *Store }

func (r inbox) FindByMessageIdForUpdate(_ context.Context, _ repo.DBTX, messageID string) (*domain.InboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.inbox[messageID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (r inbox) Insert(_ context.Context, _ repo.DBTX, msg *domain.InboxMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.inbox[msg.MessageID]; ok {
		return false, nil
	}
	r.s.inbox[msg.MessageID] = *msg
	return true, nil
}

func (r inbox) MarkProcessed(_ context.Context, _ repo.DBTX, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("MarkProcessed"); err != nil {
		return err
	}
	for key, m := range r.s.inbox {
		if m.ID == id {
			m.Processed = true
			m.ProcessedAt = &at
			r.s.inbox[key] = m
		}
	}
	return nil
}
