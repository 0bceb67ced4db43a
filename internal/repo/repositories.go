package repo

import "database/sql"

// OrderRepositories are the tables owned by the order service.
type OrderRepositories struct {
	Orders OrderRepo
	Outbox OutboxRepo
	Inbox  InboxRepo
}

func NewOrderRepositories(db *sql.DB) OrderRepositories {
	return OrderRepositories{
		Orders: NewOrderRepo(db),
		Outbox: NewOutboxRepo(db),
		Inbox:  NewInboxRepo(db),
	}
}

// PaymentRepositories are the tables owned by the payment service.
type PaymentRepositories struct {
	Accounts AccountRepo
	Payments PaymentRepo
	Outbox   OutboxRepo
	Inbox    InboxRepo
}

func NewPaymentRepositories(db *sql.DB) PaymentRepositories {
	return PaymentRepositories{
		Accounts: NewAccountRepo(db),
		Payments: NewPaymentRepo(db),
		Outbox:   NewOutboxRepo(db),
		Inbox:    NewInboxRepo(db),
	}
}
