/**
 * @description
 * This file defines the contract of the ledger store. The store owns clients,
 * accounts, transactions, the activity log and the event outbox, and it is the only
 * place balances are written.
 *
 * @notes
 * - Balance changes happen exclusively through LedgerTx inside WithinTx, together
 *   with the transaction rows and outbox events they produce.
 * - Every error returned wraps one of the domain error kinds.
 */
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
)

// ClientRepository stores account holders.
type ClientRepository interface {
	CreateClient(ctx context.Context, client *domain.Client) (uuid.UUID, error)
	UpdateClient(ctx context.Context, client *domain.Client) error
	SetClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error
	GetClient(ctx context.Context, clientID uuid.UUID) (*domain.Client, error)
	ListClients(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error)
}

// AccountRepository stores accounts. It never changes balances.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) (uuid.UUID, error)
	GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	GetAccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error)
	ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error)
	CloseAccount(ctx context.Context, accountID uuid.UUID) error
}

// TransactionRepository reads posted transactions.
type TransactionRepository interface {
	GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)
}

// ActivityRepository is the append-only audit trail.
type ActivityRepository interface {
	InsertActivity(ctx context.Context, entry *domain.ActivityLogEntry) error
	ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error)
}

// ReportRepository answers the read-only aggregate queries.
type ReportRepository interface {
	CountActiveClients(ctx context.Context) (int, error)
	CountTransactionsBetween(ctx context.Context, from, to time.Time) (int, error)
	SumByType(ctx context.Context, txType domain.TransactionType) (decimal.Decimal, error)
	DailyTotals(ctx context.Context, from, to time.Time) ([]domain.DailyTotal, error)
	ClientsByCategory(ctx context.Context) ([]domain.CategoryCount, error)
	LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error)
}

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository is consumed by the outbox dispatcher.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// LedgerTx is the set of operations available inside one atomic unit.
type LedgerTx interface {
	// LockAccounts loads and locks the given accounts in ascending id order.
	LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error)
	// ApplyBalanceDelta checks and applies a signed change in one step and returns
	// the new balance. A change that would make the balance negative is rejected
	// with domain.ErrInsufficientFunds before anything is written.
	ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)
	// InsertTransaction appends a record and fills its ID, Sequence and CreatedAt.
	InsertTransaction(ctx context.Context, record *domain.Transaction) (uuid.UUID, error)
	// EnqueueEvent stores an event that is published after the unit commits.
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Repository is the full ledger store.
type Repository interface {
	ClientRepository
	AccountRepository
	TransactionRepository
	ActivityRepository
	ReportRepository
	OutboxRepository

	// WithinTx runs fn as one all-or-nothing unit. Any error returned by fn rolls
	// back every write made through the LedgerTx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Ping(ctx context.Context) error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
