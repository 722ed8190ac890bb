package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the ledger exchange.
const (
	RoutingKeyTransactionPosted   = "ledger.transaction.posted"
	RoutingKeyDailySummary        = "ledger.report.daily"
	RoutingKeyReconciliationDrift = "ledger.reconciliation.drift"
)

// TransactionPostedEvent is enqueued in the same unit as the posting it describes.
type TransactionPostedEvent struct {
	EventID           uuid.UUID       `json:"event_id"`
	TransactionID     uuid.UUID       `json:"transaction_id"`
	Sequence          int64           `json:"sequence"`
	AccountID         uuid.UUID       `json:"account_id"`
	AccountIdentifier string          `json:"account_identifier"`
	ClientID          uuid.UUID       `json:"client_id"`
	Type              TransactionType `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          Currency        `json:"currency"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Description       string          `json:"description"`
	CounterpartyID    *uuid.UUID      `json:"counterparty_account_id,omitempty"`
	ActorID           string          `json:"actor_id"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

func NewTransactionPostedEvent(tx *Transaction, account *Account, balanceAfter decimal.Decimal, actor Actor) TransactionPostedEvent {
	return TransactionPostedEvent{
		EventID:           uuid.New(),
		TransactionID:     tx.ID,
		Sequence:          tx.Sequence,
		AccountID:         account.ID,
		AccountIdentifier: account.Identifier,
		ClientID:          tx.ClientID,
		Type:              tx.Type,
		Amount:            tx.Amount,
		Currency:          account.Currency,
		BalanceAfter:      balanceAfter,
		Description:       tx.Description,
		ActorID:           actor.ID,
		OccurredAt:        tx.CreatedAt,
	}
}

// DailySummaryEvent carries the dashboard computed by the nightly job.
type DailySummaryEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Dashboard Dashboard `json:"dashboard"`
}

// ReconciliationDriftEvent lists accounts whose balance disagrees with their postings.
type ReconciliationDriftEvent struct {
	EventID    uuid.UUID     `json:"event_id"`
	DetectedAt time.Time     `json:"detected_at"`
	Accounts   []LedgerDrift `json:"accounts"`
}
