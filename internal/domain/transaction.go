package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of posting kinds.
type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionTransfer   TransactionType = "transfer"
	TransactionDebit      TransactionType = "debit"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdrawal, TransactionTransfer, TransactionDebit:
		return true
	}
	return false
}

// Credits reports whether a posting of this type increases the balance.
// Transfers are stored as a withdrawal and a deposit, so a `transfer` row only
// exists for imported history and counts as outgoing.
func (t TransactionType) Credits() bool {
	return t == TransactionDeposit
}

// Transaction maps to the `transactions` table. Rows are never updated or deleted.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	Sequence    int64           `json:"sequence"`
	AccountID   uuid.UUID       `json:"account_id"`
	ClientID    uuid.UUID       `json:"client_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`

	// Populated by list queries only.
	AccountIdentifier string `json:"account_identifier,omitempty"`
	ClientName        string `json:"client_name,omitempty"`
}

// Validate checks a record before it is inserted.
func (t *Transaction) Validate() error {
	if t.AccountID == uuid.Nil || t.ClientID == uuid.Nil {
		return Validationf("transaction requires an account and a client")
	}
	if !t.Type.Valid() {
		return Validationf("unknown transaction type %q", t.Type)
	}
	return ValidateAmount(t.Amount)
}

// TransactionFilter narrows ListTransactions. Results are ordered newest first.
type TransactionFilter struct {
	AccountID *uuid.UUID
	ClientID  *uuid.UUID
	Type      TransactionType
	From      *time.Time
	To        *time.Time
	Search    string
	Limit     int
	Offset    int
}

// PostingRequest is the intent for a single-account posting (deposit, withdrawal, debit).
type PostingRequest struct {
	AccountID   uuid.UUID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Origin      string          `json:"-"`
}

// TransferRequest is the intent for moving funds between two accounts.
type TransferRequest struct {
	SourceAccountID      uuid.UUID       `json:"source_account_id"`
	DestinationAccountID uuid.UUID       `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
	Origin               string          `json:"-"`
}

// PostingResult is returned by a successful single-account posting.
// AuditError is set when the activity entry could not be written; the posting
// itself still stands.
type PostingResult struct {
	Transaction Transaction     `json:"transaction"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	AuditError  error           `json:"-"`
}

// TransferResult is returned by a successful transfer.
type TransferResult struct {
	Withdrawal         Transaction     `json:"withdrawal"`
	Deposit            Transaction     `json:"deposit"`
	SourceBalance      decimal.Decimal `json:"source_balance"`
	DestinationBalance decimal.Decimal `json:"destination_balance"`
	AuditError         error           `json:"-"`
}
