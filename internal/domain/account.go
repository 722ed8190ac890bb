/**
 * @description
 * Account is one currency-denominated balance identified by an IBAN-shaped string.
 *
 * @notes
 * - Balances and amounts use shopspring/decimal. Comparisons against zero and against
 *   the current balance are exact.
 * - The balance is only ever changed by the ledger service inside a store unit.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

type Currency string

const (
	CurrencyXAF Currency = "XAF"
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyGBP Currency = "GBP"
)

func (c Currency) Valid() bool {
	switch c {
	case CurrencyXAF, CurrencyEUR, CurrencyUSD, CurrencyGBP:
		return true
	}
	return false
}

type AccountCategory string

const (
	AccountCurrent  AccountCategory = "current"
	AccountSavings  AccountCategory = "savings"
	AccountBusiness AccountCategory = "business"
	AccountJoint    AccountCategory = "joint"
)

func (c AccountCategory) Valid() bool {
	switch c {
	case AccountCurrent, AccountSavings, AccountBusiness, AccountJoint:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// Account maps to the `accounts` table.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	ClientID       uuid.UUID       `json:"client_id"`
	Identifier     string          `json:"identifier"`
	Currency       Currency        `json:"currency"`
	Category       AccountCategory `json:"category"`
	Balance        decimal.Decimal `json:"balance"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	BankName       string          `json:"bank_name"`
	BankCode       string          `json:"bank_code"`
	BranchCode     string          `json:"branch_code"`
	AccountNumber  string          `json:"account_number"`
	CheckKey       string          `json:"check_key"`
	BIC            string          `json:"bic"`
	Status         AccountStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Populated by list queries only.
	ClientName string `json:"client_name,omitempty"`
}

// Validate checks an account before it is inserted.
func (a *Account) Validate() error {
	if a.ClientID == uuid.Nil {
		return Validationf("client id is required")
	}
	if a.Identifier == "" {
		return Validationf("account identifier is required")
	}
	if !a.Currency.Valid() {
		return Validationf("unsupported currency %q", a.Currency)
	}
	if !a.Category.Valid() {
		return Validationf("unknown account category %q", a.Category)
	}
	if a.Balance.IsNegative() {
		return Validationf("initial balance must not be negative")
	}
	if !a.Balance.Equal(a.Balance.Round(MoneyScale)) {
		return Validationf("initial balance has more than %d decimal places", MoneyScale)
	}
	return nil
}

// ValidateAmount enforces amount > 0 with at most MoneyScale fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Validationf("amount must be greater than zero")
	}
	if !amount.Equal(amount.Round(MoneyScale)) {
		return Validationf("amount has more than %d decimal places", MoneyScale)
	}
	return nil
}

// AccountFilter narrows ListAccounts. Zero values mean "any".
type AccountFilter struct {
	ClientID   *uuid.UUID
	ClientName string
	Identifier string
	MinBalance *decimal.Decimal
	MaxBalance *decimal.Decimal
	Status     AccountStatus
	Limit      int
	Offset     int
}

// OpenAccountRequest is the DTO for opening an account for a client.
type OpenAccountRequest struct {
	ClientID       uuid.UUID       `json:"client_id"`
	BankName       string          `json:"bank_name"`
	Currency       Currency        `json:"currency"`
	Category       AccountCategory `json:"category"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	Origin         string          `json:"-"`
}

// Statement is the read-only bundle handed to the document generator for a RIB.
type Statement struct {
	Account      Account       `json:"account"`
	Client       Client        `json:"client"`
	Transactions []Transaction `json:"transactions"`
}

// Receipt is the read-only bundle for one transaction receipt.
type Receipt struct {
	Transaction Transaction `json:"transaction"`
	Account     Account     `json:"account"`
	Client      Client      `json:"client"`
}

// LedgerDrift reports an account whose balance disagrees with its postings.
type LedgerDrift struct {
	AccountID  uuid.UUID       `json:"account_id"`
	Identifier string          `json:"identifier"`
	Balance    decimal.Decimal `json:"balance"`
	Expected   decimal.Decimal `json:"expected"`
}
