/**
 * @description
 * This file contains the transaction processor. LedgerService is the only code path
 * that changes account balances: deposits, withdrawals, bank debits and transfers.
 *
 * Key features:
 * - Every posting is one store unit: lock, guarded balance change, transaction
 *   record(s) and outbox event(s) commit together or not at all.
 * - Transfers lock both accounts in a fixed order and write two independent legs.
 * - The activity entry is written after commit. Its failure is logged and returned
 *   beside the result; it never turns a committed posting into an error.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact money arithmetic.
 * - internal/domain, internal/store: Ledger types and the atomic unit.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

const (
	DefaultLedgerExchange = "ledger.events"
	MaxDescriptionLength  = 500
	defaultUnitTimeout    = 10 * time.Second
	defaultAuditTimeout   = 5 * time.Second
)

// LedgerOption configures a LedgerService.
type LedgerOption func(*LedgerService)

// WithExchange sets the exchange posting events are enqueued for.
func WithExchange(exchange string) LedgerOption {
	return func(s *LedgerService) {
		if exchange = strings.TrimSpace(exchange); exchange != "" {
			s.exchange = exchange
		}
	}
}

// WithUnitTimeout bounds how long one store unit may run.
func WithUnitTimeout(timeout time.Duration) LedgerOption {
	return func(s *LedgerService) {
		if timeout > 0 {
			s.unitTimeout = timeout
		}
	}
}

// LedgerService posts money movements.
type LedgerService struct {
	repo        store.Repository
	activity    *ActivityLogger
	exchange    string
	unitTimeout time.Duration
}

func NewLedgerService(repo store.Repository, activity *ActivityLogger, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		repo:        repo,
		activity:    activity,
		exchange:    DefaultLedgerExchange,
		unitTimeout: defaultUnitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposit credits an account. It cannot fail on funds.
func (s *LedgerService) Deposit(ctx context.Context, actor domain.Actor, req domain.PostingRequest) (*domain.PostingResult, error) {
	return s.post(ctx, actor, req, domain.TransactionDeposit)
}

// Withdraw debits an account at the teller. The balance check and the debit are
// one guarded statement.
func (s *LedgerService) Withdraw(ctx context.Context, actor domain.Actor, req domain.PostingRequest) (*domain.PostingResult, error) {
	return s.post(ctx, actor, req, domain.TransactionWithdrawal)
}

// PostDebit records a bank-initiated charge. It behaves like Withdraw.
func (s *LedgerService) PostDebit(ctx context.Context, actor domain.Actor, req domain.PostingRequest) (*domain.PostingResult, error) {
	return s.post(ctx, actor, req, domain.TransactionDebit)
}

func (s *LedgerService) post(ctx context.Context, actor domain.Actor, req domain.PostingRequest, txType domain.TransactionType) (*domain.PostingResult, error) {
	if err := validatePosting(actor, req.Amount, req.Description); err != nil {
		return nil, err
	}
	if req.AccountID == uuid.Nil {
		return nil, domain.Validationf("account id is required")
	}

	delta := req.Amount
	if !txType.Credits() {
		delta = delta.Neg()
	}

	var (
		result  domain.PostingResult
		account domain.Account
	)
	err := s.runUnit(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		locked, err := tx.LockAccounts(ctx, req.AccountID)
		if err != nil {
			return err
		}
		account = *locked[req.AccountID]

		balance, err := tx.ApplyBalanceDelta(ctx, account.ID, delta)
		if err != nil {
			return err
		}

		record := domain.Transaction{
			AccountID:   account.ID,
			ClientID:    account.ClientID,
			Type:        txType,
			Amount:      req.Amount,
			Description: strings.TrimSpace(req.Description),
		}
		if _, err := tx.InsertTransaction(ctx, &record); err != nil {
			return err
		}

		event := domain.NewTransactionPostedEvent(&record, &account, balance, actor)
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyTransactionPosted, event); err != nil {
			return err
		}

		record.AccountIdentifier = account.Identifier
		result = domain.PostingResult{Transaction: record, NewBalance: balance}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=ledger msg=\"posting rejected\" type=%s account_id=%s amount=%s actor=%s kind=%s err=%v",
			txType, req.AccountID, req.Amount.StringFixed(domain.MoneyScale), actor.ID, domain.KindOf(err), err)
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"posting committed\" type=%s transaction_id=%s account=%s amount=%s balance=%s actor=%s",
		txType, result.Transaction.ID, account.Identifier, req.Amount.StringFixed(domain.MoneyScale), result.NewBalance.StringFixed(domain.MoneyScale), actor.ID)

	details := fmt.Sprintf("%s of %s %s on account %s", postingLabel(txType), req.Amount.StringFixed(domain.MoneyScale), account.Currency, account.Identifier)
	result.AuditError = s.audit(ctx, actor, postingAction(txType), details, req.Origin)
	return &result, nil
}

// Transfer moves funds between two accounts as a withdrawal on the source and a
// deposit on the destination, inside one unit.
func (s *LedgerService) Transfer(ctx context.Context, actor domain.Actor, req domain.TransferRequest) (*domain.TransferResult, error) {
	if err := validatePosting(actor, req.Amount, req.Description); err != nil {
		return nil, err
	}
	if req.SourceAccountID == uuid.Nil || req.DestinationAccountID == uuid.Nil {
		return nil, domain.Validationf("source and destination accounts are required")
	}
	if req.SourceAccountID == req.DestinationAccountID {
		return nil, domain.Validationf("source and destination accounts must differ")
	}

	description := strings.TrimSpace(req.Description)
	var (
		result              domain.TransferResult
		source, destination domain.Account
	)
	err := s.runUnit(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		locked, err := tx.LockAccounts(ctx, req.SourceAccountID, req.DestinationAccountID)
		if err != nil {
			return err
		}
		source = *locked[req.SourceAccountID]
		destination = *locked[req.DestinationAccountID]
		if source.Currency != destination.Currency {
			return domain.Validationf("cannot transfer %s to a %s account", source.Currency, destination.Currency)
		}

		sourceBalance, err := tx.ApplyBalanceDelta(ctx, source.ID, req.Amount.Neg())
		if err != nil {
			return err
		}
		destinationBalance, err := tx.ApplyBalanceDelta(ctx, destination.ID, req.Amount)
		if err != nil {
			return err
		}

		withdrawal := domain.Transaction{
			AccountID:   source.ID,
			ClientID:    source.ClientID,
			Type:        domain.TransactionWithdrawal,
			Amount:      req.Amount,
			Description: transferDescription("Transfer to", destination.Identifier, description),
		}
		if _, err := tx.InsertTransaction(ctx, &withdrawal); err != nil {
			return err
		}
		deposit := domain.Transaction{
			AccountID:   destination.ID,
			ClientID:    destination.ClientID,
			Type:        domain.TransactionDeposit,
			Amount:      req.Amount,
			Description: transferDescription("Transfer from", source.Identifier, description),
		}
		if _, err := tx.InsertTransaction(ctx, &deposit); err != nil {
			return err
		}

		outgoing := domain.NewTransactionPostedEvent(&withdrawal, &source, sourceBalance, actor)
		outgoing.CounterpartyID = &destination.ID
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyTransactionPosted, outgoing); err != nil {
			return err
		}
		incoming := domain.NewTransactionPostedEvent(&deposit, &destination, destinationBalance, actor)
		incoming.CounterpartyID = &source.ID
		if err := tx.EnqueueEvent(ctx, s.exchange, domain.RoutingKeyTransactionPosted, incoming); err != nil {
			return err
		}

		withdrawal.AccountIdentifier = source.Identifier
		deposit.AccountIdentifier = destination.Identifier
		result = domain.TransferResult{
			Withdrawal:         withdrawal,
			Deposit:            deposit,
			SourceBalance:      sourceBalance,
			DestinationBalance: destinationBalance,
		}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=ledger msg=\"transfer rejected\" source_id=%s destination_id=%s amount=%s actor=%s kind=%s err=%v",
			req.SourceAccountID, req.DestinationAccountID, req.Amount.StringFixed(domain.MoneyScale), actor.ID, domain.KindOf(err), err)
		return nil, err
	}

	log.Printf("level=info component=ledger msg=\"transfer committed\" source=%s destination=%s amount=%s actor=%s",
		source.Identifier, destination.Identifier, req.Amount.StringFixed(domain.MoneyScale), actor.ID)

	details := fmt.Sprintf("Transfer of %s %s from %s to %s", req.Amount.StringFixed(domain.MoneyScale), source.Currency, source.Identifier, destination.Identifier)
	result.AuditError = s.audit(ctx, actor, domain.ActionTransfer, details, req.Origin)
	return &result, nil
}

// History lists postings, newest first.
func (s *LedgerService) History(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, filter)
}

// runUnit detaches the unit from caller cancellation: once started it either
// commits or rolls back on its own timeout.
func (s *LedgerService) runUnit(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageError("ledger unit not started", err)
	}

	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.unitTimeout)
	defer cancel()

	err := s.repo.WithinTx(unitCtx, fn)
	if err != nil && domain.KindOf(err) == domain.KindUnknown {
		return domain.StorageError("ledger unit", err)
	}
	return err
}

func (s *LedgerService) audit(ctx context.Context, actor domain.Actor, action domain.ActivityAction, details, origin string) error {
	if s.activity == nil {
		return nil
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAuditTimeout)
	defer cancel()

	if err := s.activity.Record(auditCtx, actor, action, details, origin); err != nil {
		log.Printf("level=error component=ledger msg=\"activity log write failed\" action=%s actor=%s err=%v", action, actor.ID, err)
		return err
	}
	return nil
}

func validatePosting(actor domain.Actor, amount decimal.Decimal, description string) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	if utf8.RuneCountInString(strings.TrimSpace(description)) > MaxDescriptionLength {
		return domain.Validationf("description exceeds %d characters", MaxDescriptionLength)
	}
	return nil
}

func transferDescription(prefix, counterpart, description string) string {
	if description == "" {
		return prefix + " " + counterpart
	}
	return prefix + " " + counterpart + ": " + description
}

func postingAction(txType domain.TransactionType) domain.ActivityAction {
	switch txType {
	case domain.TransactionDeposit:
		return domain.ActionDeposit
	case domain.TransactionDebit:
		return domain.ActionDebit
	default:
		return domain.ActionWithdrawal
	}
}

func postingLabel(txType domain.TransactionType) string {
	switch txType {
	case domain.TransactionDeposit:
		return "Deposit"
	case domain.TransactionDebit:
		return "Debit"
	default:
		return "Withdrawal"
	}
}
