package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

func TestLedgerService_DepositThenWithdrawScenarios(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	client := f.newClient(t, "Amina", "Ngoma")
	account := f.openAccount(t, client.ID, "100.00")

	deposit, err := f.ledger.Deposit(ctx, teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("50.00"), Description: "cash"})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	assertBalance(t, deposit.NewBalance, "150.00")
	if deposit.Transaction.Type != domain.TransactionDeposit || !deposit.Transaction.Amount.Equal(amount("50")) {
		t.Fatalf("unexpected deposit record %+v", deposit.Transaction)
	}
	if deposit.Transaction.ClientID != client.ID {
		t.Fatalf("expected client id to be copied from the account owner")
	}

	_, err = f.ledger.Withdraw(ctx, teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("200.00")})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	assertBalance(t, f.balance(t, account.ID), "150.00")
	if n := len(f.transactions(t, account.ID)); n != 1 {
		t.Fatalf("expected 1 record after rejected withdrawal, got %d", n)
	}

	withdrawal, err := f.ledger.Withdraw(ctx, teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("50.00")})
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	assertBalance(t, withdrawal.NewBalance, "100.00")

	txs := f.transactions(t, account.ID)
	if len(txs) != 2 || txs[0].Type != domain.TransactionWithdrawal || txs[1].Type != domain.TransactionDeposit {
		t.Fatalf("unexpected history %+v", txs)
	}
}

func TestLedgerService_TransferMovesFundsAtomically(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	a := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "100.00")
	b := f.openAccount(t, f.newClient(t, "Jean", "Mabiala").ID, "0.00")

	result, err := f.ledger.Transfer(ctx, teller, domain.TransferRequest{
		SourceAccountID:      a.ID,
		DestinationAccountID: b.ID,
		Amount:               amount("40.00"),
		Description:          "rent",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	assertBalance(t, result.SourceBalance, "60.00")
	assertBalance(t, result.DestinationBalance, "40.00")
	assertBalance(t, f.balance(t, a.ID), "60.00")
	assertBalance(t, f.balance(t, b.ID), "40.00")

	if result.Withdrawal.Type != domain.TransactionWithdrawal || result.Deposit.Type != domain.TransactionDeposit {
		t.Fatalf("unexpected leg types %s/%s", result.Withdrawal.Type, result.Deposit.Type)
	}
	if want := "Transfer to " + b.Identifier + ": rent"; result.Withdrawal.Description != want {
		t.Fatalf("expected %q, got %q", want, result.Withdrawal.Description)
	}
	if want := "Transfer from " + a.Identifier + ": rent"; result.Deposit.Description != want {
		t.Fatalf("expected %q, got %q", want, result.Deposit.Description)
	}
	if result.Withdrawal.ID == result.Deposit.ID {
		t.Fatal("expected two independent records")
	}
	if len(f.transactions(t, a.ID)) != 1 || len(f.transactions(t, b.ID)) != 1 {
		t.Fatal("expected exactly one record per leg")
	}
}

func TestLedgerService_TransferInsufficientFundsLeavesNoTrace(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	a := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "30.00")
	b := f.openAccount(t, f.newClient(t, "Jean", "Mabiala").ID, "5.00")

	_, err := f.ledger.Transfer(ctx, teller, domain.TransferRequest{SourceAccountID: a.ID, DestinationAccountID: b.ID, Amount: amount("40.00")})
	assertKind(t, err, domain.KindInsufficientFunds)

	assertBalance(t, f.balance(t, a.ID), "30.00")
	assertBalance(t, f.balance(t, b.ID), "5.00")
	if len(f.transactions(t, a.ID))+len(f.transactions(t, b.ID)) != 0 {
		t.Fatal("expected zero records for a rejected transfer")
	}
	msgs, err := f.repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no outbox events, got %d", len(msgs))
	}
}

func TestLedgerService_TransferRejections(t *testing.T) {
	f := newLedgerFixture(t)
	client := f.newClient(t, "Amina", "Ngoma")
	a := f.openAccount(t, client.ID, "100.00")
	eur, err := f.accounts.Open(context.Background(), teller, domain.OpenAccountRequest{
		ClientID: client.ID, BankName: "EcoCapital", Currency: domain.CurrencyEUR, Category: domain.AccountSavings,
	})
	if err != nil {
		t.Fatalf("failed to open EUR account: %v", err)
	}

	tests := []struct {
		name string
		req  domain.TransferRequest
		want domain.ErrorKind
	}{
		{name: "same account", req: domain.TransferRequest{SourceAccountID: a.ID, DestinationAccountID: a.ID, Amount: amount("1")}, want: domain.KindValidation},
		{name: "currency mismatch", req: domain.TransferRequest{SourceAccountID: a.ID, DestinationAccountID: eur.ID, Amount: amount("1")}, want: domain.KindValidation},
		{name: "unknown destination", req: domain.TransferRequest{SourceAccountID: a.ID, DestinationAccountID: uuid.New(), Amount: amount("1")}, want: domain.KindNotFound},
		{name: "missing source", req: domain.TransferRequest{DestinationAccountID: a.ID, Amount: amount("1")}, want: domain.KindValidation},
		{name: "zero amount", req: domain.TransferRequest{SourceAccountID: a.ID, DestinationAccountID: eur.ID}, want: domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Transfer(context.Background(), teller, tt.req)
			assertKind(t, err, tt.want)
		})
	}
	assertBalance(t, f.balance(t, a.ID), "100.00")
}

func TestLedgerService_PostingValidation(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "10.00")

	tests := []struct {
		name  string
		actor domain.Actor
		req   domain.PostingRequest
		want  domain.ErrorKind
	}{
		{name: "zero amount", actor: teller, req: domain.PostingRequest{AccountID: account.ID, Amount: amount("0")}, want: domain.KindValidation},
		{name: "negative amount", actor: teller, req: domain.PostingRequest{AccountID: account.ID, Amount: amount("-5")}, want: domain.KindValidation},
		{name: "sub-cent amount", actor: teller, req: domain.PostingRequest{AccountID: account.ID, Amount: amount("1.005")}, want: domain.KindValidation},
		{name: "missing actor", actor: domain.Actor{}, req: domain.PostingRequest{AccountID: account.ID, Amount: amount("1")}, want: domain.KindValidation},
		{name: "missing account", actor: teller, req: domain.PostingRequest{Amount: amount("1")}, want: domain.KindValidation},
		{name: "unknown account", actor: teller, req: domain.PostingRequest{AccountID: uuid.New(), Amount: amount("1")}, want: domain.KindNotFound},
		{name: "long description", actor: teller, req: domain.PostingRequest{AccountID: account.ID, Amount: amount("1"), Description: strings.Repeat("x", MaxDescriptionLength+1)}, want: domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Deposit(context.Background(), tt.actor, tt.req)
			assertKind(t, err, tt.want)
		})
	}
	assertBalance(t, f.balance(t, account.ID), "10.00")
	if n := len(f.transactions(t, account.ID)); n != 0 {
		t.Fatalf("expected no records, got %d", n)
	}
}

func TestLedgerService_DebitCountsAsOutgoing(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "25.00")

	result, err := f.ledger.PostDebit(context.Background(), teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("2.50"), Description: "card fee"})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	assertBalance(t, result.NewBalance, "22.50")
	if result.Transaction.Type != domain.TransactionDebit {
		t.Fatalf("expected debit record, got %s", result.Transaction.Type)
	}

	_, err = f.ledger.PostDebit(context.Background(), teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("22.51")})
	assertKind(t, err, domain.KindInsufficientFunds)
}

func TestLedgerService_ClosedAccountRejectsPostings(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "0")
	if _, err := f.accounts.Close(context.Background(), teller, account.ID, ""); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	_, err := f.ledger.Deposit(context.Background(), teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("1")})
	assertKind(t, err, domain.KindConflict)
}

func TestLedgerService_RecordsActivityAndOutboxEvent(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "0")

	result, err := f.ledger.Deposit(ctx, teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("75.00"), Origin: "10.0.0.7"})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if result.AuditError != nil {
		t.Fatalf("unexpected audit error: %v", result.AuditError)
	}

	last, err := f.activity.Last(ctx)
	if err != nil {
		t.Fatalf("failed to read activity: %v", err)
	}
	if last.Action != domain.ActionDeposit || last.ActorID != teller.ID {
		t.Fatalf("unexpected activity entry %+v", last)
	}
	if last.OriginAddress == nil || *last.OriginAddress != "10.0.0.7" {
		t.Fatalf("expected origin address to be recorded, got %v", last.OriginAddress)
	}
	if !strings.Contains(last.Details, "75.00 XAF") || !strings.Contains(last.Details, account.Identifier) {
		t.Fatalf("unexpected details %q", last.Details)
	}

	msgs, err := f.repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one outbox event, got %d", len(msgs))
	}
	if msgs[0].Exchange != DefaultLedgerExchange || msgs[0].RoutingKey != domain.RoutingKeyTransactionPosted {
		t.Fatalf("unexpected routing %s/%s", msgs[0].Exchange, msgs[0].RoutingKey)
	}
	var event domain.TransactionPostedEvent
	if err := json.Unmarshal(msgs[0].Payload, &event); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if event.TransactionID != result.Transaction.ID || !event.BalanceAfter.Equal(amount("75")) || event.ActorID != teller.ID {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestLedgerService_AuditFailureDoesNotFailPosting(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "10.00")
	ledger := NewLedgerService(f.repo, NewActivityLogger(failingActivityRepo{}))

	result, err := ledger.Withdraw(context.Background(), teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("4.00")})
	if err != nil {
		t.Fatalf("expected posting to succeed, got %v", err)
	}
	if result.AuditError == nil {
		t.Fatal("expected the audit failure to be reported")
	}
	assertKind(t, result.AuditError, domain.KindStorage)
	assertBalance(t, f.balance(t, account.ID), "6.00")
}

func TestLedgerService_CancelledContextNeverStartsUnit(t *testing.T) {
	f := newLedgerFixture(t)
	account := f.openAccount(t, f.newClient(t, "Amina", "Ngoma").ID, "10.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ledger.Deposit(ctx, teller, domain.PostingRequest{AccountID: account.ID, Amount: amount("1")})
	assertKind(t, err, domain.KindStorage)
	assertBalance(t, f.balance(t, account.ID), "10.00")
}

type brokenUnitRepo struct {
	store.Repository
	err error
}

func (r brokenUnitRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return r.err
}

func TestLedgerService_UnclassifiedStoreErrorsBecomeStorageErrors(t *testing.T) {
	ledger := NewLedgerService(brokenUnitRepo{err: errors.New("connection reset")}, nil)

	_, err := ledger.Deposit(context.Background(), teller, domain.PostingRequest{AccountID: uuid.New(), Amount: amount("1")})
	assertKind(t, err, domain.KindStorage)
}
