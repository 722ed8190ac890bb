package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

var teller = domain.Actor{ID: "teller-01", Role: domain.RoleUser}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type ledgerFixture struct {
	repo     *store.MemoryRepository
	clock    *testClock
	activity *ActivityLogger
	ledger   *LedgerService
	clients  *ClientService
	accounts *AccountService
	reports  *ReportService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryRepository(store.WithClock(clock.Now))
	return newFixtureWithRepo(t, repo, repo, clock)
}

func newFixtureWithRepo(t *testing.T, repo store.Repository, memory *store.MemoryRepository, clock *testClock) *ledgerFixture {
	t.Helper()
	generator, err := iban.NewGenerator(iban.WithSource(rand.NewPCG(7, 11)))
	if err != nil {
		t.Fatalf("failed to build generator: %v", err)
	}
	banks, err := iban.NewRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	activity := NewActivityLogger(repo)
	return &ledgerFixture{
		repo:     memory,
		clock:    clock,
		activity: activity,
		ledger:   NewLedgerService(repo, activity),
		clients:  NewClientService(repo, activity),
		accounts: NewAccountService(repo, activity, generator, banks, AccountSettings{}),
		reports:  NewReportService(repo),
	}
}

func (f *ledgerFixture) newClient(t *testing.T, first, last string) *domain.Client {
	t.Helper()
	client, err := f.clients.Create(context.Background(), teller, domain.CreateClientRequest{
		FirstName: first,
		LastName:  last,
		Phone:     "+242061234567",
		Category:  domain.ClientIndividual,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func (f *ledgerFixture) openAccount(t *testing.T, clientID uuid.UUID, balance string) *domain.Account {
	t.Helper()
	account, err := f.accounts.Open(context.Background(), teller, domain.OpenAccountRequest{
		ClientID:       clientID,
		BankName:       "EcoCapital",
		Currency:       domain.CurrencyXAF,
		Category:       domain.AccountCurrent,
		InitialBalance: decimal.RequireFromString(balance),
	})
	if err != nil {
		t.Fatalf("failed to open account: %v", err)
	}
	return account
}

func (f *ledgerFixture) balance(t *testing.T, accountID uuid.UUID) decimal.Decimal {
	t.Helper()
	account, err := f.repo.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("failed to load account: %v", err)
	}
	return account.Balance
}

func (f *ledgerFixture) transactions(t *testing.T, accountID uuid.UUID) []domain.Transaction {
	t.Helper()
	txs, err := f.repo.ListTransactions(context.Background(), domain.TransactionFilter{AccountID: &accountID})
	if err != nil {
		t.Fatalf("failed to list transactions: %v", err)
	}
	return txs
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(amount(want)) {
		t.Fatalf("expected balance %s, got %s", want, got.StringFixed(2))
	}
}

func assertKind(t *testing.T, err error, want domain.ErrorKind) {
	t.Helper()
	if got := domain.KindOf(err); got != want {
		t.Fatalf("expected error kind %q, got %q (err=%v)", want, got, err)
	}
}

// failingActivityRepo rejects every write.
type failingActivityRepo struct{}

func (failingActivityRepo) InsertActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	return domain.StorageError("insert activity", errors.New("disk full"))
}

func (failingActivityRepo) ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	return nil, nil
}
