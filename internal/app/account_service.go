/**
 * @description
 * AccountService opens and closes accounts and assembles the read-only bundles
 * (statement, receipt) handed to the document generator.
 *
 * @notes
 * - Identifiers are random, so two openings can draw the same one. The store
 *   rejects the second with ErrConflict and Open draws again, up to maxAttempts.
 * - Closing is soft and requires a zero balance.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

const (
	defaultIdentifierAttempts = 5
	defaultStatementLimit     = 100
)

// AccountSettings holds the identifier policy for new accounts.
type AccountSettings struct {
	// CountryCode overrides the country of every bank profile when set.
	CountryCode string
	MaxAttempts int
}

type AccountService struct {
	repo        store.Repository
	activity    *ActivityLogger
	generator   *iban.Generator
	banks       *iban.Registry
	countryCode string
	maxAttempts int
}

func NewAccountService(repo store.Repository, activity *ActivityLogger, generator *iban.Generator, banks *iban.Registry, settings AccountSettings) *AccountService {
	maxAttempts := settings.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultIdentifierAttempts
	}
	return &AccountService{
		repo:        repo,
		activity:    activity,
		generator:   generator,
		banks:       banks,
		countryCode: strings.ToUpper(strings.TrimSpace(settings.CountryCode)),
		maxAttempts: maxAttempts,
	}
}

// Open creates an account for an existing, non-inactive client with a freshly
// generated identifier.
func (s *AccountService) Open(ctx context.Context, actor domain.Actor, req domain.OpenAccountRequest) (*domain.Account, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if req.ClientID == uuid.Nil {
		return nil, domain.Validationf("client id is required")
	}
	if strings.TrimSpace(req.BankName) == "" {
		return nil, domain.Validationf("bank name is required")
	}
	profile, ok := s.banks.Lookup(req.BankName)
	if !ok {
		return nil, domain.Validationf("unknown bank %q", req.BankName)
	}
	if s.countryCode != "" {
		profile.CountryCode = s.countryCode
	}
	if req.Currency == "" {
		req.Currency = domain.CurrencyXAF
	}
	if req.Category == "" {
		req.Category = domain.AccountCurrent
	}

	client, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client.Status == domain.ClientInactive {
		return nil, domain.Conflictf("client %s is inactive", client.FullName())
	}

	var account *domain.Account
	for attempt := 1; ; attempt++ {
		id, err := s.generator.Generate(profile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}

		account = &domain.Account{
			ClientID:      client.ID,
			Identifier:    id.String(),
			Currency:      req.Currency,
			Category:      req.Category,
			Balance:       req.InitialBalance,
			BankName:      profile.Name,
			BankCode:      id.BankCode,
			BranchCode:    id.BranchCode,
			AccountNumber: id.AccountNumber,
			CheckKey:      id.CheckKey,
			BIC:           profile.BIC,
		}
		_, err = s.repo.CreateAccount(ctx, account)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= s.maxAttempts {
			return nil, err
		}
		log.Printf("level=warn component=accounts msg=\"identifier collision; regenerating\" identifier=%s attempt=%d", id, attempt)
	}
	account.ClientName = client.FullName()

	log.Printf("level=info component=accounts msg=\"account opened\" account_id=%s identifier=%s client_id=%s actor=%s",
		account.ID, account.Identifier, client.ID, actor.ID)
	s.record(ctx, actor, domain.ActionAccountOpened,
		fmt.Sprintf("Account %s opened for %s at %s", iban.Format(account.Identifier), client.FullName(), profile.Name), req.Origin)
	return account, nil
}

func (s *AccountService) Close(ctx context.Context, actor domain.Actor, accountID uuid.UUID, origin string) (*domain.Account, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.CloseAccount(ctx, accountID); err != nil {
		return nil, err
	}
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, domain.ActionAccountClosed, fmt.Sprintf("Account %s closed", iban.Format(account.Identifier)), origin)
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

func (s *AccountService) GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	return s.repo.GetAccountByIdentifier(ctx, identifier)
}

func (s *AccountService) List(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	return s.repo.ListAccounts(ctx, filter)
}

// Banks lists the institutions accounts can be opened with.
func (s *AccountService) Banks() []iban.BankProfile {
	return s.banks.Profiles()
}

// Statement bundles an account, its owner and its latest postings.
func (s *AccountService) Statement(ctx context.Context, accountID uuid.UUID, limit int) (*domain.Statement, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, account.ClientID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultStatementLimit
	}
	transactions, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{AccountID: &account.ID, Limit: limit})
	if err != nil {
		return nil, err
	}
	account.ClientName = client.FullName()
	return &domain.Statement{Account: *account, Client: *client, Transactions: transactions}, nil
}

// Receipt bundles one transaction with the account and client it belongs to.
func (s *AccountService) Receipt(ctx context.Context, transactionID uuid.UUID) (*domain.Receipt, error) {
	record, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.GetAccount(ctx, record.AccountID)
	if err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, record.ClientID)
	if err != nil {
		return nil, err
	}
	return &domain.Receipt{Transaction: *record, Account: *account, Client: *client}, nil
}

func (s *AccountService) record(ctx context.Context, actor domain.Actor, action domain.ActivityAction, details, origin string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, actor, action, details, origin); err != nil {
		log.Printf("level=error component=accounts msg=\"activity log write failed\" action=%s actor=%s err=%v", action, actor.ID, err)
	}
}
