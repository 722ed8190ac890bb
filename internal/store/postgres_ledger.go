package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
)

// WithinTx runs fn inside one database transaction. The connection is released on
// every exit path by the deferred rollback, which is a no-op after commit.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.StorageError("begin ledger unit", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &postgresLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.StorageError("commit ledger unit", err)
	}
	return nil
}

type postgresLedgerTx struct {
	tx pgx.Tx
}

// LockAccounts locks rows one by one in ascending id order so that two transfers
// over the same pair of accounts cannot deadlock.
func (t *postgresLedgerTx) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	ids := sortedUniqueIDs(accountIDs)
	out := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		var account domain.Account
		err := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1 FOR UPDATE`, id).
			Scan(accountTargets(&account)...)
		if err != nil {
			return nil, mapPgError(fmt.Sprintf("account %s", id), err)
		}
		out[id] = &account
	}
	return out, nil
}

// ApplyBalanceDelta guards and applies the change in a single UPDATE. When no row
// qualifies, a follow-up read explains why.
func (t *postgresLedgerTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND balance + $2 >= 0
		RETURNING balance
	`, accountID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if err != pgx.ErrNoRows {
		return decimal.Zero, mapPgError("apply balance delta", err)
	}

	var (
		current    decimal.Decimal
		status     domain.AccountStatus
		identifier string
	)
	err = t.tx.QueryRow(ctx, `SELECT balance, status, identifier FROM accounts WHERE id = $1`, accountID).
		Scan(&current, &status, &identifier)
	if err != nil {
		return decimal.Zero, mapPgError(fmt.Sprintf("account %s", accountID), err)
	}
	if status != domain.AccountActive {
		return decimal.Zero, domain.Conflictf("account %s is %s", identifier, status)
	}
	return decimal.Zero, fmt.Errorf("%w: account %s holds %s, change of %s refused",
		domain.ErrInsufficientFunds, identifier, current.StringFixed(domain.MoneyScale), delta.StringFixed(domain.MoneyScale))
}

func (t *postgresLedgerTx) InsertTransaction(ctx context.Context, record *domain.Transaction) (uuid.UUID, error) {
	if err := record.Validate(); err != nil {
		return uuid.Nil, err
	}

	record.ID = uuid.New()
	query := `
		INSERT INTO transactions (id, account_id, client_id, type, amount, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sequence, created_at
	`
	err := t.tx.QueryRow(ctx, query,
		record.ID,
		record.AccountID,
		record.ClientID,
		record.Type,
		record.Amount,
		record.Description,
	).Scan(&record.Sequence, &record.CreatedAt)
	if err != nil {
		record.ID = uuid.Nil
		return uuid.Nil, mapPgError("insert transaction", err)
	}
	return record.ID, nil
}

func (t *postgresLedgerTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", mapPgError("enqueue event", err))
	}
	return nil
}
