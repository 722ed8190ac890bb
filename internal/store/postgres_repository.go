/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * clients, accounts, transactions and the activity log. The atomic ledger unit lives
 * in postgres_ledger.go and the aggregate/outbox queries in postgres_reports.go.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and connection pool.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned through sql.Scanner.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

const balanceConstraint = "accounts_balance_non_negative"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return domain.StorageError("ping", err)
	}
	return nil
}

// mapPgError converts driver errors into domain error kinds.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundf("%s", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: unique constraint %s", op, domain.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%s: %w: foreign key %s", op, domain.ErrNotFound, pgErr.ConstraintName)
		case "23514":
			if pgErr.ConstraintName == balanceConstraint {
				return fmt.Errorf("%s: %w", op, domain.ErrInsufficientFunds)
			}
			return fmt.Errorf("%s: %w: check constraint %s", op, domain.ErrValidation, pgErr.ConstraintName)
		case "22P02", "22003":
			return fmt.Errorf("%s: %w: %s", op, domain.ErrValidation, pgErr.Message)
		}
	}
	return domain.StorageError(op, err)
}

// whereBuilder accumulates SQL predicates with numbered placeholders.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

// add appends a clause whose placeholders are written as $%[1]d.
func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) page(limit, offset int) string {
	if offset < 0 {
		offset = 0
	}
	w.args = append(w.args, normalizeLimit(limit), offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(w.args)-1, len(w.args))
}

func likePattern(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(s)) + "%"
}

// --- clients ---

const clientColumns = `id, first_name, last_name, email, phone, category, status, created_at, updated_at`

func scanClient(row pgx.Row, c *domain.Client) error {
	return row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.Category, &c.Status, &c.CreatedAt, &c.UpdatedAt)
}

func (r *PostgresRepository) CreateClient(ctx context.Context, client *domain.Client) (uuid.UUID, error) {
	client.Normalize()
	if err := client.Validate(); err != nil {
		return uuid.Nil, err
	}

	client.ID = uuid.New()
	query := `
		INSERT INTO clients (id, first_name, last_name, email, phone, category, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		client.ID,
		client.FirstName,
		client.LastName,
		client.Email,
		client.Phone,
		client.Category,
		client.Status,
	).Scan(&client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		client.ID = uuid.Nil
		return uuid.Nil, mapPgError("create client", err)
	}
	return client.ID, nil
}

func (r *PostgresRepository) UpdateClient(ctx context.Context, client *domain.Client) error {
	client.Normalize()
	if err := client.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE clients
		SET first_name = $2, last_name = $3, email = $4, phone = $5, category = $6, status = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		client.ID,
		client.FirstName,
		client.LastName,
		client.Email,
		client.Phone,
		client.Category,
		client.Status,
	).Scan(&client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		return mapPgError(fmt.Sprintf("client %s", client.ID), err)
	}
	return nil
}

func (r *PostgresRepository) SetClientStatus(ctx context.Context, clientID uuid.UUID, status domain.ClientStatus) error {
	if !status.Valid() {
		return domain.Validationf("unknown client status %q", status)
	}
	tag, err := r.db.Exec(ctx, `UPDATE clients SET status = $2, updated_at = NOW() WHERE id = $1`, clientID, status)
	if err != nil {
		return mapPgError("set client status", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("client %s", clientID)
	}
	return nil
}

func (r *PostgresRepository) GetClient(ctx context.Context, clientID uuid.UUID) (*domain.Client, error) {
	var client domain.Client
	err := scanClient(r.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, clientID), &client)
	if err != nil {
		return nil, mapPgError(fmt.Sprintf("client %s", clientID), err)
	}
	return &client, nil
}

func (r *PostgresRepository) ListClients(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	var where whereBuilder
	if filter.Category != "" {
		where.add("category = $%[1]d", filter.Category)
	}
	if filter.Status != "" {
		where.add("status = $%[1]d", filter.Status)
	}
	if strings.TrimSpace(filter.Search) != "" {
		where.add(`(first_name ILIKE $%[1]d OR last_name ILIKE $%[1]d OR (first_name || ' ' || last_name) ILIKE $%[1]d
			OR email ILIKE $%[1]d OR phone ILIKE $%[1]d)`, likePattern(filter.Search))
	}
	query := `SELECT ` + clientColumns + ` FROM clients` + where.sql() +
		` ORDER BY last_name, first_name, id` + where.page(filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, where.args...)
	if err != nil {
		return nil, mapPgError("list clients", err)
	}
	defer rows.Close()

	clients := make([]domain.Client, 0)
	for rows.Next() {
		var c domain.Client
		if err := scanClient(rows, &c); err != nil {
			return nil, mapPgError("scan client", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list clients", err)
	}
	return clients, nil
}

// --- accounts ---

const accountColumns = `a.id, a.client_id, a.identifier, a.currency, a.category, a.balance, a.opening_balance,
	a.bank_name, a.bank_code, a.branch_code, a.account_number, a.check_key, a.bic, a.status, a.created_at, a.updated_at`

func accountTargets(a *domain.Account) []interface{} {
	return []interface{}{
		&a.ID, &a.ClientID, &a.Identifier, &a.Currency, &a.Category, &a.Balance, &a.OpeningBalance,
		&a.BankName, &a.BankCode, &a.BranchCode, &a.AccountNumber, &a.CheckKey, &a.BIC, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	}
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) (uuid.UUID, error) {
	account.Identifier = iban.Normalize(account.Identifier)
	if err := account.Validate(); err != nil {
		return uuid.Nil, err
	}

	account.ID = uuid.New()
	account.OpeningBalance = account.Balance
	account.Status = domain.AccountActive
	query := `
		INSERT INTO accounts (
			id, client_id, identifier, currency, category, balance, opening_balance,
			bank_name, bank_code, branch_code, account_number, check_key, bic, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		account.ID,
		account.ClientID,
		account.Identifier,
		account.Currency,
		account.Category,
		account.Balance,
		account.OpeningBalance,
		account.BankName,
		account.BankCode,
		account.BranchCode,
		account.AccountNumber,
		account.CheckKey,
		account.BIC,
		account.Status,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		account.ID = uuid.Nil
		return uuid.Nil, mapPgError("create account", err)
	}
	return account.ID, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	var account domain.Account
	err := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1`, accountID).
		Scan(accountTargets(&account)...)
	if err != nil {
		return nil, mapPgError(fmt.Sprintf("account %s", accountID), err)
	}
	return &account, nil
}

func (r *PostgresRepository) GetAccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	normalized := iban.Normalize(identifier)
	var account domain.Account
	err := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.identifier = $1`, normalized).
		Scan(accountTargets(&account)...)
	if err != nil {
		return nil, mapPgError(fmt.Sprintf("account %s", normalized), err)
	}
	return &account, nil
}

func (r *PostgresRepository) ListAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, error) {
	var where whereBuilder
	if filter.ClientID != nil {
		where.add("a.client_id = $%[1]d", *filter.ClientID)
	}
	if filter.Status != "" {
		where.add("a.status = $%[1]d", filter.Status)
	}
	if identifier := iban.Normalize(filter.Identifier); identifier != "" {
		where.add("a.identifier LIKE $%[1]d", likePattern(identifier))
	}
	if filter.MinBalance != nil {
		where.add("a.balance >= $%[1]d", *filter.MinBalance)
	}
	if filter.MaxBalance != nil {
		where.add("a.balance <= $%[1]d", *filter.MaxBalance)
	}
	if strings.TrimSpace(filter.ClientName) != "" {
		where.add("(c.first_name || ' ' || c.last_name) ILIKE $%[1]d", likePattern(filter.ClientName))
	}
	query := `SELECT ` + accountColumns + `, c.first_name || ' ' || c.last_name
		FROM accounts a JOIN clients c ON c.id = a.client_id` + where.sql() +
		` ORDER BY a.created_at DESC, a.identifier` + where.page(filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, where.args...)
	if err != nil {
		return nil, mapPgError("list accounts", err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(append(accountTargets(&a), &a.ClientName)...); err != nil {
			return nil, mapPgError("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list accounts", err)
	}
	return accounts, nil
}

// CloseAccount takes the same row lock as postings, so it cannot interleave with one.
func (r *PostgresRepository) CloseAccount(ctx context.Context, accountID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.StorageError("begin close account", err)
	}
	defer tx.Rollback(ctx)

	var account domain.Account
	err = tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = $1 FOR UPDATE`, accountID).
		Scan(accountTargets(&account)...)
	if err != nil {
		return mapPgError(fmt.Sprintf("account %s", accountID), err)
	}
	if account.Status == domain.AccountClosed {
		return domain.Conflictf("account %s is already closed", account.Identifier)
	}
	if !account.Balance.IsZero() {
		return domain.Conflictf("account %s still holds %s %s", account.Identifier, account.Balance.StringFixed(domain.MoneyScale), account.Currency)
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`, accountID, domain.AccountClosed); err != nil {
		return mapPgError("close account", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.StorageError("commit close account", err)
	}
	return nil
}

// --- transactions ---

const transactionColumns = `t.id, t.sequence, t.account_id, t.client_id, t.type, t.amount, t.description, t.created_at,
	a.identifier, c.first_name || ' ' || c.last_name`

const transactionJoins = ` FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	JOIN clients c ON c.id = t.client_id`

func scanTransaction(row pgx.Row, t *domain.Transaction) error {
	return row.Scan(&t.ID, &t.Sequence, &t.AccountID, &t.ClientID, &t.Type, &t.Amount, &t.Description, &t.CreatedAt,
		&t.AccountIdentifier, &t.ClientName)
}

func (r *PostgresRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	var t domain.Transaction
	err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+transactionJoins+` WHERE t.id = $1`, transactionID), &t)
	if err != nil {
		return nil, mapPgError(fmt.Sprintf("transaction %s", transactionID), err)
	}
	return &t, nil
}

func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var where whereBuilder
	if filter.AccountID != nil {
		where.add("t.account_id = $%[1]d", *filter.AccountID)
	}
	if filter.ClientID != nil {
		where.add("t.client_id = $%[1]d", *filter.ClientID)
	}
	if filter.Type != "" {
		where.add("t.type = $%[1]d", filter.Type)
	}
	if filter.From != nil {
		where.add("t.created_at >= $%[1]d", *filter.From)
	}
	if filter.To != nil {
		where.add("t.created_at < $%[1]d", *filter.To)
	}
	if strings.TrimSpace(filter.Search) != "" {
		where.add(`(t.description ILIKE $%[1]d OR a.identifier ILIKE $%[1]d OR (c.first_name || ' ' || c.last_name) ILIKE $%[1]d)`,
			likePattern(filter.Search))
	}
	query := `SELECT ` + transactionColumns + transactionJoins + where.sql() +
		` ORDER BY t.sequence DESC` + where.page(filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, where.args...)
	if err != nil {
		return nil, mapPgError("list transactions", err)
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0)
	for rows.Next() {
		var t domain.Transaction
		if err := scanTransaction(rows, &t); err != nil {
			return nil, mapPgError("scan transaction", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list transactions", err)
	}
	return transactions, nil
}

// --- activity ---

func (r *PostgresRepository) InsertActivity(ctx context.Context, entry *domain.ActivityLogEntry) error {
	if strings.TrimSpace(entry.ActorID) == "" || entry.Action == "" {
		return domain.Validationf("activity entry requires an actor and an action")
	}

	entry.ID = uuid.New()
	query := `
		INSERT INTO activity_logs (id, actor_id, action, details, origin_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	if err := r.db.QueryRow(ctx, query, entry.ID, entry.ActorID, entry.Action, entry.Details, entry.OriginAddress).
		Scan(&entry.CreatedAt); err != nil {
		return mapPgError("insert activity", err)
	}
	return nil
}

func (r *PostgresRepository) ListActivity(ctx context.Context, filter domain.ActivityFilter) ([]domain.ActivityLogEntry, error) {
	var where whereBuilder
	if filter.ActorID != "" {
		where.add("actor_id = $%[1]d", filter.ActorID)
	}
	if filter.Date != nil {
		start := domain.StartOfDay(*filter.Date)
		where.add("created_at >= $%[1]d", start)
		where.add("created_at < $%[1]d", start.AddDate(0, 0, 1))
	}
	query := `SELECT id, actor_id, action, details, origin_address, created_at FROM activity_logs` + where.sql() +
		` ORDER BY created_at DESC, seq DESC` + where.page(filter.Limit, 0)

	rows, err := r.db.Query(ctx, query, where.args...)
	if err != nil {
		return nil, mapPgError("list activity", err)
	}
	defer rows.Close()

	entries := make([]domain.ActivityLogEntry, 0)
	for rows.Next() {
		var e domain.ActivityLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Details, &e.OriginAddress, &e.CreatedAt); err != nil {
			return nil, mapPgError("scan activity", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list activity", err)
	}
	return entries, nil
}
