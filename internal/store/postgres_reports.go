package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
)

func (r *PostgresRepository) CountActiveClients(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM clients WHERE status = 'active'`).Scan(&count); err != nil {
		return 0, mapPgError("count active clients", err)
	}
	return count, nil
}

func (r *PostgresRepository) CountTransactionsBetween(ctx context.Context, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE created_at >= $1 AND created_at < $2`, from, to).Scan(&count)
	if err != nil {
		return 0, mapPgError("count transactions", err)
	}
	return count, nil
}

func (r *PostgresRepository) SumByType(ctx context.Context, txType domain.TransactionType) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE type = $1`, txType).Scan(&total)
	if err != nil {
		return decimal.Zero, mapPgError("sum transactions", err)
	}
	return total, nil
}

// DailyTotals buckets by UTC calendar day and only returns days that have postings.
func (r *PostgresRepository) DailyTotals(ctx context.Context, from, to time.Time) ([]domain.DailyTotal, error) {
	query := `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COALESCE(SUM(amount) FILTER (WHERE type = 'deposit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type <> 'deposit'), 0)
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY day
		ORDER BY day
	`
	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, mapPgError("daily totals", err)
	}
	defer rows.Close()

	totals := make([]domain.DailyTotal, 0)
	for rows.Next() {
		var d domain.DailyTotal
		if err := rows.Scan(&d.Day, &d.Deposits, &d.Withdrawals); err != nil {
			return nil, mapPgError("scan daily total", err)
		}
		d.Day = domain.StartOfDay(d.Day)
		totals = append(totals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("daily totals", err)
	}
	return totals, nil
}

func (r *PostgresRepository) ClientsByCategory(ctx context.Context) ([]domain.CategoryCount, error) {
	rows, err := r.db.Query(ctx, `SELECT category, COUNT(*) FROM clients GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, mapPgError("clients by category", err)
	}
	defer rows.Close()

	counts := make([]domain.CategoryCount, 0)
	for rows.Next() {
		var c domain.CategoryCount
		if err := rows.Scan(&c.Category, &c.Count); err != nil {
			return nil, mapPgError("scan category count", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("clients by category", err)
	}
	return counts, nil
}

// LedgerDrift recomputes every balance from its opening balance and postings.
func (r *PostgresRepository) LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error) {
	query := `
		SELECT a.id, a.identifier, a.balance,
			a.opening_balance + COALESCE(SUM(CASE WHEN t.type = 'deposit' THEN t.amount ELSE -t.amount END), 0) AS expected
		FROM accounts a
		LEFT JOIN transactions t ON t.account_id = a.id
		GROUP BY a.id
		HAVING a.balance <> a.opening_balance + COALESCE(SUM(CASE WHEN t.type = 'deposit' THEN t.amount ELSE -t.amount END), 0)
		ORDER BY a.identifier
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, mapPgError("ledger drift", err)
	}
	defer rows.Close()

	drift := make([]domain.LedgerDrift, 0)
	for rows.Next() {
		var d domain.LedgerDrift
		if err := rows.Scan(&d.AccountID, &d.Identifier, &d.Balance, &d.Expected); err != nil {
			return nil, mapPgError("scan ledger drift", err)
		}
		drift = append(drift, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("ledger drift", err)
	}
	return drift, nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, mapPgError("claim outbox", err)
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, mapPgError("scan outbox", err)
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("claim outbox", err)
	}
	return messages, nil
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return mapPgError("mark outbox published", err)
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return mapPgError("mark outbox failed", err)
}

const maxOutboxErrorBytes = 2000

// truncateReason keeps the error within maxOutboxErrorBytes without splitting a
// UTF-8 sequence, which Postgres would reject.
func truncateReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "")
	if len(reason) <= maxOutboxErrorBytes {
		return reason
	}
	cut := maxOutboxErrorBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
