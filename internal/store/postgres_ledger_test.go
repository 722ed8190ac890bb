package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
)

type stubRow struct {
	values []interface{}
	err    error
}

func (r stubRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(r.values))
	}
	for i, value := range r.values {
		switch target := dest[i].(type) {
		case *decimal.Decimal:
			*target = value.(decimal.Decimal)
		case *domain.AccountStatus:
			*target = value.(domain.AccountStatus)
		case *string:
			*target = value.(string)
		default:
			return fmt.Errorf("scan: unsupported target %T", dest[i])
		}
	}
	return nil
}

// stubTx answers QueryRow calls in order and records the statements.
type stubTx struct {
	pgx.Tx
	rows    []stubRow
	queries []string
}

func (tx *stubTx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	tx.queries = append(tx.queries, sql)
	if len(tx.rows) == 0 {
		return stubRow{err: errors.New("unexpected query")}
	}
	row := tx.rows[0]
	tx.rows = tx.rows[1:]
	return row
}

func TestPostgresLedgerTx_ApplyBalanceDelta(t *testing.T) {
	balanceRow := func(balance string, status domain.AccountStatus) stubRow {
		return stubRow{values: []interface{}{decimal.RequireFromString(balance), status, "CG7630001000011234567890185"}}
	}

	tests := []struct {
		name        string
		rows        []stubRow
		wantKind    domain.ErrorKind
		wantBalance string
		wantQueries int
	}{
		{
			name:        "guard passes",
			rows:        []stubRow{{values: []interface{}{decimal.RequireFromString("80.00")}}},
			wantKind:    domain.KindNone,
			wantBalance: "80",
			wantQueries: 1,
		},
		{
			name:        "closed account",
			rows:        []stubRow{{err: pgx.ErrNoRows}, balanceRow("10.00", domain.AccountClosed)},
			wantKind:    domain.KindConflict,
			wantQueries: 2,
		},
		{
			name:        "balance would go negative",
			rows:        []stubRow{{err: pgx.ErrNoRows}, balanceRow("10.00", domain.AccountActive)},
			wantKind:    domain.KindInsufficientFunds,
			wantQueries: 2,
		},
		{
			name:        "account vanished",
			rows:        []stubRow{{err: pgx.ErrNoRows}, {err: pgx.ErrNoRows}},
			wantKind:    domain.KindNotFound,
			wantQueries: 2,
		},
		{
			name:        "connection lost",
			rows:        []stubRow{{err: errors.New("conn closed")}},
			wantKind:    domain.KindStorage,
			wantQueries: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &stubTx{rows: tt.rows}
			ledgerTx := &postgresLedgerTx{tx: tx}

			balance, err := ledgerTx.ApplyBalanceDelta(context.Background(), uuid.New(), decimal.RequireFromString("-20.00"))
			if got := domain.KindOf(err); got != tt.wantKind {
				t.Fatalf("expected kind %q, got %q (err=%v)", tt.wantKind, got, err)
			}
			if tt.wantBalance != "" && !balance.Equal(decimal.RequireFromString(tt.wantBalance)) {
				t.Fatalf("expected balance %s, got %s", tt.wantBalance, balance)
			}
			if len(tx.queries) != tt.wantQueries {
				t.Fatalf("expected %d queries, got %d", tt.wantQueries, len(tx.queries))
			}
			if !strings.Contains(tx.queries[0], "balance + $2 >= 0") || !strings.Contains(tx.queries[0], "status = 'active'") {
				t.Fatalf("expected the guarded update first, got %q", tx.queries[0])
			}
		})
	}
}

func TestTruncateReason(t *testing.T) {
	ascii := strings.Repeat("a", maxOutboxErrorBytes+10)
	if got := truncateReason(ascii); len(got) != maxOutboxErrorBytes {
		t.Fatalf("expected %d bytes, got %d", maxOutboxErrorBytes, len(got))
	}

	// "é" is two bytes; the byte limit falls inside the first one.
	accented := strings.Repeat("a", maxOutboxErrorBytes-1) + "éé"
	got := truncateReason(accented)
	if len(got) != maxOutboxErrorBytes-1 || !utf8.ValidString(got) {
		t.Fatalf("expected a cut before the split character, got %d bytes", len(got))
	}

	if got := truncateReason("broker said \xff\xfe no"); got != "broker said  no" {
		t.Fatalf("expected invalid bytes to be dropped, got %q", got)
	}
	if got := truncateReason("short"); got != "short" {
		t.Fatalf("expected short reasons untouched, got %q", got)
	}
}

