/**
 * @description
 * Scheduled job implementations: the nightly dashboard summary and the periodic
 * ledger reconciliation. Both publish through the outbox.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

const jobTimeout = 2 * time.Minute

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo     store.Repository
	reports  *ReportService
	exchange string
	logger   *slog.Logger
	now      func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, reports *ReportService, exchange string, logger *slog.Logger) *Jobs {
	if exchange == "" {
		exchange = DefaultLedgerExchange
	}
	return &Jobs{
		repo:     repo,
		reports:  reports,
		exchange: exchange,
		logger:   logger,
		now:      time.Now,
	}
}

// PublishDailySummary computes the dashboard for the day that just ended and
// enqueues it as a daily summary event.
func (j *Jobs) PublishDailySummary() {
	j.logger.Info("starting daily summary job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	reportAt := domain.StartOfDay(j.now()).Add(-time.Second)
	dashboard, err := j.reports.Dashboard(ctx, reportAt)
	if err != nil {
		j.logger.Error("failed to compute daily summary", "error", err)
		return
	}

	event := domain.DailySummaryEvent{EventID: uuid.New(), Dashboard: *dashboard}
	if err := j.enqueue(ctx, domain.RoutingKeyDailySummary, event); err != nil {
		j.logger.Error("failed to enqueue daily summary", "error", err)
		return
	}

	j.logger.Info("daily summary job finished",
		"day", domain.StartOfDay(reportAt).Format(time.DateOnly),
		"transactions", dashboard.TransactionsToday,
		"active_clients", dashboard.ActiveClients)
}

// ReconcileLedger recomputes every balance from its postings. Any disagreement is
// logged at error level and published for the back-office.
func (j *Jobs) ReconcileLedger() {
	j.logger.Info("starting ledger reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	drift, err := j.repo.LedgerDrift(ctx)
	if err != nil {
		j.logger.Error("failed to reconcile ledger", "error", err)
		return
	}
	if len(drift) == 0 {
		j.logger.Info("ledger reconciled; no drift found")
		return
	}

	for _, d := range drift {
		j.logger.Error("ledger drift detected",
			"account_id", d.AccountID,
			"identifier", d.Identifier,
			"balance", d.Balance.StringFixed(domain.MoneyScale),
			"expected", d.Expected.StringFixed(domain.MoneyScale))
	}

	event := domain.ReconciliationDriftEvent{EventID: uuid.New(), DetectedAt: j.now().UTC(), Accounts: drift}
	if err := j.enqueue(ctx, domain.RoutingKeyReconciliationDrift, event); err != nil {
		j.logger.Error("failed to enqueue drift event", "error", err)
		return
	}
	j.logger.Info("ledger reconciliation job finished", "drifting_accounts", len(drift))
}

func (j *Jobs) enqueue(ctx context.Context, routingKey string, payload interface{}) error {
	return j.repo.WithinTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		return tx.EnqueueEvent(ctx, j.exchange, routingKey, payload)
	})
}
