package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

const seriesDays = 7

// ReportReader is what the reports need from the store.
type ReportReader interface {
	store.ReportRepository
	store.TransactionRepository
}

// ReportService computes the dashboard aggregates straight from the ledger store.
type ReportService struct {
	repo ReportReader
}

func NewReportService(repo ReportReader) *ReportService {
	return &ReportService{repo: repo}
}

// Dashboard computes every aggregate as of now. "Today" is the UTC day of now.
func (s *ReportService) Dashboard(ctx context.Context, now time.Time) (*domain.Dashboard, error) {
	today := domain.StartOfDay(now)

	activeClients, err := s.repo.CountActiveClients(ctx)
	if err != nil {
		return nil, err
	}
	transactionsToday, err := s.repo.CountTransactionsBetween(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	deposits, err := s.repo.SumByType(ctx, domain.TransactionDeposit)
	if err != nil {
		return nil, err
	}
	withdrawals, err := s.TotalWithdrawals(ctx)
	if err != nil {
		return nil, err
	}
	series, err := s.WeeklySeries(ctx, now)
	if err != nil {
		return nil, err
	}
	categories, err := s.repo.ClientsByCategory(ctx)
	if err != nil {
		return nil, err
	}

	return &domain.Dashboard{
		GeneratedAt:       now.UTC(),
		ActiveClients:     activeClients,
		TransactionsToday: transactionsToday,
		TotalDeposits:     deposits,
		TotalWithdrawals:  withdrawals,
		LastSevenDays:     series,
		ClientsByCategory: categories,
	}, nil
}

// TotalWithdrawals sums every outgoing posting type.
func (s *ReportService) TotalWithdrawals(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, txType := range []domain.TransactionType{domain.TransactionWithdrawal, domain.TransactionDebit, domain.TransactionTransfer} {
		sum, err := s.repo.SumByType(ctx, txType)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(sum)
	}
	return total, nil
}

// WeeklySeries returns exactly seven days ending with the day of now, oldest
// first. Days without postings are reported as zero.
func (s *ReportService) WeeklySeries(ctx context.Context, now time.Time) ([]domain.DailyTotal, error) {
	today := domain.StartOfDay(now)
	from := today.AddDate(0, 0, -(seriesDays - 1))

	totals, err := s.repo.DailyTotals(ctx, from, today.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]domain.DailyTotal, len(totals))
	for _, t := range totals {
		byDay[domain.StartOfDay(t.Day)] = t
	}

	series := make([]domain.DailyTotal, 0, seriesDays)
	for day := from; !day.After(today); day = day.AddDate(0, 0, 1) {
		point, ok := byDay[day]
		if !ok {
			point = domain.DailyTotal{Deposits: decimal.Zero, Withdrawals: decimal.Zero}
		}
		point.Day = day
		series = append(series, point)
	}
	return series, nil
}

// RecentTransactions returns the latest postings across all accounts.
func (s *ReportService) RecentTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.repo.ListTransactions(ctx, domain.TransactionFilter{Limit: limit})
}
