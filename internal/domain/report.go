package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyTotal is one calendar day (UTC) of deposit and withdrawal volume.
// Withdrawals include debits.
type DailyTotal struct {
	Day         time.Time       `json:"day"`
	Deposits    decimal.Decimal `json:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals"`
}

// CategoryCount is the number of clients in one category.
type CategoryCount struct {
	Category ClientCategory `json:"category"`
	Count    int            `json:"count"`
}

// Dashboard is the aggregate view shown on the back-office home page.
type Dashboard struct {
	GeneratedAt       time.Time       `json:"generated_at"`
	ActiveClients     int             `json:"active_clients"`
	TransactionsToday int             `json:"transactions_today"`
	TotalDeposits     decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals  decimal.Decimal `json:"total_withdrawals"`
	LastSevenDays     []DailyTotal    `json:"last_seven_days"`
	ClientsByCategory []CategoryCount `json:"clients_by_category"`
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
