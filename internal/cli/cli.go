// Package cli implements ledgerctl, the operator command line of the ledger service.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

var (
	successSymbol = "✓"
	errorSymbol   = "✗"
	infoSymbol    = "→"

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00D787", Dark: "#00D787"})
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF5F87", Dark: "#FF5F87"})
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5FAFFF", Dark: "#5FAFFF"})
	labelStyle   = lipgloss.NewStyle().Bold(true)
)

func printSuccess(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", successStyle.Render(successSymbol), message)
}

func printError(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n", errorStyle.Render(errorSymbol), errorStyle.Render(message))
}

func printInfof(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, "%s %s\n", infoStyle.Render(infoSymbol), fmt.Sprintf(format, args...))
}

// Globals defines global flags available to all commands.
type Globals struct {
	DatabaseURL  string `help:"PostgreSQL connection string." env:"DATABASE_URL"`
	BankProfiles string `help:"Extra bank profiles as Name:code:BIC[:country];..." env:"BANK_PROFILES"`
}

// Registry builds the bank registry including the configured extra profiles.
func (g *Globals) Registry() (*iban.Registry, error) {
	extra, err := iban.ParseProfiles(g.BankProfiles)
	if err != nil {
		return nil, err
	}
	return iban.NewRegistry(extra...)
}

// DriftReader recomputes balances from postings.
type DriftReader interface {
	LedgerDrift(ctx context.Context) ([]domain.LedgerDrift, error)
}

// Backend reaches the database for the store-backed commands.
type Backend struct {
	// Migrate applies pending migrations and returns the names it applied.
	Migrate func(ctx context.Context, databaseURL string) ([]string, error)
	// Open connects the ledger store. The returned func releases it.
	Open func(ctx context.Context, databaseURL string) (DriftReader, func(), error)
}

// Commands is the ledgerctl command tree.
type Commands struct {
	Globals

	Migrate    MigrateCmd    `cmd:"" help:"Apply pending database migrations."`
	Identifier IdentifierCmd `cmd:"" help:"Generate, validate and format account identifiers."`
	Banks      BanksCmd      `cmd:"" help:"List the bank profiles accounts can be opened with."`
	Reconcile  ReconcileCmd  `cmd:"" help:"Recompute every balance from its postings and report drift."`
}
