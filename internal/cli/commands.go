package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

const commandTimeout = time.Minute

var errDatabaseURL = errors.New("a database url is required (--database-url or DATABASE_URL)")

type MigrateCmd struct{}

func (cmd *MigrateCmd) Run(ctx *kong.Context, globals *Globals, backend *Backend) error {
	if strings.TrimSpace(globals.DatabaseURL) == "" {
		return errDatabaseURL
	}
	runCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	applied, err := backend.Migrate(runCtx, globals.DatabaseURL)
	if err != nil {
		printError(ctx.Stderr, "migration failed")
		return err
	}
	if len(applied) == 0 {
		printInfof(ctx.Stdout, "schema already up to date")
		return nil
	}
	for _, name := range applied {
		printSuccess(ctx.Stdout, "applied "+name)
	}
	return nil
}

type IdentifierCmd struct {
	Generate GenerateCmd `cmd:"" help:"Generate fresh identifiers for a bank."`
	Validate ValidateCmd `cmd:"" help:"Check the national key and IBAN check digits of identifiers."`
	Format   FormatCmd   `cmd:"" help:"Print an identifier in groups of four."`
}

type GenerateCmd struct {
	Bank        string `help:"Bank name as listed by 'ledgerctl banks'." default:"EcoCapital"`
	Count       int    `help:"Number of identifiers to generate." default:"1"`
	Country     string `help:"Override the bank's country code."`
	CheckDigits string `help:"Emit these two check digits instead of computing them."`
}

func (cmd *GenerateCmd) Run(ctx *kong.Context, globals *Globals) error {
	registry, err := globals.Registry()
	if err != nil {
		return err
	}
	profile, ok := registry.Lookup(cmd.Bank)
	if !ok {
		return fmt.Errorf("unknown bank %q", cmd.Bank)
	}
	if cmd.Country != "" {
		profile.CountryCode = strings.ToUpper(cmd.Country)
	}

	var opts []iban.Option
	if cmd.CheckDigits != "" {
		opts = append(opts, iban.WithFixedCheckDigits(cmd.CheckDigits))
	}
	generator, err := iban.NewGenerator(opts...)
	if err != nil {
		return err
	}

	for i := 0; i < max(cmd.Count, 1); i++ {
		id, err := generator.Generate(profile)
		if err != nil {
			return err
		}
		printSuccess(ctx.Stdout, iban.Format(id.String()))
		printInfof(ctx.Stdout, "bank %s  branch %s  account %s  key %s  bic %s",
			id.BankCode, id.BranchCode, id.AccountNumber, id.CheckKey, profile.BIC)
	}
	return nil
}

type ValidateCmd struct {
	Identifiers []string `arg:"" help:"Identifiers to check, compact or grouped."`
	SkipIBAN    bool     `help:"Only check the national key, not the IBAN check digits."`
}

func (cmd *ValidateCmd) Run(ctx *kong.Context) error {
	failed := 0
	for _, raw := range cmd.Identifiers {
		id, err := iban.Parse(raw, !cmd.SkipIBAN)
		if err != nil {
			failed++
			printError(ctx.Stdout, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		printSuccess(ctx.Stdout, iban.Format(id.String()))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d identifiers failed validation", failed, len(cmd.Identifiers))
	}
	return nil
}

type FormatCmd struct {
	Identifier string `arg:"" help:"Identifier to format."`
}

func (cmd *FormatCmd) Run(ctx *kong.Context) error {
	_, _ = fmt.Fprintln(ctx.Stdout, iban.Format(cmd.Identifier))
	return nil
}

type BanksCmd struct{}

func (cmd *BanksCmd) Run(ctx *kong.Context, globals *Globals) error {
	registry, err := globals.Registry()
	if err != nil {
		return err
	}
	for _, p := range registry.Profiles() {
		_, _ = fmt.Fprintf(ctx.Stdout, "%s  %s  %s  %s\n", labelStyle.Render(p.Name), p.Code, p.BIC, p.CountryCode)
	}
	return nil
}

type ReconcileCmd struct{}

func (cmd *ReconcileCmd) Run(ctx *kong.Context, globals *Globals, backend *Backend) error {
	if strings.TrimSpace(globals.DatabaseURL) == "" {
		return errDatabaseURL
	}
	runCtx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reader, release, err := backend.Open(runCtx, globals.DatabaseURL)
	if err != nil {
		return err
	}
	defer release()

	drift, err := reader.LedgerDrift(runCtx)
	if err != nil {
		return err
	}
	if len(drift) == 0 {
		printSuccess(ctx.Stdout, "every balance matches its postings")
		return nil
	}
	for _, d := range drift {
		printError(ctx.Stdout, fmt.Sprintf("%s balance %s, postings give %s",
			iban.Format(d.Identifier),
			d.Balance.StringFixed(domain.MoneyScale),
			d.Expected.StringFixed(domain.MoneyScale)))
	}
	return fmt.Errorf("%d accounts drift from their postings", len(drift))
}
