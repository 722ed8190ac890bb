package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecocapital/ledger-service/internal/cli"
	"github.com/ecocapital/ledger-service/internal/store"
)

var ledgerctl struct {
	cli.Commands
}

func main() {
	backend := cli.Backend{
		Migrate: func(ctx context.Context, databaseURL string) ([]string, error) {
			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return nil, err
			}
			defer pool.Close()
			return store.Migrate(ctx, pool)
		},
		Open: func(ctx context.Context, databaseURL string) (cli.DriftReader, func(), error) {
			pool, err := pgxpool.New(ctx, databaseURL)
			if err != nil {
				return nil, nil, err
			}
			return store.NewPostgresRepository(pool), pool.Close, nil
		},
	}

	ctx := kong.Parse(&ledgerctl,
		kong.Name("ledgerctl"),
		kong.Description("Operator tooling for the ledger service."),
		kong.UsageOnError(),
		kong.Bind(&ledgerctl.Globals, &backend),
	)

	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
