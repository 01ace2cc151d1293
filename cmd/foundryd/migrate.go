package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/foundry-data/foundry/pkg/api"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/config"
	"github.com/foundry-data/foundry/pkg/quota"
)

// runMigrate creates or updates the catalog schema plus the usage-event and
// idempotency tables. The catalog constructors migrate on open, so this is
// mostly a connectivity check that admins can run before serve.
func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FOUNDRY_CONFIG"), "YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if cfg.Catalog.DSN == "" {
		fmt.Fprintln(stderr, "migrate: catalog.dsn is not configured; the in-memory catalog needs no schema")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !isPostgresDSN(cfg.Catalog.DSN) {
		if _, err := catalog.OpenSQLite(cfg.Catalog.DSN); err != nil {
			fmt.Fprintf(stderr, "migrate: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "sqlite catalog ready at %s\n", cfg.Catalog.DSN)
		return 0
	}

	db, err := sql.Open("postgres", cfg.Catalog.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: ping: %v\n", err)
		return 1
	}

	if _, err := catalog.NewPostgresCatalog(db); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	if err := quota.NewPostgresMeter(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: usage meter: %v\n", err)
		return 1
	}
	if err := api.NewPostgresIdempotencyStore(db, 24*time.Hour).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: idempotency store: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "postgres schema ready")
	return 0
}
