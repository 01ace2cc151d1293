package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/foundry-data/foundry/pkg/config"
	"github.com/foundry-data/foundry/pkg/reconcile"
)

// runReconcile sweeps the catalog against the blob store, repairing rows
// whose objects are missing or changed and reporting orphans.
func runReconcile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FOUNDRY_CONFIG"), "YAML config file")
	workspaceID := fs.String("workspace", "", "limit the sweep to one workspace")
	dryRun := fs.Bool("dry-run", false, "report findings without repairing")
	jsonOut := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "reconcile: %v\n", err)
		return 1
	}
	defer d.close()

	var workspaceIDs []string
	if *workspaceID != "" {
		workspaceIDs = []string{*workspaceID}
	} else {
		workspaces, err := d.cat.ListWorkspaces(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "reconcile: list workspaces: %v\n", err)
			return 1
		}
		for _, ws := range workspaces {
			workspaceIDs = append(workspaceIDs, ws.ID)
		}
	}

	sweeper := reconcile.NewSweeper(d.cat, d.store, logger)
	sweeper.Repair = !*dryRun
	report, err := sweeper.Sweep(ctx, workspaceIDs)
	if err != nil {
		fmt.Fprintf(stderr, "reconcile: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Fprintf(stdout, "swept %d files across %d products: %d findings\n",
			report.FilesSwept, report.Products, len(report.Findings))
		for _, f := range report.Findings {
			fmt.Fprintf(stdout, "  %-20s %s (%s)\n", f.Kind, f.BlobKey, f.Detail)
		}
	}
	if len(report.Findings) > 0 {
		return 3
	}
	return 0
}
