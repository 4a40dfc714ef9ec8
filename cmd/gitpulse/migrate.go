package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gitpulse/gitpulse/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and verify critical tables",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	// Open applies pending migrations and verifies the critical schema;
	// any failure surfaces here as a non-zero exit.
	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("migrations applied, schema verified (%s)\n", cfg.DBPath)
	return nil
}
