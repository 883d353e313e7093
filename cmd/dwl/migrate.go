package main

import (
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the schema of every SQLite store",
	Long: `Open the control, staging and warehouse stores and apply any pending
schema migrations. Server databases (PostgreSQL, MySQL, SQL Server) are left
untouched: their tables are provisioned by their owners.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stores, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	for _, s := range []struct {
		name  string
		store *store.Store
	}{
		{"control", stores.Control},
		{"staging", stores.Staging},
		{"warehouse", stores.Warehouse},
	} {
		version, err := s.store.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		if version == 0 {
			util.InfoLog("%-9s %-10s externally managed", s.name, s.store.Dialect())
			continue
		}
		util.SuccessLog("%-9s %-10s schema v%d", s.name, s.store.Dialect(), version)
	}
	return nil
}
