package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/billbatista/acasinha-ledger/category"
	"github.com/billbatista/acasinha-ledger/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and seed the default categories",
	Long: `Apply the embedded schema to the database named by database.dsn
(ACASINHA_DATABASE_DSN). Every statement is idempotent, so running it
again is safe.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.Database.DSN.IsSet() {
		return errors.New("database.dsn is required to migrate")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Database.DSN.Value(), 1)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	if err := category.NewCatalog(category.NewRepository(conn), logger).Seed(ctx); err != nil {
		return fmt.Errorf("seeding categories: %w", err)
	}
	logger.Info("schema applied", zap.Int("default_categories", len(category.Defaults)))
	return nil
}
