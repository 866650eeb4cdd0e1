package main

import (
	"fmt"
	"os"

	"github.com/billbatista/acasinha-ledger/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acasinha",
	Short: "Shared expense ledger for two partners, driven by chat messages",
	Long: `acasinha turns free-text messages from two partners into ledger entries.
Every entry is confirmed by the sender before it is written, and the balance
is always derived from the append-only ledger.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "acasinha.yaml", "path to the YAML config file (ACASINHA_* environment variables win)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
