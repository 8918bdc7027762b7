package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"orders-etl/internal/config"
)

var version = "0.1.0"

var (
	configPath string
	cfg        *config.Config
	logger     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:     "orders-etl",
	Version: version,
	Short:   "orders-etl - CDC ingestion of orders into a columnar warehouse",
	Long: `orders-etl consumes order change events from a JetStream stream, reconciles them into one
canonical row per change and loads time-bounded batches into DuckDB or S3 parquet objects,
committing a per-partition checkpoint after every durable write.`,
	SilenceUsage: true,
	PersistentPreRunE: func(command *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return setupLogger(logger, cfg.Logging)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (ETL_* environment variables override it)")
	rootCmd.AddCommand(runCmd, publishCmd, checkpointCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.WithFields(logrus.Fields{"error": err}).Error("orders-etl failed")
		os.Exit(1)
	}
}

// setupLogger applies the configured level and formatter
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}
