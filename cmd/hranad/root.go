package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/hranad/internal/config"
)

var (
	cfg        config.Config
	logger     zerolog.Logger
	logOutput  io.Writer
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "hranad",
	Short: "Distributed, multi-tenant SQLite-compatible database server",
	Long: `hranad serves one SQLite database per tenant behind the Hrana protocol,
replicating each primary's WAL frames to its replicas and proxying replica
writes back to the primary over the node bus.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hranad.yaml", "Path to the node's YAML config file")
}
