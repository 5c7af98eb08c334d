package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"ingestflow/logger"
)

var rootCmd = &cobra.Command{
	Use:   "devtools",
	Short: "Developer tools for the ingestion engine",
	Long: `Developer tools for the ingestion engine.

replay runs a recorded raw event pack through a private pipeline and prints
what the pipeline produced. scaffold generates the skeleton of a new venue
adapter from a small YAML description. pack shares golden packs through S3.`,
	SilenceUsage: true,
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logger.GetLogger().Configure(logLevel, "text", "stderr", 0)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
