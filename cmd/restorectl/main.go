package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/restoreflow/internal/config"
	"github.com/dunamismax/restoreflow/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "restorectl",
	Short: "Operator tooling for restoreflow jobs and attempts",
	Long: `restorectl inspects jobs and attempts in the attempt store and resolves
attempts whose provider never reported back.

It reads the same environment as the API and worker (STORE_DSN, MINIO_*,
EVENTS_BACKEND, REDIS_*), including a .env file in the working directory.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().String("dsn", "", "attempt store DSN (defaults to STORE_DSN)")

	jobCmd.AddCommand(jobShowCmd)
	attemptCmd.AddCommand(attemptShowCmd, attemptStuckCmd, attemptFailCmd)
	rootCmd.AddCommand(jobCmd, attemptCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.Load()
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	return cfg
}

func openStore(ctx context.Context, cfg config.Config) (store.AttemptStore, error) {
	attemptStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening attempt store: %w", err)
	}
	return attemptStore, nil
}
