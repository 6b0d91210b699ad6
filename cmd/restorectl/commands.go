package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dunamismax/restoreflow/internal/app"
	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/events"
	"github.com/dunamismax/restoreflow/internal/lifecycle"
	"github.com/dunamismax/restoreflow/internal/logging"
	"github.com/dunamismax/restoreflow/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show a job and its attempts as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		attemptStore, err := openStore(ctx, loadConfig(cmd))
		if err != nil {
			return err
		}
		defer attemptStore.Close()

		job, err := attemptStore.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		attempts, err := attemptStore.ListAttempts(ctx, job.ID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"job": job, "attempts": attempts})
	},
}

// --- attempt ---

var attemptCmd = &cobra.Command{
	Use:   "attempt",
	Short: "Inspect and resolve attempts",
}

var attemptShowCmd = &cobra.Command{
	Use:   "show <attempt_id>",
	Short: "Show one attempt as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		attemptStore, err := openStore(ctx, loadConfig(cmd))
		if err != nil {
			return err
		}
		defer attemptStore.Close()

		attempt, err := attemptStore.GetAttempt(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), attempt)
	},
}

var attemptStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List in-flight attempts older than a cutoff",
	Long: `List in-flight attempts older than a cutoff.

Examples:
  restorectl attempt stuck --older-than 30m
  restorectl attempt stuck --older-than 2h --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		asJSON, _ := cmd.Flags().GetBool("json")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}

		ctx := cmd.Context()
		attemptStore, err := openStore(ctx, loadConfig(cmd))
		if err != nil {
			return err
		}
		defer attemptStore.Close()

		attempts, err := attemptStore.ListInFlight(ctx, time.Now().UTC().Add(-olderThan))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), attempts)
		}
		return printAttemptTable(cmd.OutOrStdout(), attempts, time.Now().UTC())
	},
}

var attemptFailCmd = &cobra.Command{
	Use:   "fail <attempt_id>",
	Short: "Resolve an in-flight attempt as failed",
	Long: `Resolve an in-flight attempt as failed.

The transition only applies while the attempt is still in flight. A webhook
that lands afterwards is acknowledged and ignored.

Examples:
  restorectl attempt fail 5f0c... --reason provider_failed --message "no webhook after 2h"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawReason, _ := cmd.Flags().GetString("reason")
		message, _ := cmd.Flags().GetString("message")
		reason, err := domain.ParseFailureReason(rawReason)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cfg := loadConfig(cmd)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := logging.New(cfg.AppEnv, "restorectl")

		attemptStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer attemptStore.Close()

		artifacts, err := storage.Open(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("opening artifact bucket: %w", err)
		}

		var publisher events.Publisher = events.NewHub(1, logger)
		if cfg.Events.Backend == app.EventsBackendRedis {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Queue.RedisAddr,
				Password: cfg.Queue.RedisPassword,
				DB:       cfg.Queue.RedisDB,
			})
			defer client.Close()
			publisher = events.NewRedisBroker(client, events.DefaultChannelPrefix)
		}

		attempt, err := attemptStore.GetAttempt(ctx, args[0])
		if err != nil {
			return err
		}
		if attempt.Status.IsTerminal() {
			return fmt.Errorf("attempt %s is already %s", attempt.ID, attempt.Status)
		}

		finalizer := lifecycle.NewFinalizer(attemptStore, artifacts, nil, publisher, logger)
		var status domain.Status
		if reason == domain.FailureCanceled {
			status = domain.Canceled(message)
		} else {
			status = domain.Failed(reason, message)
		}
		result, err := finalizer.Fail(ctx, attempt, status, domain.Params{"resolved_by": "restorectl"})
		if err != nil {
			return err
		}
		if !result.Applied {
			return errors.New("attempt was finalized concurrently; nothing changed")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "attempt %s -> %s\n", result.Attempt.ID, result.Attempt.Status)
		return nil
	},
}

func init() {
	attemptStuckCmd.Flags().Duration("older-than", 30*time.Minute, "minimum age of listed attempts")
	attemptStuckCmd.Flags().Bool("json", false, "print JSON instead of a table")

	attemptFailCmd.Flags().String("reason", string(domain.FailureProvider), "failure reason recorded on the attempt")
	attemptFailCmd.Flags().String("message", "resolved manually", "failure message recorded on the attempt")
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAttemptTable(out io.Writer, attempts []domain.Attempt, now time.Time) error {
	if len(attempts) == 0 {
		_, err := fmt.Fprintln(out, "no stuck attempts")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTEMPT\tJOB\tKIND\tPROVIDER\tPROVIDER JOB\tAGE")
	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.JobID, a.Kind, a.Provider, orDash(a.ProviderJobID()), now.Sub(a.CreatedAt).Round(time.Second))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
