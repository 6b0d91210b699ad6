package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/store"
)

func seedSQLite(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restoreflow.db")
	s, err := store.NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	now := time.Now().UTC().Add(-time.Hour)
	if err := s.CreateJob(ctx, domain.Job{ID: "job-1", OwnerID: "u1", OriginalKey: domain.OriginalKey("job-1"), CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	attemptID, err := s.CreateAttempt(ctx, store.CreateAttemptRequest{JobID: "job-1", Kind: domain.AttemptKindRestore, Provider: "replicate", Model: "gfpgan"})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	return path, attemptID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAttemptStuckAndFail(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "memory")
	t.Setenv("EVENTS_BACKEND", "memory")
	path, attemptID := seedSQLite(t)
	dsn := "sqlite://" + path

	out, err := run(t, "attempt", "stuck", "--dsn", dsn, "--older-than", "0s")
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if !strings.Contains(out, attemptID) || !strings.Contains(out, "replicate") {
		t.Fatalf("stuck attempt missing from output:\n%s", out)
	}

	if _, err := run(t, "attempt", "fail", attemptID, "--dsn", dsn, "--reason", "bogus"); err == nil {
		t.Fatal("expected unknown reason to be rejected")
	}

	out, err = run(t, "attempt", "fail", attemptID, "--dsn", dsn, "--reason", "provider_failed", "--message", "no webhook after 2h")
	if err != nil {
		t.Fatalf("fail: %v (%s)", err, out)
	}
	if !strings.Contains(out, "failed:provider_failed") {
		t.Fatalf("unexpected output %q", out)
	}

	s, err := store.NewSQLiteStore(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	attempt, err := s.GetAttempt(context.Background(), attemptID)
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status.Reason() != domain.FailureProvider || attempt.Params["resolved_by"] != "restorectl" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}

	if _, err := run(t, "attempt", "fail", attemptID, "--dsn", dsn); err == nil {
		t.Fatal("expected a terminal attempt to be refused")
	}
}

func TestPrintAttemptTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	if err := printAttemptTable(&out, nil, now); err != nil || !strings.Contains(out.String(), "no stuck attempts") {
		t.Fatalf("unexpected empty output %q %v", out.String(), err)
	}

	out.Reset()
	attempts := []domain.Attempt{{ID: "att-1", JobID: "job-1", Kind: domain.AttemptKindAnimation, Provider: "runpod", CreatedAt: now.Add(-90 * time.Minute)}}
	if err := printAttemptTable(&out, attempts, now); err != nil {
		t.Fatalf("print: %v", err)
	}
	for _, want := range []string{"att-1", "animation", "runpod", "1h30m0s", " - "} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in:\n%s", want, out.String())
		}
	}
}
