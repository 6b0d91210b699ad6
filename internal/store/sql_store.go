package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/restoreflow/internal/domain"
	"github.com/dunamismax/restoreflow/internal/id"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Fixed-width UTC layout so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	original_key TEXT NOT NULL,
	selected_restore_id TEXT NOT NULL DEFAULT '',
	latest_animation_id TEXT NOT NULL DEFAULT '',
	thumbnail_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	kind TEXT NOT NULL,
	source_attempt_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	provider_job_id TEXT,
	status TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS attempts_job_id_idx ON attempts (job_id)`,
	`CREATE INDEX IF NOT EXISTS attempts_status_idx ON attempts (status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attempts_provider_job_idx ON attempts (provider, provider_job_id)`,
}

const attemptColumns = `id, job_id, kind, source_attempt_id, provider, model, status, status_message, params, created_at, updated_at`

const jobColumns = `id, owner_id, original_key, selected_restore_id, latest_animation_id, thumbnail_key, created_at, updated_at`

// SQLStore implements AttemptStore on database/sql for postgres (lib/pq) and sqlite (modernc).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return newSQLStore(ctx, db, dialectPostgres)
}

// NewSQLiteStore opens a sqlite database at path. ":memory:" opens a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return newSQLStore(ctx, db, dialectSQLite)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		s.rebind(`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.OwnerID,
		job.OriginalKey,
		job.SelectedRestoreID,
		job.LatestAnimationID,
		job.ThumbnailKey,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete job: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM attempts WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("delete job attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) SetJobThumbnail(ctx context.Context, jobID, key string) error {
	res, err := s.db.ExecContext(
		ctx,
		s.rebind(`UPDATE jobs SET thumbnail_key = ?, updated_at = ? WHERE id = ?`),
		key,
		formatTime(s.now()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("update job thumbnail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) CreateAttempt(ctx context.Context, req CreateAttemptRequest) (string, error) {
	if err := validateCreateAttempt(req); err != nil {
		return "", err
	}

	paramsJSON, err := json.Marshal(initialParams(req))
	if err != nil {
		return "", fmt.Errorf("marshal attempt params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create attempt: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM jobs WHERE id = ?`), req.JobID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("query job: %w", err)
	}

	attemptID := id.New()
	now := formatTime(s.now())
	_, err = tx.ExecContext(
		ctx,
		s.rebind(`INSERT INTO attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		attemptID,
		req.JobID,
		string(req.Kind),
		req.SourceAttemptID,
		req.Provider,
		req.Model,
		domain.InFlight().Token(),
		"",
		string(paramsJSON),
		now,
		now,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create attempt: %w", err)
	}
	return attemptID, nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, attemptID string) (domain.Attempt, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`), attemptID)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Attempt{}, ErrAttemptNotFound
		}
		return domain.Attempt{}, fmt.Errorf("query attempt: %w", err)
	}
	return attempt, nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, jobID string) ([]domain.Attempt, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.queryAttempts(
		ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE job_id = ? ORDER BY created_at, id`,
		jobID,
	)
}

func (s *SQLStore) FindAttemptByProviderJobID(ctx context.Context, provider, providerJobID string) (domain.Attempt, error) {
	row := s.db.QueryRowContext(
		ctx,
		s.rebind(`SELECT `+attemptColumns+` FROM attempts WHERE provider = ? AND provider_job_id = ?`),
		provider,
		providerJobID,
	)
	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Attempt{}, ErrAttemptNotFound
		}
		return domain.Attempt{}, fmt.Errorf("query attempt by provider job id: %w", err)
	}
	return attempt, nil
}

func (s *SQLStore) ListInFlight(ctx context.Context, createdBefore time.Time) ([]domain.Attempt, error) {
	return s.queryAttempts(
		ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE status = ? AND created_at < ? ORDER BY created_at, id`,
		domain.InFlight().Token(),
		formatTime(createdBefore),
	)
}

func (s *SQLStore) MergeParams(ctx context.Context, attemptID string, params domain.Params) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge params: %w", err)
	}
	defer tx.Rollback()

	status, stored, err := s.lockAttempt(ctx, tx, attemptID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return ErrAttemptNotInFlight
	}

	merged, err := json.Marshal(stored.Merge(params))
	if err != nil {
		return fmt.Errorf("marshal attempt params: %w", err)
	}

	var providerJobID sql.NullString
	if pid := params[domain.ParamProviderJobID]; pid != "" {
		providerJobID = sql.NullString{String: pid, Valid: true}
	}

	_, err = tx.ExecContext(
		ctx,
		s.rebind(`UPDATE attempts SET params = ?, provider_job_id = COALESCE(?, provider_job_id), updated_at = ? WHERE id = ?`),
		string(merged),
		providerJobID,
		formatTime(s.now()),
		attemptID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProviderJobIDConflict
		}
		return fmt.Errorf("update attempt params: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) TransitionTerminal(ctx context.Context, attemptID string, expected, next domain.Status, extra domain.Params) (bool, error) {
	if err := validateTransition(expected, next); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	status, stored, err := s.lockAttempt(ctx, tx, attemptID)
	if err != nil {
		return false, err
	}
	if !status.Equal(expected) {
		return false, nil
	}

	now := s.now()
	merged, err := json.Marshal(stored.Merge(terminalParams(next, extra, now)))
	if err != nil {
		return false, fmt.Errorf("marshal attempt params: %w", err)
	}

	// The status guard keeps the write conditional even where the row lock is unavailable.
	res, err := tx.ExecContext(
		ctx,
		s.rebind(`UPDATE attempts SET status = ?, status_message = ?, params = ?, updated_at = ? WHERE id = ? AND status = ?`),
		next.Token(),
		next.Message(),
		string(merged),
		formatTime(now),
		attemptID,
		expected.Token(),
	)
	if err != nil {
		return false, fmt.Errorf("update attempt status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	return true, nil
}

func (s *SQLStore) SetJobPointer(ctx context.Context, jobID string, pointer domain.PointerKind, attemptID string) error {
	var column string
	switch pointer {
	case domain.PointerSelectedRestore:
		column = "selected_restore_id"
	case domain.PointerLatestAnimation:
		column = "latest_animation_id"
	default:
		return fmt.Errorf("unknown pointer kind: %q", pointer)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set pointer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		s.rebind(`UPDATE jobs SET `+column+` = ?, updated_at = ?
		 WHERE id = ?
		   AND EXISTS (
		     SELECT 1 FROM attempts
		      WHERE attempts.id = ? AND attempts.job_id = ? AND attempts.kind = ? AND attempts.status LIKE ?
		   )`),
		attemptID,
		formatTime(s.now()),
		jobID,
		attemptID,
		jobID,
		string(pointer.AttemptKind()),
		string(domain.StatusSucceeded)+":%",
	)
	if err != nil {
		return fmt.Errorf("update job pointer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return tx.Commit()
	}

	// Nothing matched: release the transaction, then report why.
	_ = tx.Rollback()
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	attempt, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if err := checkPointerTarget(jobID, pointer, attempt); err != nil {
		return err
	}
	return fmt.Errorf("update job pointer: no rows updated for job %s", jobID)
}

func (s *SQLStore) lockAttempt(ctx context.Context, tx *sql.Tx, attemptID string) (domain.Status, domain.Params, error) {
	query := `SELECT status, status_message, params FROM attempts WHERE id = ?`
	if s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}

	var token, message, paramsJSON string
	if err := tx.QueryRowContext(ctx, s.rebind(query), attemptID).Scan(&token, &message, &paramsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Status{}, nil, ErrAttemptNotFound
		}
		return domain.Status{}, nil, fmt.Errorf("lock attempt: %w", err)
	}

	status, err := domain.ParseStatus(token, message)
	if err != nil {
		return domain.Status{}, nil, fmt.Errorf("decode attempt status: %w", err)
	}
	params := domain.Params{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return domain.Status{}, nil, fmt.Errorf("unmarshal attempt params: %w", err)
	}
	return status, params, nil
}

func (s *SQLStore) queryAttempts(ctx context.Context, query string, args ...any) ([]domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// rebind rewrites ? placeholders into postgres $n placeholders.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                  domain.Job
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OriginalKey,
		&job.SelectedRestoreID,
		&job.LatestAnimationID,
		&job.ThumbnailKey,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}

func scanAttempt(row rowScanner) (domain.Attempt, error) {
	var (
		attempt              domain.Attempt
		kind, token, message string
		paramsJSON           string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.JobID,
		&kind,
		&attempt.SourceAttemptID,
		&attempt.Provider,
		&attempt.Model,
		&token,
		&message,
		&paramsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Attempt{}, err
	}

	status, err := domain.ParseStatus(token, message)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("decode attempt status: %w", err)
	}
	attempt.Kind = domain.AttemptKind(kind)
	attempt.Status = status
	attempt.Params = domain.Params{}
	if err := json.Unmarshal([]byte(paramsJSON), &attempt.Params); err != nil {
		return domain.Attempt{}, fmt.Errorf("unmarshal attempt params: %w", err)
	}
	attempt.CreatedAt = parseTime(createdAt)
	attempt.UpdatedAt = parseTime(updatedAt)
	return attempt, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
