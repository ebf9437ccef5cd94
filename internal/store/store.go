// Package store persists jobs, job events, approvals, policy audits,
// the cost ledger, incidents, and repo profiles in Postgres, the way
// the teacher's Store wraps a single *sql.DB — generalized here to a
// pgxpool.Pool and the durable job-lifecycle schema this system needs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockKey serializes schema bootstrap across every process that
// starts against the same database, so the orchestrator and worker can
// both call Open concurrently without racing on CREATE TABLE.
const advisoryLockKey = 1400212026

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string, autoMigrate bool) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("INPUT_VALIDATION: database url required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("RUNTIME_ERROR: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("RUNTIME_ERROR: ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if autoMigrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// migrate takes a session-scoped advisory lock, matching the original
// bootstrap's use of pg_advisory_lock before running DDL, so concurrent
// process startups don't trip over each other creating tables.
func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("RUNTIME_ERROR: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("RUNTIME_ERROR: advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("RUNTIME_ERROR: migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		issue_number INTEGER NOT NULL,
		base_branch TEXT NOT NULL,
		risk_class TEXT NOT NULL,
		status TEXT NOT NULL,
		model_profile TEXT NOT NULL,
		requires_approval JSONB NOT NULL DEFAULT '[]',
		allowed_paths JSONB NOT NULL DEFAULT '[]',
		acceptance_commands JSONB NOT NULL DEFAULT '[]',
		artifact_contract JSONB NOT NULL DEFAULT '[]',
		caps_max_minutes INTEGER NOT NULL,
		caps_max_iterations INTEGER NOT NULL,
		caps_max_usd DOUBLE PRECISION NOT NULL,
		created_by TEXT NOT NULL,
		current_stage TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		pr_url TEXT NOT NULL DEFAULT '',
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_repo_issue ON jobs (repo, issue_number, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		stage TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, created_at ASC);`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		action TEXT NOT NULL,
		approved BOOLEAN NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_job_action ON approvals (job_id, action, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS policy_audits (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		decision TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(job_id),
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cost_ledger_created ON cost_ledger (created_at);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		incident_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		details TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS repo_profiles (
		repo TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT true,
		default_base_branch TEXT NOT NULL DEFAULT 'main',
		allowed_paths JSONB NOT NULL DEFAULT '[]',
		acceptance_commands JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
