package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"codexhome/internal/domain"
	"codexhome/internal/spend"
)

var ErrNotFound = errors.New("RUNTIME_STATE: record not found")

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

// CreateJob inserts a job and its initial "created" event in one
// transaction, mirroring the original repository's create_job/flush/
// add_job_event/commit sequence.
func (s *Store) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	requiresApproval, err := marshalJSON(j.RequiresApproval)
	if err != nil {
		return domain.Job{}, err
	}
	allowedPaths, err := marshalJSON(j.AllowedPaths)
	if err != nil {
		return domain.Job{}, err
	}
	acceptanceCommands, err := marshalJSON(j.AcceptanceCommands)
	if err != nil {
		return domain.Job{}, err
	}
	artifactContract, err := marshalJSON(j.ArtifactContract)
	if err != nil {
		return domain.Job{}, err
	}

	j.Status = domain.StatusQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = nowUTC()
	}
	j.UpdatedAt = j.CreatedAt

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (
			job_id, repo, issue_number, base_branch, risk_class, status, model_profile,
			requires_approval, allowed_paths, acceptance_commands, artifact_contract,
			caps_max_minutes, caps_max_iterations, caps_max_usd, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		j.JobID, j.Repo, j.IssueNumber, j.BaseBranch, string(j.RiskClass), string(j.Status), string(j.ModelProfile),
		requiresApproval, allowedPaths, acceptanceCommands, artifactContract,
		j.Caps.MaxMinutes, j.Caps.MaxIterations, j.Caps.MaxUSD, j.CreatedBy, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}

	meta, _ := json.Marshal(map[string]any{"source": j.CreatedBy})
	if _, err := tx.Exec(ctx, `
		INSERT INTO job_events (job_id, stage, event_type, message, metadata)
		VALUES ($1, 'enqueue', 'created', 'Job created and queued.', $2)
	`, j.JobID, meta); err != nil {
		return domain.Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var risk, status, model string
	var requiresApproval, allowedPaths, acceptanceCommands, artifactContract []byte
	err := row.Scan(
		&j.JobID, &j.Repo, &j.IssueNumber, &j.BaseBranch, &risk, &status, &model,
		&requiresApproval, &allowedPaths, &acceptanceCommands, &artifactContract,
		&j.Caps.MaxMinutes, &j.Caps.MaxIterations, &j.Caps.MaxUSD, &j.CreatedBy,
		&j.CurrentStage, &j.FailureReason, &j.PRURL, &j.CostUSD, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.RiskClass = domain.RiskClass(risk)
	j.Status = domain.JobStatus(status)
	j.ModelProfile = domain.ModelProfile(model)

	var approvals []string
	_ = json.Unmarshal(requiresApproval, &approvals)
	for _, a := range approvals {
		j.RequiresApproval = append(j.RequiresApproval, domain.ApprovalAction(a))
	}
	_ = json.Unmarshal(allowedPaths, &j.AllowedPaths)
	_ = json.Unmarshal(acceptanceCommands, &j.AcceptanceCommands)
	_ = json.Unmarshal(artifactContract, &j.ArtifactContract)
	return j, nil
}

const jobColumns = `
	job_id, repo, issue_number, base_branch, risk_class, status, model_profile,
	requires_approval, allowed_paths, acceptance_commands, artifact_contract,
	caps_max_minutes, caps_max_iterations, caps_max_usd, created_by,
	current_stage, failure_reason, pr_url, cost_usd, created_at, updated_at
`

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// LatestJobForIssue returns the most recently created job for a repo +
// issue pair, used by webhook intake to detect an already-running job.
func (s *Store) LatestJobForIssue(ctx context.Context, repo string, issueNumber int) (domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE repo = $1 AND issue_number = $2
		ORDER BY created_at DESC LIMIT 1
	`, repo, issueNumber)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, stage, event_type, message, metadata, created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &e.EventType, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpdateJobStatus mirrors the original update_job_status's optional
// stage/reason/pr_url arguments: pass "" to leave a field unchanged.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, stage, reason, prURL string) error {
	now := nowUTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			updated_at = $3,
			current_stage = CASE WHEN $4 <> '' THEN $4 ELSE current_stage END,
			failure_reason = CASE WHEN $5 <> '' THEN $5 ELSE failure_reason END,
			pr_url = CASE WHEN $6 THEN $7 ELSE pr_url END
		WHERE job_id = $1
	`, jobID, string(status), now, stage, reason, prURL != "", prURL)
	return err
}

func (s *Store) AddJobEvent(ctx context.Context, jobID, stage, eventType, message string, metadata map[string]any) (domain.JobEvent, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return domain.JobEvent{}, err
	}
	var e domain.JobEvent
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_events (job_id, stage, event_type, message, metadata)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, job_id, stage, event_type, message, created_at
	`, jobID, stage, eventType, message, meta)
	if err := row.Scan(&e.ID, &e.JobID, &e.Stage, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
		return domain.JobEvent{}, err
	}
	e.Metadata = metadata
	return e, nil
}

func (s *Store) AddApproval(ctx context.Context, jobID string, action domain.ApprovalAction, actor string, approved bool, reason string) (domain.Approval, error) {
	var a domain.Approval
	row := s.pool.QueryRow(ctx, `
		INSERT INTO approvals (job_id, action, actor, approved, reason)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, job_id, action, approved, actor, reason, created_at
	`, jobID, string(action), actor, approved, reason)
	var act string
	if err := row.Scan(&a.ID, &a.JobID, &act, &a.Approved, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
		return domain.Approval{}, err
	}
	a.Action = domain.ApprovalAction(act)
	return a, nil
}

// HasApproval reports whether any approval row for this job/action pair
// was granted; a later rejection row does not revoke an earlier grant.
func (s *Store) HasApproval(ctx context.Context, jobID string, action domain.ApprovalAction) (bool, error) {
	var approved bool
	row := s.pool.QueryRow(ctx, `
		SELECT approved FROM approvals
		WHERE job_id = $1 AND action = $2 AND approved = true
		ORDER BY created_at DESC LIMIT 1
	`, jobID, string(action))
	err := row.Scan(&approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return approved, nil
}

func (s *Store) AddPolicyAudit(ctx context.Context, jobID, decision, ruleID, details string) (domain.PolicyAudit, error) {
	var a domain.PolicyAudit
	row := s.pool.QueryRow(ctx, `
		INSERT INTO policy_audits (job_id, decision, rule_id, details)
		VALUES ($1,$2,$3,$4)
		RETURNING id, job_id, decision, rule_id, details, created_at
	`, jobID, decision, ruleID, details)
	if err := row.Scan(&a.ID, &a.JobID, &a.Decision, &a.RuleID, &a.Details, &a.CreatedAt); err != nil {
		return domain.PolicyAudit{}, err
	}
	return a, nil
}

// AddCost records a cost-ledger entry and bumps the job's running total
// in one transaction, matching the original's add_cost which writes
// both the CostLedger row and job.cost_usd before a single commit.
func (s *Store) AddCost(ctx context.Context, jobID, model string, promptTokens, completionTokens int, costUSD float64) (domain.CostLedgerEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return domain.CostLedgerEntry{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var entry domain.CostLedgerEntry
	row := tx.QueryRow(ctx, `
		INSERT INTO cost_ledger (job_id, model, prompt_tokens, completion_tokens, cost_usd)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, job_id, model, prompt_tokens, completion_tokens, cost_usd, created_at
	`, jobID, model, promptTokens, completionTokens, costUSD)
	if err := row.Scan(&entry.ID, &entry.JobID, &entry.Model, &entry.PromptTokens, &entry.CompletionTokens, &entry.CostUSD, &entry.CreatedAt); err != nil {
		return domain.CostLedgerEntry{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET cost_usd = cost_usd + $2, updated_at = $3 WHERE job_id = $1
	`, jobID, costUSD, nowUTC()); err != nil {
		return domain.CostLedgerEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CostLedgerEntry{}, err
	}
	return entry, nil
}

// DailyCost and MonthlyCost satisfy spend.Ledger, aggregating in SQL
// rather than the original's fetch-everything-then-filter-in-Python
// loop — same semantics, without shipping the whole ledger over the wire.
func (s *Store) DailyCost(ctx context.Context, day time.Time) (float64, error) {
	start, end := spend.DayBounds(day)
	return s.sumCost(ctx, start, end)
}

func (s *Store) MonthlyCost(ctx context.Context, month time.Time) (float64, error) {
	start, end := spend.MonthBounds(month)
	return s.sumCost(ctx, start, end)
}

func (s *Store) sumCost(ctx context.Context, start, end time.Time) (float64, error) {
	var total float64
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM cost_ledger WHERE created_at >= $1 AND created_at < $2
	`, start, end)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) AddIncident(ctx context.Context, incidentType, severity, status, details string) (domain.Incident, error) {
	var inc domain.Incident
	row := s.pool.QueryRow(ctx, `
		INSERT INTO incidents (incident_type, severity, status, details)
		VALUES ($1,$2,$3,$4)
		RETURNING id, incident_type, severity, status, details, created_at
	`, incidentType, severity, status, details)
	if err := row.Scan(&inc.ID, &inc.IncidentType, &inc.Severity, &inc.Status, &inc.Details, &inc.CreatedAt); err != nil {
		return domain.Incident{}, err
	}
	return inc, nil
}

// UpsertRepoProfiles writes each profile, updating it in place when the
// repo already has a row — mirroring the original's get-then-update-or-
// insert loop, done here as a single INSERT .. ON CONFLICT per profile.
func (s *Store) UpsertRepoProfiles(ctx context.Context, profiles map[string]domain.RepoProfile) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for repo, p := range profiles {
		allowedPaths, err := marshalJSON(p.AllowedPaths)
		if err != nil {
			return err
		}
		acceptanceCommands, err := marshalJSON(p.AcceptanceCommands)
		if err != nil {
			return err
		}
		baseBranch := p.DefaultBaseBranch
		if baseBranch == "" {
			baseBranch = "main"
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO repo_profiles (repo, enabled, default_base_branch, allowed_paths, acceptance_commands, updated_at)
			VALUES ($1,$2,$3,$4,$5, now())
			ON CONFLICT (repo) DO UPDATE SET
				enabled = excluded.enabled,
				default_base_branch = excluded.default_base_branch,
				allowed_paths = excluded.allowed_paths,
				acceptance_commands = excluded.acceptance_commands,
				updated_at = now()
		`, repo, p.Enabled, baseBranch, allowedPaths, acceptanceCommands); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRepoProfile(ctx context.Context, repo string) (domain.RepoProfile, error) {
	var p domain.RepoProfile
	var allowedPaths, acceptanceCommands []byte
	row := s.pool.QueryRow(ctx, `
		SELECT repo, enabled, default_base_branch, allowed_paths, acceptance_commands, created_at, updated_at
		FROM repo_profiles WHERE repo = $1
	`, repo)
	err := row.Scan(&p.Repo, &p.Enabled, &p.DefaultBaseBranch, &allowedPaths, &acceptanceCommands, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RepoProfile{}, ErrNotFound
	}
	if err != nil {
		return domain.RepoProfile{}, err
	}
	_ = json.Unmarshal(allowedPaths, &p.AllowedPaths)
	_ = json.Unmarshal(acceptanceCommands, &p.AcceptanceCommands)
	return p, nil
}

func (s *Store) PendingApprovalCount(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, domain.StatusAwaitingApproval)
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	return s.countByStatus(ctx, domain.StatusQueued)
}

func (s *Store) countByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status = $1`, string(status))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListRecentFailures(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
	`, string(domain.StatusFailed), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
