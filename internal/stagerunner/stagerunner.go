// Package stagerunner drives a single job through triage, plan,
// execute, test, review, and pr stages, enforcing the approval gate and
// spend caps between stages exactly as job_runner.process_job does.
package stagerunner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"codexhome/internal/approval"
	"codexhome/internal/artifacts"
	"codexhome/internal/domain"
	"codexhome/internal/failure"
	"codexhome/internal/forge"
	"codexhome/internal/llm"
	"codexhome/internal/metrics"
	"codexhome/internal/policy"
	"codexhome/internal/sandbox"
	"codexhome/internal/spend"
)

var urlPattern = regexp.MustCompile(`https?://[^\s'"` + "`" + `]+`)

// Store is the subset of internal/store.Store the runner needs. A
// narrower interface here keeps the runner testable against fakes.
type Store interface {
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, stage, reason, prURL string) error
	AddJobEvent(ctx context.Context, jobID, stage, eventType, message string, metadata map[string]any) (domain.JobEvent, error)
	AddPolicyAudit(ctx context.Context, jobID, decision, ruleID, details string) (domain.PolicyAudit, error)
	AddCost(ctx context.Context, jobID, model string, promptTokens, completionTokens int, costUSD float64) (domain.CostLedgerEntry, error)
	HasApproval(ctx context.Context, jobID string, action domain.ApprovalAction) (bool, error)
	DailyCost(ctx context.Context, day time.Time) (float64, error)
	MonthlyCost(ctx context.Context, month time.Time) (float64, error)
}

// Queue is the subset of internal/queue.Backend the runner needs: the
// kill switch is checked at dispatch time, after the job is loaded and
// its artifact directory prepared, and before any stage runs.
type Queue interface {
	AgentsEnabled(ctx context.Context) (bool, error)
}

// Runner wires the stage pipeline's dependencies together. One Runner
// processes one job at a time; testStage picks a fresh sandbox.Runner
// for each job via sandbox.Select.
type Runner struct {
	Store        Store
	Queue        Queue
	Policy       *policy.Profile
	Governor     spend.Governor
	LLM          llm.Client
	Forge        forge.Forge
	ArtifactRoot string
	FastMode     bool

	ModelTriage string
	ModelBuild  string
	ModelReview string

	Logger *zap.Logger
}

// Process runs a single job through the full pipeline, mirroring
// job_runner.process_job's stage sequence and exception handling.
func (r *Runner) Process(ctx context.Context, jobID string) error {
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("JOB_NOT_FOUND: %w", err)
	}

	artifactDir, err := artifacts.EnsureJobDir(r.ArtifactRoot, jobID)
	if err != nil {
		return fmt.Errorf("RUNTIME_ERROR: ensure artifact dir: %w", err)
	}
	if err := artifacts.EnsureContract(artifactDir, job.ArtifactContract); err != nil {
		return fmt.Errorf("RUNTIME_ERROR: ensure artifact contract: %w", err)
	}
	runLog := filepath.Join(artifactDir, "run.jsonl")
	_ = artifacts.AppendJSONL(runLog, map[string]any{
		"ts": artifacts.UTCNow(), "event": "job_start", "job_id": jobID, "status": job.Status,
	})

	enabled, err := r.Queue.AgentsEnabled(ctx)
	if err != nil {
		return fmt.Errorf("RUNTIME_ERROR: check kill switch: %w", err)
	}
	if !enabled {
		_ = r.Store.UpdateJobStatus(ctx, jobID, domain.StatusFailed, "dispatch", "KILL_SWITCH_ACTIVE", "")
		_, _ = r.Store.AddJobEvent(ctx, jobID, "dispatch", "failed", "Kill switch active.", nil)
		metrics.JobsCompleted.WithLabelValues(string(domain.StatusFailed)).Inc()
		_ = artifacts.AppendJSONL(runLog, map[string]any{"ts": artifacts.UTCNow(), "event": "job_failed", "error": "KILL_SWITCH_ACTIVE"})
		return nil
	}

	if job.Status == domain.StatusCompleted || job.Status == domain.StatusRejected {
		return nil
	}

	if ok, err := approval.Satisfied(ctx, r.Store, jobID, requiredForRisk(job.RiskClass)); err != nil {
		return err
	} else if !ok {
		if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusAwaitingApproval, "approval", "", ""); err != nil {
			return err
		}
		_, _ = r.Store.AddJobEvent(ctx, jobID, "approval", "waiting",
			fmt.Sprintf("Approval required for risk class %s.", job.RiskClass), nil)
		return nil
	}

	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "triage", "", ""); err != nil {
		return err
	}
	_ = artifacts.AppendJSONL(runLog, map[string]any{"ts": artifacts.UTCNow(), "event": "stage_start", "stage": "triage"})

	runErr := r.runPipeline(ctx, jobID, &job, artifactDir)
	if runErr == nil {
		metrics.JobsCompleted.WithLabelValues(string(domain.StatusCompleted)).Inc()
		_ = artifacts.AppendJSONL(runLog, map[string]any{"ts": artifacts.UTCNow(), "event": "job_completed"})
		return nil
	}

	latest, getErr := r.Store.GetJob(ctx, jobID)
	if getErr == nil && latest.Status == domain.StatusAwaitingApproval {
		_ = artifacts.AppendJSONL(runLog, map[string]any{"ts": artifacts.UTCNow(), "event": "job_waiting_approval"})
		return nil
	}
	if getErr == nil && latest.Status != domain.StatusAwaitingApproval {
		stage := latest.CurrentStage
		if stage == "" {
			stage = "unknown"
		}
		_ = r.Store.UpdateJobStatus(ctx, jobID, domain.StatusFailed, stage, runErr.Error(), "")
		_, _ = r.Store.AddJobEvent(ctx, jobID, stage, "failed", runErr.Error(), nil)
		metrics.JobsCompleted.WithLabelValues(string(domain.StatusFailed)).Inc()

		category := failure.Classify(runErr.Error())
		metrics.JobFailuresByCategory.WithLabelValues(category).Inc()
		metrics.JobFailuresByStage.WithLabelValues(stage).Inc()
	}
	_ = artifacts.AppendJSONL(runLog, map[string]any{"ts": artifacts.UTCNow(), "event": "job_failed", "error": runErr.Error()})
	return runErr
}

// requiredForRisk mirrors job_runner._require_approval: only infra,
// secrets, and destructive risk classes gate on a specific approval
// action before the pipeline may start.
func requiredForRisk(risk domain.RiskClass) []domain.ApprovalAction {
	switch risk {
	case domain.RiskInfra:
		return []domain.ApprovalAction{domain.ApprovalInfra}
	case domain.RiskSecrets:
		return []domain.ApprovalAction{domain.ApprovalSecrets}
	case domain.RiskDestructive:
		return []domain.ApprovalAction{domain.ApprovalDestructive}
	default:
		return nil
	}
}

func (r *Runner) runPipeline(ctx context.Context, jobID string, job *domain.Job, artifactDir string) error {
	branch := forge.BuildBranchName(jobID, artifacts.UTCNow())

	ws, err := r.Forge.PrepareWorkspace(ctx, job.Repo, branch, job.BaseBranch)
	if err != nil {
		return fmt.Errorf("GIT_PREPARE_WORKSPACE_FAILED: %w", err)
	}
	defer ws.Close()

	if err := r.runStage("triage", func() error { return r.triageStage(ctx, jobID, job, artifactDir) }); err != nil {
		return err
	}
	if err := r.checkSpendCaps(ctx, jobID); err != nil {
		return err
	}
	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "plan", "", ""); err != nil {
		return err
	}

	if err := r.runStage("plan", func() error { return r.planStage(ctx, jobID, artifactDir) }); err != nil {
		return err
	}
	if err := r.checkSpendCaps(ctx, jobID); err != nil {
		return err
	}
	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "execute", "", ""); err != nil {
		return err
	}

	if err := r.runStage("execute", func() error { return r.executeStage(ctx, jobID, job, artifactDir, ws) }); err != nil {
		return err
	}
	latest, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if latest.Status == domain.StatusAwaitingApproval {
		return nil
	}

	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "test", "", ""); err != nil {
		return err
	}
	if err := r.runStage("test", func() error { return r.testStage(ctx, jobID, job, artifactDir) }); err != nil {
		return err
	}

	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "review", "", ""); err != nil {
		return err
	}
	if err := r.runStage("review", func() error { return r.reviewStage(ctx, jobID, artifactDir) }); err != nil {
		return err
	}
	if err := r.checkSpendCaps(ctx, jobID); err != nil {
		return err
	}

	if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusRunning, "pr", "", ""); err != nil {
		return err
	}
	return r.runStage("pr", func() error { return r.prStage(ctx, jobID, job, branch, artifactDir, ws) })
}

func (r *Runner) runStage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.JobStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

func (r *Runner) checkSpendCaps(ctx context.Context, jobID string) error {
	job, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("JOB_NOT_FOUND: %w", err)
	}
	now := artifacts.UTCNow()
	daily, err := r.Store.DailyCost(ctx, now)
	if err != nil {
		return err
	}
	monthly, err := r.Store.MonthlyCost(ctx, now)
	if err != nil {
		return err
	}
	metrics.SpendDaily.Set(daily)
	metrics.SpendMonthly.Set(monthly)
	return r.Governor.CheckCaps(ctx, r.Store, now, job.CostUSD, job.Caps.MaxUSD)
}

func (r *Runner) triageStage(ctx context.Context, jobID string, job *domain.Job, artifactDir string) error {
	prompt := fmt.Sprintf(
		"Produce a concise triage summary for this issue.\nRepo: %s\nIssue: %d\nRisk: %s",
		job.Repo, job.IssueNumber, job.RiskClass,
	)
	result, err := r.LLM.Generate(ctx, r.ModelTriage, prompt, 1024)
	if err != nil {
		return err
	}
	if _, err := r.Store.AddCost(ctx, jobID, result.Model, result.PromptTokens, result.CompletionTokens, result.CostUSD); err != nil {
		return err
	}
	metrics.JobCost.Add(result.CostUSD)

	var b strings.Builder
	b.WriteString(renderFrontMatter(map[string]any{
		"job_id":  jobID,
		"repo":    job.Repo,
		"risk":    string(job.RiskClass),
		"summary": firstLine(result.Content),
	}))
	b.WriteString(fmt.Sprintf("\n# Job %s\n\n## Triage\n- Repo: `%s`\n- Issue: `%d`\n- Risk: `%s`\n\n%s\n",
		jobID, job.Repo, job.IssueNumber, job.RiskClass, result.Content))
	if err := artifacts.WriteText(filepath.Join(artifactDir, "plan.md"), b.String()); err != nil {
		return err
	}
	_, err = r.Store.AddJobEvent(ctx, jobID, "triage", "completed", "Triage completed.", nil)
	return err
}

func (r *Runner) planStage(ctx context.Context, jobID, artifactDir string) error {
	result, err := r.LLM.Generate(ctx, r.ModelBuild, "Generate a concrete execution checklist and expected tests for this task.", 1024)
	if err != nil {
		return err
	}
	if _, err := r.Store.AddCost(ctx, jobID, result.Model, result.PromptTokens, result.CompletionTokens, result.CostUSD); err != nil {
		return err
	}
	metrics.JobCost.Add(result.CostUSD)

	planPath := filepath.Join(artifactDir, "plan.md")
	existing, err := artifacts.ReadText(planPath)
	if err != nil {
		return err
	}
	if err := artifacts.WriteText(planPath, existing+"\n## Execution Checklist\n"+result.Content+"\n"); err != nil {
		return err
	}
	_, err = r.Store.AddJobEvent(ctx, jobID, "plan", "completed", "Planning completed.", nil)
	return err
}

// executeStage writes the implementation notes into the workspace,
// validates the resulting changed-path set against the job's allowlist
// and any sensitive-path approval gate, and persists the computed
// diff. Fast mode keeps the README placeholder the original always
// produced; real mode asks the completion model for implementation
// notes and screens them for secrets before they ever reach disk.
func (r *Runner) executeStage(ctx context.Context, jobID string, job *domain.Job, artifactDir string, ws forge.Workspace) error {
	relPath := "README.md"
	content := "\n# Agent run summary\nGenerated patch placeholder for draft PR context.\n"

	if !r.FastMode {
		result, err := r.LLM.Generate(ctx, r.ModelBuild, fmt.Sprintf(
			"Write implementation notes describing the change made for issue #%d in %s.",
			job.IssueNumber, job.Repo), 1024)
		if err != nil {
			return err
		}
		if _, err := r.Store.AddCost(ctx, jobID, result.Model, result.PromptTokens, result.CompletionTokens, result.CostUSD); err != nil {
			return err
		}
		metrics.JobCost.Add(result.CostUSD)

		if r.Policy.SecretsDetected(result.Content) {
			return fmt.Errorf("SECRET_PATTERN_DETECTED_IN_PATCH")
		}
		relPath = fmt.Sprintf("docs/agent-runs/%s.md", jobID)
		content = result.Content
	}

	changedPaths := []string{relPath}
	allowedPaths := job.AllowedPaths
	if len(allowedPaths) == 0 {
		allowedPaths = []string{"**"}
	}
	if violations := r.Policy.AllowedPathViolation(changedPaths, allowedPaths); len(violations) > 0 {
		_, _ = r.Store.AddPolicyAudit(ctx, jobID, "deny", "allowed_paths",
			fmt.Sprintf("Attempted paths outside allowlist: %v", violations))
		return fmt.Errorf("ALLOWED_PATHS_VIOLATION")
	}

	if r.Policy.RequiresSensitiveApproval(changedPaths) {
		hasApproval, err := r.Store.HasApproval(ctx, jobID, domain.ApprovalInfra)
		if err != nil {
			return err
		}
		if !hasApproval {
			if err := r.Store.UpdateJobStatus(ctx, jobID, domain.StatusAwaitingApproval, "execute", "", ""); err != nil {
				return err
			}
			_, _ = r.Store.AddJobEvent(ctx, jobID, "execute", "waiting", "Sensitive paths require infra approval.", nil)
			return fmt.Errorf("SENSITIVE_PATH_APPROVAL_REQUIRED")
		}
	}

	if err := ws.WriteFile(relPath, content); err != nil {
		return fmt.Errorf("GIT_WRITE_FILE_FAILED: %w", err)
	}
	diff, err := ws.Diff()
	if err != nil {
		return err
	}
	if diff == "" {
		return fmt.Errorf("NO_PATCH_GENERATED")
	}
	if err := artifacts.WriteText(filepath.Join(artifactDir, "patch.diff"), diff); err != nil {
		return err
	}

	if _, err := r.Store.AddPolicyAudit(ctx, jobID, "allow", "allowed_paths", "Changed paths validated."); err != nil {
		return err
	}
	_, err = r.Store.AddJobEvent(ctx, jobID, "execute", "completed", "Execution stage produced patch artifact.", nil)
	return err
}

func (r *Runner) testStage(ctx context.Context, jobID string, job *domain.Job, artifactDir string) error {
	runner := sandbox.Select(r.FastMode)
	if closer, ok := runner.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	workDir := artifactDir
	var outputs string
	timeout := time.Duration(minInt(job.Caps.MaxMinutes*60, 1200)) * time.Second

	for _, command := range job.AcceptanceCommands {
		if r.Policy.IsBlockedCommand(command) {
			_, _ = r.Store.AddPolicyAudit(ctx, jobID, "deny", "blocked_command", command)
			return fmt.Errorf("BLOCKED_COMMAND: %s", command)
		}
		for _, url := range urlPattern.FindAllString(command, -1) {
			if !r.Policy.DomainAllowed(url) {
				_, _ = r.Store.AddPolicyAudit(ctx, jobID, "deny", "domain_allowlist", url)
				return fmt.Errorf("DOMAIN_NOT_ALLOWLISTED: %s", url)
			}
		}

		exitCode, output, err := runner.Run(ctx, command, workDir, timeout)
		if err != nil {
			return fmt.Errorf("RUNTIME_ERROR: run command %q: %w", command, err)
		}
		outputs += fmt.Sprintf("$ %s\n%s\n", command, output)
		if exitCode != 0 {
			_ = artifacts.WriteText(filepath.Join(artifactDir, "test.log"), outputs)
			return fmt.Errorf("ACCEPTANCE_COMMAND_FAILED: %s", command)
		}
	}
	if err := artifacts.WriteText(filepath.Join(artifactDir, "test.log"), outputs); err != nil {
		return err
	}
	_, err := r.Store.AddJobEvent(ctx, jobID, "test", "completed", "Acceptance commands completed.", nil)
	return err
}

func (r *Runner) reviewStage(ctx context.Context, jobID, artifactDir string) error {
	result, err := r.LLM.Generate(ctx, r.ModelReview, "Write concise PR review notes emphasizing risk, tests, and rollback guidance.", 1024)
	if err != nil {
		return err
	}
	if _, err := r.Store.AddCost(ctx, jobID, result.Model, result.PromptTokens, result.CompletionTokens, result.CostUSD); err != nil {
		return err
	}
	metrics.JobCost.Add(result.CostUSD)

	if r.Policy.SecretsDetected(result.Content) {
		return fmt.Errorf("SECRET_PATTERN_DETECTED_IN_REVIEW")
	}
	var b strings.Builder
	b.WriteString(renderFrontMatter(map[string]any{
		"job_id":  jobID,
		"summary": firstLine(result.Content),
	}))
	b.WriteString("\n" + result.Content + "\n")
	if err := artifacts.WriteText(filepath.Join(artifactDir, "review.md"), b.String()); err != nil {
		return err
	}
	_, err = r.Store.AddJobEvent(ctx, jobID, "review", "completed", "Review notes generated.", nil)
	return err
}

// prStage stages and pushes what executeStage wrote (real mode only,
// refusing an empty working tree), then opens (or synthesizes, in fast
// mode) a draft pull request and writes the final cost artifact.
func (r *Runner) prStage(ctx context.Context, jobID string, job *domain.Job, branch, artifactDir string, ws forge.Workspace) error {
	if !r.FastMode {
		hasChanges, err := ws.HasChanges()
		if err != nil {
			return err
		}
		if !hasChanges {
			return fmt.Errorf("NO_CHANGES_TO_COMMIT")
		}
		if err := ws.Commit(ctx, forge.BuildCommitMessage(job.IssueNumber)); err != nil {
			return fmt.Errorf("GIT_COMMIT_FAILED: %w", err)
		}
		if err := ws.Push(ctx); err != nil {
			return fmt.Errorf("GIT_PUSH_FAILED: %w", err)
		}
	}

	if err := r.Forge.EnsureBranch(ctx, job.Repo, branch, job.BaseBranch); err != nil {
		return fmt.Errorf("GIT_ENSURE_BRANCH_FAILED: %w", err)
	}
	prURL, err := r.Forge.CreateDraftPullRequest(
		ctx, job.Repo, forge.BuildPRTitle(fmt.Sprintf("issue #%d", job.IssueNumber)),
		branch, job.BaseBranch, forge.BuildCommitMessage(job.IssueNumber),
	)
	if err != nil {
		return err
	}

	latest, err := r.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	costJSON, err := json.MarshalIndent(map[string]any{
		"job_id":        jobID,
		"daily_cap":     r.Governor.MaxUSDPerDay,
		"monthly_cap":   r.Governor.MaxUSDPerMonth,
		"job_cost_usd":  latest.CostUSD,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := artifacts.WriteText(filepath.Join(artifactDir, "cost.json"), string(costJSON)); err != nil {
		return err
	}
	if _, err := r.Store.AddJobEvent(ctx, jobID, "pr", "completed", "Draft PR prepared.", nil); err != nil {
		return err
	}
	return r.Store.UpdateJobStatus(ctx, jobID, domain.StatusCompleted, "pr", "", prURL)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
