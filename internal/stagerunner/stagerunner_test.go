package stagerunner

import (
	"context"
	"testing"
	"time"

	"codexhome/internal/domain"
	"codexhome/internal/forge"
	"codexhome/internal/llm"
	"codexhome/internal/policy"
	"codexhome/internal/spend"
)

type fakeStore struct {
	job       domain.Job
	approvals map[domain.ApprovalAction]bool
	events    []string
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	return f.job, nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus, stage, reason, prURL string) error {
	f.job.Status = status
	if stage != "" {
		f.job.CurrentStage = stage
	}
	if reason != "" {
		f.job.FailureReason = reason
	}
	if prURL != "" {
		f.job.PRURL = prURL
	}
	return nil
}

func (f *fakeStore) AddJobEvent(ctx context.Context, jobID, stage, eventType, message string, metadata map[string]any) (domain.JobEvent, error) {
	f.events = append(f.events, stage+":"+eventType)
	return domain.JobEvent{JobID: jobID, Stage: stage, EventType: eventType, Message: message}, nil
}

func (f *fakeStore) AddPolicyAudit(ctx context.Context, jobID, decision, ruleID, details string) (domain.PolicyAudit, error) {
	return domain.PolicyAudit{JobID: jobID, Decision: decision, RuleID: ruleID, Details: details}, nil
}

func (f *fakeStore) AddCost(ctx context.Context, jobID, model string, promptTokens, completionTokens int, costUSD float64) (domain.CostLedgerEntry, error) {
	f.job.CostUSD += costUSD
	return domain.CostLedgerEntry{JobID: jobID, Model: model, CostUSD: costUSD}, nil
}

func (f *fakeStore) HasApproval(ctx context.Context, jobID string, action domain.ApprovalAction) (bool, error) {
	return f.approvals[action], nil
}

func (f *fakeStore) DailyCost(ctx context.Context, day time.Time) (float64, error)   { return 0, nil }
func (f *fakeStore) MonthlyCost(ctx context.Context, month time.Time) (float64, error) { return 0, nil }

type fakeForge struct{}

func (fakeForge) GetIssue(ctx context.Context, repo string, number int) (forge.Issue, error) {
	return forge.Issue{Number: number}, nil
}
func (fakeForge) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (forge.Issue, error) {
	return forge.Issue{Number: 1, Title: title}, nil
}
func (fakeForge) EnsureBranch(ctx context.Context, repo, branch, baseBranch string) error {
	return nil
}
func (fakeForge) PrepareWorkspace(ctx context.Context, repo, branch, baseBranch string) (forge.Workspace, error) {
	return &fakeWorkspace{}, nil
}
func (fakeForge) CreateDraftPullRequest(ctx context.Context, repo, title, head, base, body string) (string, error) {
	return "https://github.com/" + repo + "/pull/1", nil
}
func (fakeForge) RepoHTTPSURL(repo string) (string, error) {
	return "https://github.com/" + repo + ".git", nil
}

// fakeWorkspace is a minimal in-memory stand-in for a real git clone,
// recording what was written so Diff/HasChanges have something to
// report on.
type fakeWorkspace struct {
	written map[string]string
}

func (w *fakeWorkspace) WriteFile(relPath, content string) error {
	if w.written == nil {
		w.written = map[string]string{}
	}
	w.written[relPath] = content
	return nil
}

func (w *fakeWorkspace) Diff() (string, error) {
	if len(w.written) == 0 {
		return "", nil
	}
	return "--- a/README.md\n+++ b/README.md\n@@\n+fake diff\n", nil
}

func (w *fakeWorkspace) HasChanges() (bool, error) { return len(w.written) > 0, nil }
func (w *fakeWorkspace) Commit(ctx context.Context, message string) error { return nil }
func (w *fakeWorkspace) Push(ctx context.Context) error                  { return nil }
func (w *fakeWorkspace) Close() error                                    { return nil }

// fakeQueue stands in for the queue.Backend kill-switch surface without
// pulling Redis or the in-memory backend into these tests.
type fakeQueue struct {
	enabled bool
}

func (q *fakeQueue) AgentsEnabled(ctx context.Context) (bool, error) {
	return q.enabled, nil
}

// staleWorkspace always reports a non-empty diff but a clean working
// tree, the way a workspace would look if something else already
// committed and pushed the staged change out from under prStage.
type staleWorkspace struct{}

func (staleWorkspace) WriteFile(relPath, content string) error         { return nil }
func (staleWorkspace) Diff() (string, error)                           { return "--- a/docs\n+++ b/docs\n", nil }
func (staleWorkspace) HasChanges() (bool, error)                       { return false, nil }
func (staleWorkspace) Commit(ctx context.Context, message string) error { return nil }
func (staleWorkspace) Push(ctx context.Context) error                  { return nil }
func (staleWorkspace) Close() error                                    { return nil }

type noChangesForge struct{ fakeForge }

func (noChangesForge) PrepareWorkspace(ctx context.Context, repo, branch, baseBranch string) (forge.Workspace, error) {
	return staleWorkspace{}, nil
}

func baseJob() domain.Job {
	return domain.Job{
		JobID:              "job-1",
		Repo:               "acme/widgets",
		IssueNumber:        9,
		BaseBranch:         "main",
		RiskClass:          domain.RiskCode,
		Status:             domain.StatusQueued,
		AllowedPaths:       []string{"**"},
		AcceptanceCommands: []string{"echo ok"},
		ArtifactContract:   domain.DefaultArtifactContract,
		Caps:               domain.DefaultCaps(),
	}
}

func newRunner(t *testing.T, store *fakeStore) *Runner {
	t.Helper()
	return &Runner{
		Store:        store,
		Queue:        &fakeQueue{enabled: true},
		Policy:       &policy.Profile{DefaultCaps: domain.DefaultCaps()},
		Governor:     spend.Governor{MaxUSDPerDay: 1000, MaxUSDPerMonth: 1000},
		LLM:          llm.SimulatedClient{},
		Forge:        fakeForge{},
		ArtifactRoot: t.TempDir(),
		FastMode:     true,
		ModelTriage:  "triage-model",
		ModelBuild:   "build-model",
		ModelReview:  "review-model",
	}
}

func TestProcessCompletesHappyPath(t *testing.T) {
	store := &fakeStore{job: baseJob()}
	r := newRunner(t, store)

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %s", store.job.Status)
	}
	if store.job.PRURL == "" {
		t.Fatal("expected a PR URL to be recorded")
	}
}

func TestProcessGatesOnMissingApproval(t *testing.T) {
	job := baseJob()
	job.RiskClass = domain.RiskInfra
	store := &fakeStore{job: job}
	r := newRunner(t, store)

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", store.job.Status)
	}
}

func TestProcessProceedsOnceApprovalGranted(t *testing.T) {
	job := baseJob()
	job.RiskClass = domain.RiskInfra
	store := &fakeStore{job: job, approvals: map[domain.ApprovalAction]bool{domain.ApprovalInfra: true}}
	r := newRunner(t, store)

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed once approval is granted, got %s", store.job.Status)
	}
}

func TestProcessAlreadyTerminalIsNoop(t *testing.T) {
	job := baseJob()
	job.Status = domain.StatusRejected
	store := &fakeStore{job: job}
	r := newRunner(t, store)

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusRejected {
		t.Fatalf("expected rejected status to be left alone, got %s", store.job.Status)
	}
}

func TestProcessFailsWhenKillSwitchActive(t *testing.T) {
	store := &fakeStore{job: baseJob()}
	r := newRunner(t, store)
	r.Queue = &fakeQueue{enabled: false}

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", store.job.Status)
	}
	if store.job.FailureReason != "KILL_SWITCH_ACTIVE" {
		t.Fatalf("expected KILL_SWITCH_ACTIVE reason, got %s", store.job.FailureReason)
	}
	if store.job.CurrentStage != "dispatch" {
		t.Fatalf("expected dispatch stage, got %s", store.job.CurrentStage)
	}
}

func TestProcessFailsOnAllowedPathViolation(t *testing.T) {
	job := baseJob()
	job.AllowedPaths = []string{"docs/**"}
	store := &fakeStore{job: job}
	r := newRunner(t, store)

	err := r.Process(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected ALLOWED_PATHS_VIOLATION error")
	}
	if store.job.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", store.job.Status)
	}
}

func TestProcessFailsOnBlockedAcceptanceCommand(t *testing.T) {
	job := baseJob()
	job.AcceptanceCommands = []string{"rm -rf /"}
	store := &fakeStore{job: job}
	r := newRunner(t, store)
	r.Policy.BlockedCommands = policy.BlockedCommands{Exact: []string{"rm -rf /"}}

	err := r.Process(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected BLOCKED_COMMAND error")
	}
	if store.job.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", store.job.Status)
	}
}

func TestProcessRealModeCompletesWithPatchAndCommit(t *testing.T) {
	store := &fakeStore{job: baseJob()}
	r := newRunner(t, store)
	r.FastMode = false

	if err := r.Process(context.Background(), "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %s", store.job.Status)
	}
	if store.job.PRURL == "" {
		t.Fatal("expected a PR URL to be recorded")
	}
}

func TestProcessRealModeFailsOnNoChangesToCommit(t *testing.T) {
	store := &fakeStore{job: baseJob()}
	r := newRunner(t, store)
	r.FastMode = false
	r.Forge = noChangesForge{}

	err := r.Process(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected NO_CHANGES_TO_COMMIT error")
	}
	if store.job.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", store.job.Status)
	}
	if store.job.FailureReason != "NO_CHANGES_TO_COMMIT" {
		t.Fatalf("expected NO_CHANGES_TO_COMMIT reason, got %s", store.job.FailureReason)
	}
}

func TestRequiredForRisk(t *testing.T) {
	cases := []struct {
		risk domain.RiskClass
		want []domain.ApprovalAction
	}{
		{domain.RiskInfra, []domain.ApprovalAction{domain.ApprovalInfra}},
		{domain.RiskSecrets, []domain.ApprovalAction{domain.ApprovalSecrets}},
		{domain.RiskDestructive, []domain.ApprovalAction{domain.ApprovalDestructive}},
		{domain.RiskCode, nil},
		{domain.RiskDeps, nil},
	}
	for _, tc := range cases {
		got := requiredForRisk(tc.risk)
		if len(got) != len(tc.want) {
			t.Errorf("requiredForRisk(%s) = %v, want %v", tc.risk, got, tc.want)
		}
	}
}
