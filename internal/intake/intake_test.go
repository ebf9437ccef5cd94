package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"codexhome/internal/domain"
	"codexhome/internal/failure"
	"codexhome/internal/policy"
)

type fakeStore struct {
	profile     domain.RepoProfile
	profileErr  error
	latest      domain.Job
	latestErr   error
	created     []domain.Job
}

func (f *fakeStore) GetRepoProfile(ctx context.Context, repo string) (domain.RepoProfile, error) {
	return f.profile, f.profileErr
}

func (f *fakeStore) LatestJobForIssue(ctx context.Context, repo string, issueNumber int) (domain.Job, error) {
	return f.latest, f.latestErr
}

func (f *fakeStore) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	j.CreatedAt = time.Now()
	f.created = append(f.created, j)
	return j, nil
}

type fakeQueue struct {
	enabled  bool
	enqueued []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) AgentsEnabled(ctx context.Context) (bool, error) { return f.enabled, nil }

func testProfile() *policy.Profile {
	return &policy.Profile{
		RepoAllowlist: []string{"acme/widgets"},
		DefaultCaps:   domain.DefaultCaps(),
		ApprovalMatrix: map[domain.RiskClass][]domain.ApprovalAction{
			domain.RiskInfra: {domain.ApprovalInfra},
		},
	}
}

func TestHandleWebhookRejectsWithoutAgentReadyLabel(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{profile: domain.RepoProfile{Enabled: true}},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "opened", RepoName: "acme/widgets", IssueNumber: 1, Labels: []string{"bug"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected webhook without agent-ready label to be rejected")
	}
}

func TestHandleWebhookAcceptsLabeledActionCaseInsensitive(t *testing.T) {
	store := &fakeStore{profile: domain.RepoProfile{Enabled: true, DefaultBaseBranch: "main"}, latestErr: errors.New("not found")}
	queue := &fakeQueue{enabled: true}
	c := &Coordinator{Store: store, Policy: testProfile(), Queue: queue}

	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "labeled", RepoName: "acme/widgets", IssueNumber: 42, LabeledName: "Agent-Ready",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected job to be accepted, got message %q", result.Message)
	}
	if len(store.created) != 1 || len(queue.enqueued) != 1 {
		t.Fatal("expected exactly one job created and enqueued")
	}
}

func TestHandleWebhookKillSwitchBlocksIntake(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: false},
	}
	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "opened", RepoName: "acme/widgets", IssueNumber: 1, Labels: []string{"agent-ready"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected kill switch to block intake")
	}
}

func TestHandleWebhookRepoNotAllowlisted(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "opened", RepoName: "other/repo", IssueNumber: 1, Labels: []string{"agent-ready"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected non-allowlisted repo to be rejected")
	}
}

func TestHandleWebhookSuppressesDuplicateWithinWindow(t *testing.T) {
	store := &fakeStore{
		profile: domain.RepoProfile{Enabled: true},
		latest:  domain.Job{JobID: "job-old", Status: domain.StatusCompleted, CreatedAt: time.Now()},
	}
	c := &Coordinator{Store: store, Policy: testProfile(), Queue: &fakeQueue{enabled: true}}

	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "opened", RepoName: "acme/widgets", IssueNumber: 7, Labels: []string{"agent-ready"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected duplicate webhook within the suppression window to be rejected")
	}
	if len(store.created) != 0 {
		t.Fatal("expected no new job to be created for a duplicate")
	}
}

func TestHandleWebhookBlocksWhileJobInFlight(t *testing.T) {
	store := &fakeStore{
		profile: domain.RepoProfile{Enabled: true},
		latest:  domain.Job{JobID: "job-active", Status: domain.StatusRunning, CreatedAt: time.Now().Add(-time.Hour)},
	}
	c := &Coordinator{Store: store, Policy: testProfile(), Queue: &fakeQueue{enabled: true}}

	result, err := c.HandleWebhook(context.Background(), WebhookPayload{
		Action: "opened", RepoName: "acme/widgets", IssueNumber: 7, Labels: []string{"agent-ready"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected in-flight job to block a new one even outside the dedup window")
	}
}

func TestDetectRiskPrecedence(t *testing.T) {
	cases := []struct {
		labels []string
		want   domain.RiskClass
	}{
		{[]string{"destructive", "secrets"}, domain.RiskDestructive},
		{[]string{"secrets", "infra"}, domain.RiskSecrets},
		{[]string{"infra", "deps"}, domain.RiskInfra},
		{[]string{"dependencies"}, domain.RiskDeps},
		{[]string{"security"}, domain.RiskDeps},
		{[]string{"enhancement"}, domain.RiskCode},
	}
	for _, tc := range cases {
		got := detectRisk(lowerAll(tc.labels))
		if got != tc.want {
			t.Errorf("detectRisk(%v) = %s, want %s", tc.labels, got, tc.want)
		}
	}
}

func TestCreateOperatorJobRejectsDisabledRepo(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{profile: domain.RepoProfile{Enabled: false}},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	_, err := c.CreateOperatorJob(context.Background(), domain.JobCreateRequest{Repo: "acme/widgets"})
	if err == nil {
		t.Fatal("expected error for disabled repo profile")
	}
}

func TestCreateOperatorJobMergesProfileDefaults(t *testing.T) {
	store := &fakeStore{profile: domain.RepoProfile{
		Enabled: true, DefaultBaseBranch: "main",
		AllowedPaths: []string{"src/**"}, AcceptanceCommands: []string{"go test ./..."},
	}}
	queue := &fakeQueue{enabled: true}
	c := &Coordinator{Store: store, Policy: testProfile(), Queue: queue}

	job, err := c.CreateOperatorJob(context.Background(), domain.JobCreateRequest{
		Repo: "acme/widgets", RiskClass: domain.RiskCode, IssueNumber: 9,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.BaseBranch != "main" || len(job.AllowedPaths) != 1 || job.AllowedPaths[0] != "src/**" {
		t.Fatalf("expected profile defaults to be merged in, got %+v", job)
	}
	if len(queue.enqueued) != 1 {
		t.Fatal("expected job to be enqueued")
	}
}

func TestCreateOperatorJobRejectsInvalidIssueNumber(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{profile: domain.RepoProfile{Enabled: true, DefaultBaseBranch: "main"}},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	_, err := c.CreateOperatorJob(context.Background(), domain.JobCreateRequest{
		Repo: "acme/widgets", RiskClass: domain.RiskCode, IssueNumber: 0,
	})
	if err == nil {
		t.Fatal("expected error for invalid issue number")
	}
}

func TestCreateOperatorJobRejectsOutOfRangeCaps(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{profile: domain.RepoProfile{Enabled: true, DefaultBaseBranch: "main"}},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	caps := domain.Caps{MaxMinutes: 1, MaxIterations: 1, MaxUSD: 999999}
	_, err := c.CreateOperatorJob(context.Background(), domain.JobCreateRequest{
		Repo: "acme/widgets", RiskClass: domain.RiskCode, IssueNumber: 9, Caps: &caps,
	})
	if err == nil {
		t.Fatal("expected error for out-of-range caps, which would otherwise bypass the per-job spend cap")
	}
}

func TestCreateOperatorJobRejectsNonAllowlistedRepoWithDistinctCode(t *testing.T) {
	c := &Coordinator{
		Store:  &fakeStore{},
		Policy: testProfile(),
		Queue:  &fakeQueue{enabled: true},
	}
	_, err := c.CreateOperatorJob(context.Background(), domain.JobCreateRequest{Repo: "other/repo", IssueNumber: 1})
	if err == nil {
		t.Fatal("expected error for non-allowlisted repo")
	}
	if failure.NormalizeCode(err.Error()) != "INVALID_REPO_NOT_ALLOWLISTED" {
		t.Fatalf("expected INVALID_REPO_NOT_ALLOWLISTED code, got %q", err.Error())
	}
}

func TestDedupExcludingAgentReady(t *testing.T) {
	got := dedupExcludingAgentReady([]string{"Agent-Ready", "bug", "Bug", "feature"})
	want := []string{"bug", "feature"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
