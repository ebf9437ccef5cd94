// Package intake turns GitHub webhooks, operator job requests, and
// free-text intake payloads into queued jobs. Every path checks the repo
// allowlist and repo profile; only the webhook path also applies the
// agent-ready label filter and duplicate/in-flight suppression.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codexhome/internal/domain"
	"codexhome/internal/forge"
	"codexhome/internal/policy"
)

// Store is the subset of internal/store.Store the intake coordinator
// needs.
type Store interface {
	GetRepoProfile(ctx context.Context, repo string) (domain.RepoProfile, error)
	LatestJobForIssue(ctx context.Context, repo string, issueNumber int) (domain.Job, error)
	CreateJob(ctx context.Context, j domain.Job) (domain.Job, error)
}

// Queue is the subset of internal/queue.Backend the coordinator needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	AgentsEnabled(ctx context.Context) (bool, error)
}

type Coordinator struct {
	Store  Store
	Policy *policy.Profile
	Queue  Queue
	Forge  forge.Forge

	// FastMode controls whether text intake synthesizes a local issue
	// number or creates a real GitHub issue via Forge.
	FastMode bool
}

// duplicateWindow matches the original webhook handler's two-minute
// re-delivery suppression window.
const duplicateWindow = 2 * time.Minute

// activeStatuses are job states that mean "already in flight" for
// duplicate-webhook suppression.
var activeStatuses = map[domain.JobStatus]bool{
	domain.StatusQueued:          true,
	domain.StatusRunning:         true,
	domain.StatusAwaitingApproval: true,
}

// WebhookPayload is the subset of a GitHub issues webhook this system
// reacts to.
type WebhookPayload struct {
	Action      string
	RepoName    string
	IssueNumber int
	Labels      []string
	LabeledName string // set only when Action == "labeled"
}

// HandleWebhook applies the agent-ready label filter, repo allowlist,
// repo-enabled check, and duplicate/in-flight suppression before
// creating and enqueuing a job, mirroring orchestrator.py's
// github_webhook handler exactly.
func (c *Coordinator) HandleWebhook(ctx context.Context, payload WebhookPayload) (domain.WebhookResult, error) {
	enabled, err := c.Queue.AgentsEnabled(ctx)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if !enabled {
		return domain.WebhookResult{Accepted: false, Message: "Kill switch active."}, nil
	}

	labels := lowerAll(payload.Labels)
	isAgentReady := containsFold(labels, "agent-ready")
	if payload.Action == "labeled" {
		isAgentReady = strings.EqualFold(payload.LabeledName, "agent-ready")
	}
	if !isAgentReady {
		return domain.WebhookResult{Accepted: false, Message: "Missing agent-ready label."}, nil
	}
	if !c.Policy.RepoAllowed(payload.RepoName) {
		return domain.WebhookResult{Accepted: false, Message: fmt.Sprintf("Repo not allowlisted: %s", payload.RepoName)}, nil
	}
	if payload.IssueNumber == 0 {
		return domain.WebhookResult{Accepted: false, Message: "Missing issue number."}, nil
	}

	risk := detectRisk(labels)
	profile, err := c.Store.GetRepoProfile(ctx, payload.RepoName)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if !profile.Enabled {
		return domain.WebhookResult{Accepted: false, Message: fmt.Sprintf("Repo disabled: %s", payload.RepoName)}, nil
	}

	latest, err := c.Store.LatestJobForIssue(ctx, payload.RepoName, payload.IssueNumber)
	if err == nil {
		if activeStatuses[latest.Status] {
			return domain.WebhookResult{Accepted: false, Message: fmt.Sprintf("Job already in progress: %s", latest.JobID)}, nil
		}
		if time.Since(latest.CreatedAt) < duplicateWindow {
			return domain.WebhookResult{Accepted: false, Message: fmt.Sprintf("Duplicate webhook ignored: %s", latest.JobID)}, nil
		}
	}

	job := domain.Job{
		JobID:              newJobID(),
		Repo:               payload.RepoName,
		IssueNumber:        payload.IssueNumber,
		BaseBranch:         profile.DefaultBaseBranch,
		RiskClass:          risk,
		ModelProfile:       domain.ModelBuild,
		AllowedPaths:       profile.AllowedPaths,
		AcceptanceCommands: profile.AcceptanceCommands,
		ArtifactContract:   domain.DefaultArtifactContract,
		Caps:               c.Policy.DefaultCaps,
		RequiresApproval:   c.Policy.RequiredApprovals(risk),
		CreatedBy:          "github-webhook",
	}
	created, err := c.Store.CreateJob(ctx, job)
	if err != nil {
		return domain.WebhookResult{}, err
	}
	if err := c.Queue.Enqueue(ctx, created.JobID); err != nil {
		return domain.WebhookResult{}, err
	}
	return domain.WebhookResult{Accepted: true, Message: "Job queued.", JobID: created.JobID}, nil
}

// CreateOperatorJob backs the authenticated POST /api/v1/jobs endpoint.
func (c *Coordinator) CreateOperatorJob(ctx context.Context, req domain.JobCreateRequest) (domain.Job, error) {
	if !c.Policy.RepoAllowed(req.Repo) {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_NOT_ALLOWLISTED: repo not in allowlist")
	}
	profile, err := c.Store.GetRepoProfile(ctx, req.Repo)
	if err != nil {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_PROFILE_DISABLED: repo profile not enabled: %w", err)
	}
	if !profile.Enabled {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_PROFILE_DISABLED: repo profile not enabled")
	}
	if req.IssueNumber < 1 {
		return domain.Job{}, fmt.Errorf("INVALID_ISSUE_NUMBER: issue_number must be >= 1")
	}

	caps := c.Policy.DefaultCaps
	if req.Caps != nil {
		if err := req.Caps.Validate(); err != nil {
			return domain.Job{}, err
		}
		caps = *req.Caps
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = profile.DefaultBaseBranch
	}
	allowedPaths := req.AllowedPaths
	if len(allowedPaths) == 0 {
		allowedPaths = profile.AllowedPaths
	}
	acceptanceCommands := req.AcceptanceCommands
	if len(acceptanceCommands) == 0 {
		acceptanceCommands = profile.AcceptanceCommands
	}

	job := domain.Job{
		JobID:              newJobID(),
		Repo:               req.Repo,
		IssueNumber:        req.IssueNumber,
		BaseBranch:         baseBranch,
		RiskClass:          req.RiskClass,
		ModelProfile:       req.ModelProfile,
		AllowedPaths:       allowedPaths,
		AcceptanceCommands: acceptanceCommands,
		ArtifactContract:   domain.DefaultArtifactContract,
		Caps:               caps,
		RequiresApproval:   c.Policy.RequiredApprovals(req.RiskClass),
		CreatedBy:          req.CreatedBy,
	}
	created, err := c.Store.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	if err := c.Queue.Enqueue(ctx, created.JobID); err != nil {
		return domain.Job{}, err
	}
	return created, nil
}

// TextIntakeRequest is the payload for POST /api/v1/intake/text.
type TextIntakeRequest struct {
	Repo               string
	Title              string
	Body               string
	Labels             []string
	RiskClass          domain.RiskClass
	ModelProfile       domain.ModelProfile
	BaseBranch         string
	AllowedPaths       []string
	AcceptanceCommands []string
	Caps               *domain.Caps
	CreatedBy          string
}

// IntakeText creates an issue (release mode) or a synthetic local issue
// number (fast mode), then queues a job for it the same way operator
// job creation does.
func (c *Coordinator) IntakeText(ctx context.Context, req TextIntakeRequest) (domain.Job, error) {
	if !c.Policy.RepoAllowed(req.Repo) {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_NOT_ALLOWLISTED: repo not in allowlist")
	}

	labels := dedupExcludingAgentReady(req.Labels)

	var issueNumber int
	if !c.FastMode {
		issue, err := c.Forge.CreateIssue(ctx, req.Repo, req.Title, req.Body, labels)
		if err != nil {
			return domain.Job{}, err
		}
		issueNumber = issue.Number
	} else {
		sf, ok := c.Forge.(*forge.SimulatedForge)
		if ok {
			issueNumber = sf.LocalIssueNumber()
		} else {
			issueNumber = localIssueNumber()
		}
	}

	profile, err := c.Store.GetRepoProfile(ctx, req.Repo)
	if err != nil {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_PROFILE_DISABLED: repo profile not enabled: %w", err)
	}
	if !profile.Enabled {
		return domain.Job{}, fmt.Errorf("INVALID_REPO_PROFILE_DISABLED: repo profile not enabled")
	}

	caps := c.Policy.DefaultCaps
	if req.Caps != nil {
		if err := req.Caps.Validate(); err != nil {
			return domain.Job{}, err
		}
		caps = *req.Caps
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = profile.DefaultBaseBranch
	}
	allowedPaths := req.AllowedPaths
	if len(allowedPaths) == 0 {
		allowedPaths = profile.AllowedPaths
	}
	acceptanceCommands := req.AcceptanceCommands
	if len(acceptanceCommands) == 0 {
		acceptanceCommands = profile.AcceptanceCommands
	}

	job := domain.Job{
		JobID:              newJobID(),
		Repo:               req.Repo,
		IssueNumber:        issueNumber,
		BaseBranch:         baseBranch,
		RiskClass:          req.RiskClass,
		ModelProfile:       req.ModelProfile,
		AllowedPaths:       allowedPaths,
		AcceptanceCommands: acceptanceCommands,
		ArtifactContract:   domain.DefaultArtifactContract,
		Caps:               caps,
		RequiresApproval:   c.Policy.RequiredApprovals(req.RiskClass),
		CreatedBy:          req.CreatedBy,
	}
	created, err := c.Store.CreateJob(ctx, job)
	if err != nil {
		return domain.Job{}, err
	}
	if err := c.Queue.Enqueue(ctx, created.JobID); err != nil {
		return domain.Job{}, err
	}
	return created, nil
}

// detectRisk classifies a webhook issue's risk class from its labels,
// matching orchestrator.py's _detect_risk precedence exactly.
func detectRisk(lowerLabels []string) domain.RiskClass {
	has := func(name string) bool { return containsFold(lowerLabels, name) }
	switch {
	case has("destructive"):
		return domain.RiskDestructive
	case has("secrets"):
		return domain.RiskSecrets
	case has("infra"):
		return domain.RiskInfra
	case has("deps"), has("dependencies"), has("security"):
		return domain.RiskDeps
	default:
		return domain.RiskCode
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// dedupExcludingAgentReady drops the agent-ready marker label and
// de-duplicates the rest, case-insensitively, per SPEC_FULL's resolved
// Open Question on label handling.
func dedupExcludingAgentReady(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	var out []string
	for _, l := range labels {
		if strings.EqualFold(l, "agent-ready") {
			continue
		}
		key := strings.ToLower(l)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}
