// Package domain holds the value types shared by every stage of the job
// lifecycle: risk classes, job status, caps, and the record shapes stored
// and returned by the control plane.
package domain

import (
	"fmt"
	"time"
)

type RiskClass string

const (
	RiskCode        RiskClass = "code"
	RiskDeps        RiskClass = "deps"
	RiskInfra       RiskClass = "infra"
	RiskSecrets     RiskClass = "secrets"
	RiskDestructive RiskClass = "destructive"
)

func (r RiskClass) Valid() bool {
	switch r {
	case RiskCode, RiskDeps, RiskInfra, RiskSecrets, RiskDestructive:
		return true
	}
	return false
}

type ModelProfile string

const (
	ModelTriage ModelProfile = "triage"
	ModelBuild  ModelProfile = "build"
	ModelReview ModelProfile = "review"
)

type ApprovalAction string

const (
	ApprovalMerge       ApprovalAction = "merge"
	ApprovalInfra       ApprovalAction = "infra"
	ApprovalSecrets     ApprovalAction = "secrets"
	ApprovalDestructive ApprovalAction = "destructive"
)

type JobStatus string

const (
	StatusQueued           JobStatus = "queued"
	StatusRunning           JobStatus = "running"
	StatusAwaitingApproval  JobStatus = "awaiting_approval"
	StatusCompleted         JobStatus = "completed"
	StatusFailed            JobStatus = "failed"
	StatusRejected          JobStatus = "rejected"
)

// Caps bounds a job's resource envelope. Limits mirror the original
// system's validation ranges.
type Caps struct {
	MaxMinutes    int     `json:"max_minutes"`
	MaxIterations int     `json:"max_iterations"`
	MaxUSD        float64 `json:"max_usd"`
}

func DefaultCaps() Caps {
	return Caps{MaxMinutes: 45, MaxIterations: 8, MaxUSD: 3.0}
}

func (c Caps) Validate() error {
	if c.MaxMinutes < 1 || c.MaxMinutes > 180 {
		return fmt.Errorf("INVALID_CAPS: max_minutes out of range")
	}
	if c.MaxIterations < 1 || c.MaxIterations > 100 {
		return fmt.Errorf("INVALID_CAPS: max_iterations out of range")
	}
	if c.MaxUSD < 0 || c.MaxUSD > 50 {
		return fmt.Errorf("INVALID_CAPS: max_usd out of range")
	}
	return nil
}

var DefaultArtifactContract = []string{
	"plan.md",
	"patch.diff",
	"test.log",
	"review.md",
	"cost.json",
	"run.jsonl",
}

// Job is the durable unit of work tracked by the job store.
type Job struct {
	JobID              string
	Repo               string
	IssueNumber        int
	BaseBranch         string
	RiskClass          RiskClass
	Status             JobStatus
	ModelProfile       ModelProfile
	RequiresApproval   []ApprovalAction
	AllowedPaths       []string
	AcceptanceCommands []string
	ArtifactContract   []string
	Caps               Caps
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CurrentStage       string
	FailureReason      string
	PRURL              string
	CostUSD            float64
}

type JobEvent struct {
	ID        int64
	JobID     string
	Stage     string
	EventType string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

type Approval struct {
	ID        int64
	JobID     string
	Action    ApprovalAction
	Approved  bool
	Actor     string
	Reason    string
	CreatedAt time.Time
}

type PolicyAudit struct {
	ID        int64
	JobID     string
	Decision  string
	RuleID    string
	Details   string
	CreatedAt time.Time
}

type CostLedgerEntry struct {
	ID               int64
	JobID            string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

type Incident struct {
	ID           int64
	IncidentType string
	Severity     string
	Status       string
	Details      string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

type RepoProfile struct {
	Repo               string
	Enabled            bool
	DefaultBaseBranch  string
	AllowedPaths       []string
	AcceptanceCommands []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobCreateRequest is the operator-facing shape for explicit job creation.
type JobCreateRequest struct {
	Repo               string
	IssueNumber        int
	BaseBranch         string
	RiskClass          RiskClass
	ModelProfile       ModelProfile
	CreatedBy          string
	AllowedPaths       []string
	AcceptanceCommands []string
	Caps               *Caps
}

type JobResponse struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	Repo          string    `json:"repo"`
	IssueNumber   int       `json:"issue_number"`
	RiskClass     RiskClass `json:"risk_class"`
	CurrentStage  string    `json:"current_stage,omitempty"`
	PRURL         string    `json:"pr_url,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CostUSD       float64   `json:"cost_usd"`
}

func ToJobResponse(j Job) JobResponse {
	return JobResponse{
		JobID:         j.JobID,
		Status:        j.Status,
		Repo:          j.Repo,
		IssueNumber:   j.IssueNumber,
		RiskClass:     j.RiskClass,
		CurrentStage:  j.CurrentStage,
		PRURL:         j.PRURL,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CostUSD:       j.CostUSD,
	}
}

type ApprovalRequest struct {
	Action ApprovalAction `json:"action"`
	Actor  string         `json:"actor"`
	Reason string         `json:"reason,omitempty"`
}

type RejectRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type WebhookResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
	JobID    string `json:"job_id,omitempty"`
}
