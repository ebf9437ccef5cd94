// Package approval checks whether a job's required approval actions
// have been satisfied, combining the policy profile's risk matrix with
// the approval rows recorded in the store.
package approval

import (
	"context"
	"fmt"

	"codexhome/internal/domain"
)

// Checker looks up granted approvals for a job. The store package
// implements this against the approvals table.
type Checker interface {
	HasApproval(ctx context.Context, jobID string, action domain.ApprovalAction) (bool, error)
}

// Outstanding returns the subset of a job's required approval actions
// that have not yet been granted. An empty result means the job may
// proceed past its approval gate.
func Outstanding(ctx context.Context, checker Checker, jobID string, required []domain.ApprovalAction) ([]domain.ApprovalAction, error) {
	var missing []domain.ApprovalAction
	for _, action := range required {
		ok, err := checker.HasApproval(ctx, jobID, action)
		if err != nil {
			return nil, fmt.Errorf("RUNTIME_ERROR: check approval %s: %w", action, err)
		}
		if !ok {
			missing = append(missing, action)
		}
	}
	return missing, nil
}

// Satisfied reports whether every required approval action has been
// granted for the job.
func Satisfied(ctx context.Context, checker Checker, jobID string, required []domain.ApprovalAction) (bool, error) {
	missing, err := Outstanding(ctx, checker, jobID, required)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// Grant records an approval decision. Rejection is recorded the same
// way with approved=false so the audit trail shows the actor's reason.
type Granter interface {
	AddApproval(ctx context.Context, jobID string, action domain.ApprovalAction, actor string, approved bool, reason string) (domain.Approval, error)
}

func Grant(ctx context.Context, granter Granter, jobID string, action domain.ApprovalAction, actor, reason string) (domain.Approval, error) {
	return granter.AddApproval(ctx, jobID, action, actor, true, reason)
}

func Reject(ctx context.Context, granter Granter, jobID string, action domain.ApprovalAction, actor, reason string) (domain.Approval, error) {
	return granter.AddApproval(ctx, jobID, action, actor, false, reason)
}
