package approval

import (
	"context"
	"testing"

	"codexhome/internal/domain"
)

type fakeChecker struct {
	granted map[domain.ApprovalAction]bool
}

func (f fakeChecker) HasApproval(ctx context.Context, jobID string, action domain.ApprovalAction) (bool, error) {
	return f.granted[action], nil
}

func TestSatisfiedNoRequirements(t *testing.T) {
	ok, err := Satisfied(context.Background(), fakeChecker{}, "job-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an empty requirement set to be satisfied")
	}
}

func TestOutstandingReportsMissing(t *testing.T) {
	checker := fakeChecker{granted: map[domain.ApprovalAction]bool{domain.ApprovalInfra: true}}
	missing, err := Outstanding(context.Background(), checker, "job-1",
		[]domain.ApprovalAction{domain.ApprovalInfra, domain.ApprovalSecrets})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(missing) != 1 || missing[0] != domain.ApprovalSecrets {
		t.Fatalf("expected only secrets outstanding, got %v", missing)
	}
}

func TestSatisfiedFalseWhenAnyMissing(t *testing.T) {
	checker := fakeChecker{granted: map[domain.ApprovalAction]bool{domain.ApprovalInfra: true}}
	ok, err := Satisfied(context.Background(), checker, "job-1",
		[]domain.ApprovalAction{domain.ApprovalInfra, domain.ApprovalDestructive})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unsatisfied when destructive approval is missing")
	}
}

type fakeGranter struct {
	calls []domain.Approval
}

func (f *fakeGranter) AddApproval(ctx context.Context, jobID string, action domain.ApprovalAction, actor string, approved bool, reason string) (domain.Approval, error) {
	a := domain.Approval{JobID: jobID, Action: action, Actor: actor, Approved: approved, Reason: reason}
	f.calls = append(f.calls, a)
	return a, nil
}

func TestGrantSetsApprovedTrue(t *testing.T) {
	g := &fakeGranter{}
	a, err := Grant(context.Background(), g, "job-1", domain.ApprovalInfra, "ops", "looks fine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Approved {
		t.Fatal("expected Grant to record approved=true")
	}
}

func TestRejectSetsApprovedFalse(t *testing.T) {
	g := &fakeGranter{}
	a, err := Reject(context.Background(), g, "job-1", domain.ApprovalInfra, "ops", "too risky")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Approved {
		t.Fatal("expected Reject to record approved=false")
	}
}
