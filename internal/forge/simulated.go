package forge

import (
	"context"
	"fmt"
	"math/rand"
)

// SimulatedForge backs fast-mode text intake and tests: it fabricates
// issue numbers and PR URLs without any network access.
type SimulatedForge struct {
	rng *rand.Rand
}

func NewSimulatedForge(seed int64) *SimulatedForge {
	return &SimulatedForge{rng: rand.New(rand.NewSource(seed))}
}

// LocalIssueNumber synthesizes a positive issue number for fast-mode
// text intake, mirroring the original's `uuid4().int % 2_000_000_000 + 1`.
func (f *SimulatedForge) LocalIssueNumber() int {
	return f.rng.Intn(2_000_000_000) + 1
}

func (f *SimulatedForge) GetIssue(ctx context.Context, repo string, number int) (Issue, error) {
	return Issue{Number: number, Title: fmt.Sprintf("synthetic issue %d", number)}, nil
}

func (f *SimulatedForge) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (Issue, error) {
	return Issue{Number: f.LocalIssueNumber(), Title: title, Body: body, Labels: labels}, nil
}

func (f *SimulatedForge) EnsureBranch(ctx context.Context, repo, branch, baseBranch string) error {
	return nil
}

// PrepareWorkspace is a no-op clone in fast mode: there is no real
// repository to write into, so the handle only records whether anything
// was written and hands back a fixed placeholder diff.
func (f *SimulatedForge) PrepareWorkspace(ctx context.Context, repo, branch, baseBranch string) (Workspace, error) {
	return &simWorkspace{}, nil
}

const simulatedDiff = "--- a/README.md\n+++ b/README.md\n@@\n+# Agent run summary\n+Generated patch placeholder for draft PR context.\n"

type simWorkspace struct {
	written bool
}

func (w *simWorkspace) WriteFile(relPath, content string) error {
	w.written = true
	return nil
}

func (w *simWorkspace) Diff() (string, error) {
	if !w.written {
		return "", nil
	}
	return simulatedDiff, nil
}

func (w *simWorkspace) HasChanges() (bool, error) {
	return w.written, nil
}

func (w *simWorkspace) Commit(ctx context.Context, message string) error {
	return nil
}

func (w *simWorkspace) Push(ctx context.Context) error {
	return nil
}

func (w *simWorkspace) Close() error {
	return nil
}

func (f *SimulatedForge) CreateDraftPullRequest(ctx context.Context, repo, title, head, base, body string) (string, error) {
	return fmt.Sprintf("https://github.com/%s/pull/%d", repo, f.LocalIssueNumber()%100000), nil
}

func (f *SimulatedForge) RepoHTTPSURL(repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}
