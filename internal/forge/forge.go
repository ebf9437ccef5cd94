// Package forge wraps the GitHub App client operations the stage
// runner and intake coordinator need: issue read/create and draft pull
// requests, behind an interface so fast mode never touches the network.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v66/github"
)

type Issue struct {
	Number  int
	Title   string
	Body    string
	HTMLURL string
	Labels  []string
}

type Forge interface {
	GetIssue(ctx context.Context, repo string, number int) (Issue, error)
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (Issue, error)
	EnsureBranch(ctx context.Context, repo, branch, baseBranch string) error
	// PrepareWorkspace clones repo at baseBranch and checks out branch,
	// returning a handle the stage runner writes changed files into
	// during Execute and commits/pushes from during Propose.
	PrepareWorkspace(ctx context.Context, repo, branch, baseBranch string) (Workspace, error)
	CreateDraftPullRequest(ctx context.Context, repo, title, head, base, body string) (string, error)
	RepoHTTPSURL(repo string) (string, error)
}

// Workspace is a checked-out branch of a cloned repository, split across
// the two points in the pipeline that touch it: Execute writes files and
// inspects the resulting diff, Propose commits and pushes what Execute
// staged. Callers must Close it once, regardless of outcome.
type Workspace interface {
	WriteFile(relPath, content string) error
	// Diff returns the unified diff of the working tree against the
	// branch point; empty means nothing changed.
	Diff() (string, error)
	HasChanges() (bool, error)
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context) error
	Close() error
}

// GitHubApp authenticates as a GitHub App installation, matching the
// teacher's own App/InstallationClient construction.
type GitHubApp struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte

	client *github.Client
	tr     *ghinstallation.Transport
}

func NewGitHubApp(appID, installationID int64, privateKeyPEM []byte) (*GitHubApp, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, appID, installationID, privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("GITHUB_APP_CONFIG_MISSING: %w", err)
	}
	return &GitHubApp{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKeyPEM:  privateKeyPEM,
		client:         github.NewClient(&http.Client{Transport: tr}),
		tr:             tr,
	}, nil
}

// InstallationToken returns a short-lived token scoped to the app
// installation, used both for REST calls and as the HTTP basic-auth
// password for go-git clone/push operations.
func (g *GitHubApp) InstallationToken(ctx context.Context) (string, error) {
	token, err := g.tr.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("GITHUB_APP_TOKEN_FAILED: %w", err)
	}
	return token, nil
}

func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, found := strings.Cut(repo, "/")
	if !found || owner == "" || name == "" {
		return "", "", fmt.Errorf("INVALID_REPO_SLUG: %s", repo)
	}
	return owner, name, nil
}

func (g *GitHubApp) RepoHTTPSURL(repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}

func (g *GitHubApp) GetIssue(ctx context.Context, repo string, number int) (Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return Issue{}, err
	}
	issue, _, err := g.client.Issues.Get(ctx, owner, name, number)
	if err != nil {
		return Issue{}, fmt.Errorf("GITHUB_GET_ISSUE_FAILED: %w", err)
	}
	return toIssue(issue), nil
}

func (g *GitHubApp) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (Issue, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return Issue{}, err
	}
	issue, _, err := g.client.Issues.Create(ctx, owner, name, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &labels,
	})
	if err != nil {
		return Issue{}, fmt.Errorf("GITHUB_CREATE_ISSUE_FAILED: %w", err)
	}
	return toIssue(issue), nil
}

func (g *GitHubApp) EnsureBranch(ctx context.Context, repo, branch, baseBranch string) error {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return err
	}
	if _, _, err := g.client.Git.GetRef(ctx, owner, name, "refs/heads/"+branch); err == nil {
		return nil
	}
	baseRef, _, err := g.client.Git.GetRef(ctx, owner, name, "refs/heads/"+baseBranch)
	if err != nil {
		return fmt.Errorf("GIT_BASE_BRANCH_NOT_FOUND: %w", err)
	}
	_, _, err = g.client.Git.CreateRef(ctx, owner, name, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("GIT_CREATE_BRANCH_FAILED: %w", err)
	}
	return nil
}

func (g *GitHubApp) CreateDraftPullRequest(ctx context.Context, repo, title, head, base, body string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}
	pr, _, err := g.client.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
		Draft: github.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("GITHUB_CREATE_PR_FAILED: %w", err)
	}
	return pr.GetHTMLURL(), nil
}

func toIssue(issue *github.Issue) Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return Issue{
		Number:  issue.GetNumber(),
		Title:   issue.GetTitle(),
		Body:    issue.GetBody(),
		HTMLURL: issue.GetHTMLURL(),
		Labels:  labels,
	}
}
