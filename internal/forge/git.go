package forge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

func commitSignature() *object.Signature {
	return &object.Signature{
		Name:  "codexhome-agent",
		Email: "agent@codexhome.invalid",
		When:  time.Now(),
	}
}

// PrepareWorkspace clones repo at baseBranch into a scratch directory and
// checks out a new branch, the way the teacher's blog-publishing flow
// cloned before writing a generated post, generalized here to keep the
// clone open across Execute (write + diff) and Propose (commit + push).
func (g *GitHubApp) PrepareWorkspace(ctx context.Context, repo, branch, baseBranch string) (Workspace, error) {
	token, err := g.InstallationToken(ctx)
	if err != nil {
		return nil, err
	}
	remoteURL, err := g.RepoHTTPSURL(repo)
	if err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "forge-clone-*")
	if err != nil {
		return nil, fmt.Errorf("GIT_CLONE_TMPDIR_FAILED: %w", err)
	}

	auth := &http.BasicAuth{Username: "x-access-token", Password: token}
	repoHandle, err := git.PlainCloneContext(ctx, workDir, false, &git.CloneOptions{
		URL:           remoteURL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(baseBranch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("GIT_CLONE_FAILED: %w", err)
	}

	worktree, err := repoHandle.Worktree()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("GIT_WORKTREE_FAILED: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("GIT_CHECKOUT_BRANCH_FAILED: %w", err)
	}

	head, err := repoHandle.Head()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("GIT_HEAD_FAILED: %w", err)
	}

	return &gitWorkspace{
		repo:      repoHandle,
		worktree:  worktree,
		workDir:   workDir,
		branchRef: branchRef,
		baseSHA:   head.Hash(),
		auth:      auth,
	}, nil
}

// gitWorkspace implements Workspace over a real go-git clone: WriteFile
// stages changes during Execute, Commit/Push run them during Propose.
type gitWorkspace struct {
	repo      *git.Repository
	worktree  *git.Worktree
	workDir   string
	branchRef plumbing.ReferenceName
	baseSHA   plumbing.Hash
	auth      *http.BasicAuth
}

func (w *gitWorkspace) WriteFile(relPath, content string) error {
	fullPath := filepath.Join(w.workDir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("GIT_WRITE_FILE_FAILED: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("GIT_WRITE_FILE_FAILED: %w", err)
	}
	if _, err := w.worktree.Add(relPath); err != nil {
		return fmt.Errorf("GIT_ADD_FAILED: %w", err)
	}
	return nil
}

// Diff renders a unified diff of the working tree against the branch
// point, one file at a time so the output doesn't depend on iteration
// order over the status map.
func (w *gitWorkspace) Diff() (string, error) {
	status, err := w.worktree.Status()
	if err != nil {
		return "", fmt.Errorf("GIT_STATUS_FAILED: %w", err)
	}
	baseCommit, err := w.repo.CommitObject(w.baseSHA)
	if err != nil {
		return "", fmt.Errorf("GIT_COMMIT_LOOKUP_FAILED: %w", err)
	}
	baseTree, err := baseCommit.Tree()
	if err != nil {
		return "", fmt.Errorf("GIT_TREE_FAILED: %w", err)
	}

	paths := make([]string, 0, len(status))
	for relPath := range status {
		paths = append(paths, relPath)
	}
	sort.Strings(paths)

	var out string
	for _, relPath := range paths {
		fileStatus := status[relPath]
		if fileStatus.Staging == git.Unmodified && fileStatus.Worktree == git.Unmodified {
			continue
		}
		after, readErr := os.ReadFile(filepath.Join(w.workDir, relPath))
		if readErr != nil {
			return "", fmt.Errorf("GIT_DIFF_READ_FAILED: %w", readErr)
		}
		before, err := blobContent(baseTree, relPath)
		if err != nil {
			return "", err
		}
		out += unifiedFilePatch(relPath, before, string(after))
	}
	return out, nil
}

// blobContent returns a file's content at the given tree, or "" if the
// path didn't exist there (a newly added file).
func blobContent(tree *object.Tree, relPath string) (string, error) {
	file, err := tree.File(relPath)
	if err != nil {
		return "", nil
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("GIT_BLOB_READ_FAILED: %w", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("GIT_BLOB_READ_FAILED: %w", err)
	}
	return string(content), nil
}

// unifiedFilePatch renders a minimal `--- a/f` / `+++ b/f` style patch
// for one file, matching the format the simulated-mode placeholder diff
// already uses.
func unifiedFilePatch(relPath, before, after string) string {
	if before == after {
		return ""
	}
	var lines []string
	if before != "" {
		for _, l := range strings.Split(strings.TrimSuffix(before, "\n"), "\n") {
			lines = append(lines, "-"+l)
		}
	}
	if after != "" {
		for _, l := range strings.Split(strings.TrimSuffix(after, "\n"), "\n") {
			lines = append(lines, "+"+l)
		}
	}
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n@@\n%s\n", relPath, relPath, strings.Join(lines, "\n"))
}

func (w *gitWorkspace) HasChanges() (bool, error) {
	status, err := w.worktree.Status()
	if err != nil {
		return false, fmt.Errorf("GIT_STATUS_FAILED: %w", err)
	}
	return !status.IsClean(), nil
}

func (w *gitWorkspace) Commit(ctx context.Context, message string) error {
	_, err := w.worktree.Commit(message, &git.CommitOptions{Author: commitSignature()})
	if err != nil {
		return err
	}
	return nil
}

func (w *gitWorkspace) Push(ctx context.Context) error {
	return w.repo.PushContext(ctx, &git.PushOptions{
		Auth: w.auth,
		RefSpecs: []config.RefSpec{
			config.RefSpec(w.branchRef + ":" + w.branchRef),
		},
	})
}

func (w *gitWorkspace) Close() error {
	return os.RemoveAll(w.workDir)
}
