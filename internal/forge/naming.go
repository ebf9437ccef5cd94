package forge

import (
	"fmt"
	"strings"
	"time"
)

// BuildBranchName follows the teacher's release-branch naming shape,
// generalized from release slugs to job ids: codex-home/job-<short
// id>-<unix ts>.
func BuildBranchName(jobID string, now time.Time) string {
	return fmt.Sprintf("codex-home/job-%s-%d", shortID(jobID), now.UTC().Unix())
}

func BuildCommitMessage(issueNumber int) string {
	return fmt.Sprintf("chore(agent): address issue #%d", issueNumber)
}

// BuildPRTitle builds "[agent] <issue title>" and truncates the whole
// title to 120 characters, matching the spec's draft-PR title contract.
func BuildPRTitle(issueTitle string) string {
	title := fmt.Sprintf("[agent] %s", strings.TrimSpace(issueTitle))
	if runes := []rune(title); len(runes) > 120 {
		title = string(runes[:120])
	}
	return title
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
