// Package failure classifies job failure reasons into stable categories
// for metrics and incident triage.
package failure

import "strings"

// NormalizeCode extracts the stable error code prefix from a failure
// reason string, e.g. "BLOCKED_COMMAND: rm -rf /" -> "BLOCKED_COMMAND".
func NormalizeCode(reason string) string {
	raw := strings.TrimSpace(reason)
	if raw == "" {
		return "UNKNOWN"
	}
	code, _, _ := strings.Cut(raw, ":")
	code = strings.TrimSpace(code)
	if code == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(code)
}

// Classify maps a failure reason to its category. Order matters: more
// specific prefixes are checked before broader fallbacks.
func Classify(reason string) string {
	code := NormalizeCode(reason)

	switch {
	case strings.HasPrefix(code, "CAP_"):
		return "budget_cap"
	case strings.HasPrefix(code, "BLOCKED_COMMAND"):
		return "command_policy"
	case strings.HasPrefix(code, "DOMAIN_NOT_ALLOWLISTED"):
		return "domain_policy"
	case strings.HasPrefix(code, "ALLOWED_PATHS_VIOLATION"):
		return "path_policy"
	case strings.HasSuffix(code, "APPROVAL_REQUIRED"):
		return "approval_gate"
	case strings.HasPrefix(code, "SECRET_PATTERN_DETECTED"):
		return "secret_guard"
	case strings.HasPrefix(code, "ACCEPTANCE_COMMAND_FAILED"):
		return "acceptance_test"
	case strings.HasPrefix(code, "GIT_"):
		return "git_failure"
	case strings.HasPrefix(code, "GITHUB_"):
		return "github_api"
	case strings.HasPrefix(code, "KILL_SWITCH_ACTIVE"):
		return "safety_control"
	case strings.HasPrefix(code, "NO_"):
		return "execution_logic"
	case strings.HasPrefix(code, "WORKSPACE_NOT_READY"):
		return "runtime_state"
	case strings.HasPrefix(code, "INVALID_"):
		return "input_validation"
	default:
		return "runtime_error"
	}
}
