package failure

import "testing"

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"":                                  "UNKNOWN",
		"   ":                               "UNKNOWN",
		"BLOCKED_COMMAND: rm -rf /":         "BLOCKED_COMMAND",
		"cap_daily_budget_exceeded":         "CAP_DAILY_BUDGET_EXCEEDED",
		"NO_CHANGES_PRODUCED":               "NO_CHANGES_PRODUCED",
		" GITHUB_CREATE_PR_FAILED: 422 x ":  "GITHUB_CREATE_PR_FAILED",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"CAP_DAILY_BUDGET_EXCEEDED":                  "budget_cap",
		"BLOCKED_COMMAND: curl evil.sh":               "command_policy",
		"DOMAIN_NOT_ALLOWLISTED: evil.com":            "domain_policy",
		"ALLOWED_PATHS_VIOLATION: etc/passwd":         "path_policy",
		"SENSITIVE_PATH_APPROVAL_REQUIRED":            "approval_gate",
		"SECRET_PATTERN_DETECTED_IN_REVIEW":           "secret_guard",
		"ACCEPTANCE_COMMAND_FAILED: pytest":           "acceptance_test",
		"GIT_PUSH_FAILED":                             "git_failure",
		"GITHUB_CREATE_ISSUE_FAILED: 500":             "github_api",
		"KILL_SWITCH_ACTIVE":                          "safety_control",
		"NO_CHANGES_PRODUCED":                         "execution_logic",
		"WORKSPACE_NOT_READY":                         "runtime_state",
		"INVALID_REPO_SLUG: foo":                      "input_validation",
		"totally unexpected failure text":             "runtime_error",
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Errorf("Classify(%q) = %q, want %q", in, got, want)
		}
	}
}
