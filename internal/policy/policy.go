// Package policy loads the repo allowlist, command/path/domain/secret
// guardrails, and the risk-to-approval matrix that gate every job.
package policy

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"codexhome/internal/domain"
)

type BlockedCommands struct {
	Exact []string `yaml:"exact"`
	Regex []string `yaml:"regex"`
}

type Profile struct {
	RepoAllowlist   []string                                  `yaml:"repo_allowlist"`
	SensitivePaths  []string                                  `yaml:"sensitive_paths"`
	BlockedCommands BlockedCommands                           `yaml:"blocked_commands"`
	DomainAllowlist []string                                  `yaml:"domain_allowlist"`
	DefaultCaps     domain.Caps                               `yaml:"default_caps"`
	MaxParallelJobs int                                       `yaml:"max_parallel_jobs"`
	MaxUSDPerDay    float64                                   `yaml:"max_usd_per_day"`
	MaxUSDPerMonth  float64                                   `yaml:"max_usd_per_month"`
	ApprovalMatrix  map[domain.RiskClass][]domain.ApprovalAction `yaml:"approval_matrix"`
	SecretPatterns  []string                                  `yaml:"secret_patterns"`

	blockedRegex []*regexp.Regexp
	secretRegex  []*regexp.Regexp
}

// rawProfile mirrors the on-disk YAML shape before enum/regex compilation.
type rawProfile struct {
	RepoAllowlist   []string            `yaml:"repo_allowlist"`
	SensitivePaths  []string            `yaml:"sensitive_paths"`
	BlockedCommands BlockedCommands     `yaml:"blocked_commands"`
	DomainAllowlist []string            `yaml:"domain_allowlist"`
	DefaultCaps     domain.Caps         `yaml:"default_caps"`
	MaxParallelJobs int                 `yaml:"max_parallel_jobs"`
	MaxUSDPerDay    float64             `yaml:"max_usd_per_day"`
	MaxUSDPerMonth  float64             `yaml:"max_usd_per_month"`
	ApprovalMatrix  map[string][]string `yaml:"approval_matrix"`
	SecretPatterns  []string            `yaml:"secret_patterns"`
}

// Load reads a PolicyProfile from a YAML file on disk.
func Load(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawProfile
	raw.MaxParallelJobs = 1
	raw.MaxUSDPerDay = 40.0
	raw.MaxUSDPerMonth = 900.0
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("INVALID_POLICY_FILE: %w", err)
	}

	matrix := make(map[domain.RiskClass][]domain.ApprovalAction, len(raw.ApprovalMatrix))
	for k, values := range raw.ApprovalMatrix {
		rc := domain.RiskClass(k)
		actions := make([]domain.ApprovalAction, 0, len(values))
		for _, v := range values {
			actions = append(actions, domain.ApprovalAction(v))
		}
		matrix[rc] = actions
	}

	p := &Profile{
		RepoAllowlist:   raw.RepoAllowlist,
		SensitivePaths:  raw.SensitivePaths,
		BlockedCommands: raw.BlockedCommands,
		DomainAllowlist: raw.DomainAllowlist,
		DefaultCaps:     raw.DefaultCaps,
		MaxParallelJobs: raw.MaxParallelJobs,
		MaxUSDPerDay:    raw.MaxUSDPerDay,
		MaxUSDPerMonth:  raw.MaxUSDPerMonth,
		ApprovalMatrix:  matrix,
		SecretPatterns:  raw.SecretPatterns,
	}
	if p.DefaultCaps == (domain.Caps{}) {
		p.DefaultCaps = domain.DefaultCaps()
	}
	for _, pat := range p.BlockedCommands.Regex {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("INVALID_POLICY_FILE: bad blocked command regex %q: %w", pat, err)
		}
		p.blockedRegex = append(p.blockedRegex, re)
	}
	for _, pat := range p.SecretPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("INVALID_POLICY_FILE: bad secret pattern %q: %w", pat, err)
		}
		p.secretRegex = append(p.secretRegex, re)
	}
	return p, nil
}

func (p *Profile) RepoAllowed(repo string) bool {
	for _, r := range p.RepoAllowlist {
		if r == repo {
			return true
		}
	}
	return false
}

func (p *Profile) IsBlockedCommand(command string) bool {
	normalized := strings.TrimSpace(command)
	for _, c := range p.BlockedCommands.Exact {
		if c == normalized {
			return true
		}
	}
	for _, re := range p.blockedRegex {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

func (p *Profile) RequiresSensitiveApproval(changedPaths []string) bool {
	for _, changed := range changedPaths {
		for _, pat := range p.SensitivePaths {
			if ok, _ := doublestar.Match(pat, changed); ok {
				return true
			}
		}
	}
	return false
}

// AllowedPathViolation returns every changed path that matches none of
// the job's allowed-path globs.
func (p *Profile) AllowedPathViolation(changedPaths, allowedPaths []string) []string {
	var violations []string
	for _, changed := range changedPaths {
		matched := false
		for _, pat := range allowedPaths {
			if ok, _ := doublestar.Match(pat, changed); ok {
				matched = true
				break
			}
		}
		if !matched {
			violations = append(violations, changed)
		}
	}
	return violations
}

func (p *Profile) SecretsDetected(content string) bool {
	for _, re := range p.secretRegex {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

func (p *Profile) DomainAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "" {
		return false
	}
	for _, allowed := range p.DomainAllowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (p *Profile) RequiredApprovals(risk domain.RiskClass) []domain.ApprovalAction {
	if actions, ok := p.ApprovalMatrix[risk]; ok {
		return actions
	}
	return []domain.ApprovalAction{domain.ApprovalMerge}
}

// LoadRepoProfiles reads the per-repo overrides file (allowed paths,
// acceptance commands, base branch) used to seed RepoProfile rows.
func LoadRepoProfiles(path string) (map[string]domain.RepoProfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Repos []struct {
			Name               string   `yaml:"name"`
			Enabled            *bool    `yaml:"enabled"`
			BaseBranch         string   `yaml:"base_branch"`
			AllowedPaths       []string `yaml:"allowed_paths"`
			AcceptanceCommands []string `yaml:"acceptance_commands"`
		} `yaml:"repos"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("INVALID_REPOS_FILE: %w", err)
	}
	out := make(map[string]domain.RepoProfile, len(raw.Repos))
	for _, entry := range raw.Repos {
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		baseBranch := entry.BaseBranch
		if baseBranch == "" {
			baseBranch = "main"
		}
		out[entry.Name] = domain.RepoProfile{
			Repo:               entry.Name,
			Enabled:            enabled,
			DefaultBaseBranch:  baseBranch,
			AllowedPaths:       entry.AllowedPaths,
			AcceptanceCommands: entry.AcceptanceCommands,
		}
	}
	return out, nil
}
