// Package wiring builds the fast-mode-vs-release-mode completion and
// forge clients shared by both binaries, so cmd/orchestrator and
// cmd/worker construct identical dependencies from the same config.
package wiring

import (
	"time"

	"codexhome/internal/config"
	"codexhome/internal/forge"
	"codexhome/internal/llm"
)

func NewLLMClient(cfg config.Config) llm.Client {
	if cfg.IsFastMode() {
		return llm.SimulatedClient{}
	}
	return llm.NewAnthropicClient(cfg.AnthropicAPIKey)
}

func NewForgeClient(cfg config.Config) (forge.Forge, error) {
	if cfg.IsFastMode() {
		return forge.NewSimulatedForge(time.Now().UnixNano()), nil
	}
	return forge.NewGitHubApp(cfg.GitHubAppID, cfg.GitHubAppInstallationID, []byte(cfg.GitHubAppPrivateKeyPEM))
}
