// Package llm abstracts the completion backend used by the triage,
// plan, and review stages so the stage runner never depends on a
// concrete vendor SDK.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Result is one completion call's output plus its token accounting,
// used both to render artifacts and to record spend.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Model            string
}

type Client interface {
	Generate(ctx context.Context, model, prompt string, maxTokens int) (Result, error)
}

// AnthropicClient is the production Client, backed by the Messages API.
type AnthropicClient struct {
	client        anthropic.Client
	usdPerMTokIn  float64
	usdPerMTokOut float64
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		client:        anthropic.NewClient(option.WithAPIKey(apiKey)),
		usdPerMTokIn:  3.0,
		usdPerMTokOut: 15.0,
	}
}

func (c *AnthropicClient) Generate(ctx context.Context, model, prompt string, maxTokens int) (Result, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("LLM_REQUEST_FAILED: %w", err)
	}
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	promptTokens := int(resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
	cost := float64(promptTokens)/1_000_000*c.usdPerMTokIn + float64(completionTokens)/1_000_000*c.usdPerMTokOut
	return Result{
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          cost,
		Model:            model,
	}, nil
}

// SimulatedClient fabricates a deterministic response for fast mode and
// tests, so the pipeline exercises real control flow without spending
// real money or requiring network access.
type SimulatedClient struct{}

func (SimulatedClient) Generate(ctx context.Context, model, prompt string, maxTokens int) (Result, error) {
	content := fmt.Sprintf(
		"FAST_MODE_RESPONSE\nGenerated deterministic planning text.\nPrompt length: %d characters.",
		len(prompt),
	)
	promptTokens := tokenEstimate(len(prompt))
	completionTokens := tokenEstimate(len(content))
	return Result{
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          float64(promptTokens+completionTokens) * 0.000001,
		Model:            model,
	}, nil
}

func tokenEstimate(chars int) int {
	n := chars / 4
	if n < 1 {
		return 1
	}
	return n
}
