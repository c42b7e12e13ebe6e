package platform

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/internal/logging"
)

// =============================================================================
// ANTHROPIC MODEL BACKEND
// =============================================================================

// AnthropicBackend invokes Claude models through the Anthropic SDK.
type AnthropicBackend struct {
	client  anthropic.Client
	limiter *RateLimiter
	credID  string
}

// NewAnthropicBackend creates a Claude-backed ModelBackend. Env var
// ANTHROPIC_API_KEY takes precedence over the explicit key.
func NewAnthropicBackend(apiKey string, limiter *RateLimiter) (*AnthropicBackend, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	return &AnthropicBackend{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		limiter: limiter,
		credID:  fmt.Sprintf("key-%d", len(apiKey)),
	}, nil
}

// Generate calls the model once with the requested decoding parameters.
func (b *AnthropicBackend) Generate(ctx context.Context, modelID, prompt string, params GenerateParams) (GenerateResult, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, "anthropic", b.credID); err != nil {
			return GenerateResult{}, err
		}
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelID),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(params.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	start := time.Now()
	resp, err := b.client.Messages.New(ctx, req)
	latency := time.Since(start)
	if err != nil {
		logging.Get(logging.CategoryModel).Error("anthropic %s failed after %v: %v", modelID, latency, err)
		return GenerateResult{}, fmt.Errorf("anthropic generate: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	tokens := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	logging.ModelDebug("anthropic %s: %d tokens in %v", modelID, tokens, latency)
	return GenerateResult{Text: text, TokenUsage: tokens, Latency: latency}, nil
}
