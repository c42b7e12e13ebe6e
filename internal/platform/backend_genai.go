package platform

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"conductor/internal/logging"
)

// =============================================================================
// GOOGLE GENAI MODEL BACKEND
// =============================================================================

// GenAIBackend invokes Gemini models through the Google GenAI SDK.
type GenAIBackend struct {
	client  *genai.Client
	limiter *RateLimiter
	credID  string
}

// NewGenAIBackend creates a Gemini-backed ModelBackend.
func NewGenAIBackend(ctx context.Context, apiKey string, limiter *RateLimiter) (*GenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIBackend{client: client, limiter: limiter, credID: fmt.Sprintf("key-%d", len(apiKey))}, nil
}

// Generate calls the model once. Temperature and seed pass through so
// validator calls (temperature 0, fixed seed) decode deterministically.
func (b *GenAIBackend) Generate(ctx context.Context, modelID, prompt string, params GenerateParams) (GenerateResult, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, "genai", b.credID); err != nil {
			return GenerateResult{}, err
		}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(params.Temperature)),
		Seed:        genai.Ptr(int32(params.Seed)),
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	start := time.Now()
	resp, err := b.client.Models.GenerateContent(ctx, modelID, genai.Text(prompt), cfg)
	latency := time.Since(start)
	if err != nil {
		logging.Get(logging.CategoryModel).Error("genai %s failed after %v: %v", modelID, latency, err)
		return GenerateResult{}, fmt.Errorf("genai generate: %w", err)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	logging.ModelDebug("genai %s: %d tokens in %v", modelID, tokens, latency)
	return GenerateResult{Text: resp.Text(), TokenUsage: tokens, Latency: latency}, nil
}
