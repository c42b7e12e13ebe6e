package platform

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// =============================================================================
// LOCAL MODEL BACKEND
// =============================================================================

// LocalModelBackend produces deterministic pseudo-generations for tests
// and the CLI's local mode. Output is a pure function of (model, prompt,
// temperature, seed); temperature 0 with a fixed seed is exactly
// reproducible, matching the contract validators rely on.
type LocalModelBackend struct{}

// NewLocalModelBackend returns the deterministic backend.
func NewLocalModelBackend() *LocalModelBackend { return &LocalModelBackend{} }

// Generate hashes the inputs into a stable pseudo-response.
func (LocalModelBackend) Generate(ctx context.Context, modelID, prompt string, params GenerateParams) (GenerateResult, error) {
	select {
	case <-ctx.Done():
		return GenerateResult{}, ctx.Err()
	default:
	}
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte(prompt))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(params.Seed))
	binary.BigEndian.PutUint64(buf[8:], uint64(params.Temperature*1000))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return GenerateResult{
		Text:       fmt.Sprintf("gen-%x", sum[:12]),
		TokenUsage: 128,
		Latency:    time.Millisecond,
	}, nil
}

// =============================================================================
// LOCAL SANDBOX EXECUTOR
// =============================================================================

// LocalSandboxExecutor returns deterministic validation results derived
// from the diff content. It simulates a network-denied sandbox.
type LocalSandboxExecutor struct{}

// NewLocalSandboxExecutor returns the deterministic executor.
func NewLocalSandboxExecutor() *LocalSandboxExecutor { return &LocalSandboxExecutor{} }

// Run derives stable coverage and mutation scores from the diff hash.
func (LocalSandboxExecutor) Run(ctx context.Context, codeDiff, tests string, limits SandboxLimits) (SandboxResult, error) {
	select {
	case <-ctx.Done():
		return SandboxResult{}, ctx.Err()
	default:
	}
	sum := sha256.Sum256([]byte(codeDiff + tests))
	// Map two hash bytes into plausible [0.5, 1.0) scores.
	coverage := 0.5 + float64(sum[0])/512.0
	mutation := 0.5 + float64(sum[1])/512.0
	return SandboxResult{
		ExitStatus:    0,
		Stdout:        "ok",
		Coverage:      coverage,
		MutationScore: mutation,
	}, nil
}
