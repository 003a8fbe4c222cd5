// Package engine defines the inference engine boundary: loading a model
// file into an execution context and generating from it.
package engine

import (
	"context"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
)

// LoadOptions configures a context load.
type LoadOptions struct {
	// ContextSize is the context window in tokens.
	ContextSize int
	// GPULayers is the number of layers to offload; 0 disables offload.
	GPULayers int
}

// Message is one chat turn sent to the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single generation request.
type Request struct {
	Messages []Message
	Settings settings.CompletionSettings
	// SystemPrompt, when set, is sent as a leading system message.
	SystemPrompt string
}

// Timings reports engine-side performance of a generation.
type Timings struct {
	PromptTokens       int     `json:"prompt_n"`
	PromptMS           float64 `json:"prompt_ms"`
	PromptPerSecond    float64 `json:"prompt_per_second"`
	PredictedTokens    int     `json:"predicted_n"`
	PredictedMS        float64 `json:"predicted_ms"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
}

// Result is the outcome of a generation.
type Result struct {
	Text    string
	Timings Timings
	// Stopped is true when the generation was halted through Context.Stop.
	Stopped bool
}

// Metadata describes the loaded model.
type Metadata struct {
	// EOSTokenID is -1 when the model has no single end-of-sequence token.
	EOSTokenID int
	// ChatTemplate is the template embedded in the model file, if any.
	ChatTemplate string
}

// Engine loads model files into execution contexts.
type Engine interface {
	Load(ctx context.Context, path string, opts LoadOptions) (Context, error)
}

// Context is a loaded model ready to generate. At most one generation runs
// at a time.
type Context interface {
	// Generate streams tokens to onToken and returns the full result.
	Generate(ctx context.Context, req Request, onToken func(token string)) (*Result, error)
	// Stop halts the in-flight generation, if any.
	Stop()
	// Release frees the context. It is safe to call more than once.
	Release() error
	Tokenize(ctx context.Context, text string) ([]int, error)
	Detokenize(ctx context.Context, tokens []int) (string, error)
	Metadata() Metadata
}
