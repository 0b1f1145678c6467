// Package llm defines the Provider interface for text completion backends.
//
// Parley uses text completion for three side tasks: judging whether a turn
// met the scenario objective, designing the opening prompt, and scoring a
// finished session. None of them stream, so the interface is a single
// request/response call plus static capability metadata.
//
// Implementors must be safe for concurrent use and must classify returned
// errors with package retry (see [retry.Retryable]).
package llm

import "context"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the set of tool definitions offered to the model. Callers
	// should check Capabilities().SupportsToolCalling first.
	Tools []ToolDefinition

	// ToolChoice names the tool the model must call. Empty leaves the choice
	// to the model. Backends that cannot force a choice treat it as a hint.
	ToolChoice string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// uses the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the text of the reply. Empty when the model responded
	// exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model.
	ToolCalls []ToolCall

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// ToolArguments returns the arguments of the first call to the named tool.
func (r *CompletionResponse) ToolArguments(name string) (string, bool) {
	for _, tc := range r.ToolCalls {
		if tc.Name == name {
			return tc.Arguments, true
		}
	}
	return "", false
}

// Provider is the abstraction over any text completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what the underlying
	// model supports. The result is constant for the provider's lifetime.
	Capabilities() ModelCapabilities
}
