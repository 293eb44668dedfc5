// Package reasoning defines the contract for the language-model
// collaborator the engine calls once per loop iteration. The engine
// treats the provider as a black box: a request/response capability
// that reports token usage and fails with either a timeout or a
// provider error.
package reasoning

import "context"

// Message is one turn of the payload sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles used when assembling compiled context into messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Params tune a single call.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Usage reports what a call consumed.
type Usage struct {
	Tokens int `json:"tokens"`
}

// Response is the provider's answer to one call.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Provider is the reasoning capability. Implementations own their
// retry/backoff; a returned error means the iteration is abandoned.
type Provider interface {
	Call(ctx context.Context, messages []Message, params Params) (*Response, error)
}
