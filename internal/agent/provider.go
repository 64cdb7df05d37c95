// Package agent defines the provider contract the session runner drives.
package agent

import (
	"context"
	"encoding/json"
)

// Event types emitted by providers during a run.
const (
	EventMessage         = "message"
	EventToolUse         = "tool_use"
	EventToolResult      = "tool_result"
	EventWaitingForInput = "waiting_for_input"
	EventCompleted       = "completed"
	EventError           = "error"
)

// Event is one unit of streamed agent output.
type Event struct {
	Type string `json:"type"`

	// Text carries message content, waiting prompts, completion summaries,
	// and error text depending on Type.
	Text string `json:"text,omitempty"`

	// Role is set for message events (usually "assistant").
	Role string `json:"role,omitempty"`

	// Tool fields are set for tool_use and tool_result events.
	Tool       string          `json:"tool,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput string          `json:"toolOutput,omitempty"`
}

// EventHandler receives provider events. The provider waits for the handler
// to return before emitting the next event.
type EventHandler func(ctx context.Context, event Event) error

// RunRequest describes one agent run.
type RunRequest struct {
	// SessionID is the stable provider-scoped conversation id derived from
	// the session ref.
	SessionID string

	// Prompt is the text to run against.
	Prompt string

	// Cwd is the worktree the agent operates in.
	Cwd string

	// OnEvent receives streamed events until Run returns.
	OnEvent EventHandler

	// Resume continues the existing conversation for SessionID when true;
	// false starts fresh.
	Resume bool

	// Model optionally overrides the provider's default model.
	Model string
}

// Model describes one selectable model.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Provider is the contract for an external coding agent.
//
// Run blocks until the agent's turn ends; providers must not call OnEvent
// after Run returns. Abort cancels the in-flight run via the run context and
// releases internal resources.
type Provider interface {
	Name() string
	Run(ctx context.Context, req RunRequest) error
	SendMessage(ctx context.Context, sessionID, message string) error
	Stop(ctx context.Context, sessionID string) error
	Abort(ctx context.Context, sessionID string) error
	IsRunning(sessionID string) bool
}

// ModelLister is optionally implemented by providers that can enumerate
// their models.
type ModelLister interface {
	GetModels(ctx context.Context) ([]Model, error)
}
