package models

import (
	"encoding/json"
	"fmt"
)

// Session event types. Each type has its own payload shape.
const (
	EventAgentOutput     = "agent:output"
	EventAgentToolUse    = "agent:tool_use"
	EventAgentToolResult = "agent:tool_result"
	EventUserMessage     = "user:message"
	EventSessionStatus   = "session:status"
	EventWaitingForInput = "session:waiting_for_input"
	EventSessionComplete = "session:completed"
	EventSessionError    = "session:error"
	EventSessionSnapshot = "session:snapshot"
)

// AgentOutputData carries streamed agent text.
type AgentOutputData struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// AgentToolUseData describes a tool invocation by the agent.
type AgentToolUseData struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AgentToolResultData carries a tool's output back to subscribers.
type AgentToolResultData struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

// UserMessageData marks a user turn in the event stream.
type UserMessageData struct {
	Message string `json:"message"`
}

// StatusData announces a session status transition.
type StatusData struct {
	Status Status `json:"status"`
}

// WaitingForInputData signals the agent is blocked on the user.
type WaitingForInputData struct {
	Prompt string `json:"prompt"`
}

// CompletedData carries the agent's closing summary.
type CompletedData struct {
	Summary string `json:"summary"`
}

// ErrorData carries a session-level failure.
type ErrorData struct {
	Error string `json:"error"`
}

// SnapshotData links a pre-turn snapshot commit to the user message it
// precedes, so a revert boundary can be reconstructed from the log.
type SnapshotData struct {
	MessageID string `json:"messageId"`
	CommitSHA string `json:"commitSha"`
}

// SessionEvent is the envelope for all event variants. Data holds the
// variant's payload struct.
type SessionEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SequencedEvent is a session event after the log assigned its sequence.
type SequencedEvent struct {
	Sequence int64        `json:"sequence"`
	Event    SessionEvent `json:"event"`
}

// NewAgentOutputEvent builds an agent:output event.
func NewAgentOutputEvent(text, role string) SessionEvent {
	return SessionEvent{Type: EventAgentOutput, Data: AgentOutputData{Text: text, Role: role}}
}

// NewAgentToolUseEvent builds an agent:tool_use event.
func NewAgentToolUseEvent(tool string, input json.RawMessage) SessionEvent {
	return SessionEvent{Type: EventAgentToolUse, Data: AgentToolUseData{Tool: tool, Input: input}}
}

// NewAgentToolResultEvent builds an agent:tool_result event.
func NewAgentToolResultEvent(tool, output string) SessionEvent {
	return SessionEvent{Type: EventAgentToolResult, Data: AgentToolResultData{Tool: tool, Output: output}}
}

// NewUserMessageEvent builds a user:message event.
func NewUserMessageEvent(message string) SessionEvent {
	return SessionEvent{Type: EventUserMessage, Data: UserMessageData{Message: message}}
}

// NewStatusEvent builds a session:status event.
func NewStatusEvent(status Status) SessionEvent {
	return SessionEvent{Type: EventSessionStatus, Data: StatusData{Status: status}}
}

// NewWaitingForInputEvent builds a session:waiting_for_input event.
func NewWaitingForInputEvent(prompt string) SessionEvent {
	return SessionEvent{Type: EventWaitingForInput, Data: WaitingForInputData{Prompt: prompt}}
}

// NewCompletedEvent builds a session:completed event.
func NewCompletedEvent(summary string) SessionEvent {
	return SessionEvent{Type: EventSessionComplete, Data: CompletedData{Summary: summary}}
}

// NewErrorEvent builds a session:error event.
func NewErrorEvent(errText string) SessionEvent {
	return SessionEvent{Type: EventSessionError, Data: ErrorData{Error: errText}}
}

// NewSnapshotEvent builds a session:snapshot event.
func NewSnapshotEvent(messageID, commitSHA string) SessionEvent {
	return SessionEvent{Type: EventSessionSnapshot, Data: SnapshotData{MessageID: messageID, CommitSHA: commitSHA}}
}

// MessageID returns the linked message id for snapshot events, empty otherwise.
func (e SessionEvent) MessageID() string {
	if d, ok := e.Data.(SnapshotData); ok {
		return d.MessageID
	}
	return ""
}

// DecodeEventData parses a stored JSON payload back into the typed payload
// struct for the given event type.
func DecodeEventData(eventType string, data []byte) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return v, nil
	}

	switch eventType {
	case EventAgentOutput:
		v, err := decode(&AgentOutputData{})
		if err != nil {
			return nil, err
		}
		return *v.(*AgentOutputData), nil
	case EventAgentToolUse:
		v, err := decode(&AgentToolUseData{})
		if err != nil {
			return nil, err
		}
		return *v.(*AgentToolUseData), nil
	case EventAgentToolResult:
		v, err := decode(&AgentToolResultData{})
		if err != nil {
			return nil, err
		}
		return *v.(*AgentToolResultData), nil
	case EventUserMessage:
		v, err := decode(&UserMessageData{})
		if err != nil {
			return nil, err
		}
		return *v.(*UserMessageData), nil
	case EventSessionStatus:
		v, err := decode(&StatusData{})
		if err != nil {
			return nil, err
		}
		return *v.(*StatusData), nil
	case EventWaitingForInput:
		v, err := decode(&WaitingForInputData{})
		if err != nil {
			return nil, err
		}
		return *v.(*WaitingForInputData), nil
	case EventSessionComplete:
		v, err := decode(&CompletedData{})
		if err != nil {
			return nil, err
		}
		return *v.(*CompletedData), nil
	case EventSessionError:
		v, err := decode(&ErrorData{})
		if err != nil {
			return nil, err
		}
		return *v.(*ErrorData), nil
	case EventSessionSnapshot:
		v, err := decode(&SnapshotData{})
		if err != nil {
			return nil, err
		}
		return *v.(*SnapshotData), nil
	default:
		var raw json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return raw, nil
	}
}
