package claude

import "encoding/json"

// Wire structures for the CLI's stream-json protocol. Each stdout line is one
// JSON object; stdin accepts user message frames in the same framing.

const (
	behaviorAllow = "allow"

	subtypeCanUseTool = "can_use_tool"
)

type cliMessage struct {
	Type      string             `json:"type"`
	Subtype   string             `json:"subtype,omitempty"`
	Message   *cliInnerMsg       `json:"message,omitempty"`
	Result    string             `json:"result,omitempty"`
	IsError   bool               `json:"is_error,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
	Request   *cliControlRequest `json:"request,omitempty"`
	Raw       json.RawMessage    `json:"-"`
}

// cliControlRequest is an in-band request the CLI blocks on until it gets a
// control_response frame. Tool permissions arrive this way.
type cliControlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

type cliInnerMsg struct {
	Role    string            `json:"role"`
	Content []cliContentBlock `json:"content"`
}

type cliContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type userFrame struct {
	Type    string       `json:"type"`
	Message userFrameMsg `json:"message"`
}

type userFrameMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newUserFrame(content string) userFrame {
	return userFrame{
		Type:    "user",
		Message: userFrameMsg{Role: "user", Content: content},
	}
}

type controlResponseFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *permissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type permissionResult struct {
	Behavior string `json:"behavior"`
}

func newPermissionResponse(requestID, behavior string) controlResponseFrame {
	return controlResponseFrame{
		Type:      "control_response",
		RequestID: requestID,
		Response: &controlResponse{
			Subtype: "success",
			Result:  &permissionResult{Behavior: behavior},
		},
	}
}

func newControlError(requestID, message string) controlResponseFrame {
	return controlResponseFrame{
		Type:      "control_response",
		RequestID: requestID,
		Response:  &controlResponse{Subtype: "error", Error: message},
	}
}
