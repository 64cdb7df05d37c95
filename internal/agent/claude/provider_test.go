package claude

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeharbor/codeharbor/internal/agent"
	"github.com/codeharbor/codeharbor/internal/common/logger"
)

func parseLine(t *testing.T, line string) *cliMessage {
	t.Helper()
	var msg cliMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return &msg
}

func TestTranslateAssistantText(t *testing.T) {
	msg := parseLine(t, `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the code now."}]}}`)

	events := translate(msg)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventMessage, events[0].Type)
	assert.Equal(t, "Looking at the code now.", events[0].Text)
	assert.Equal(t, "assistant", events[0].Role)
}

func TestTranslateAssistantMixedBlocks(t *testing.T) {
	msg := parseLine(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"Running tests."},
		{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}
	]}}`)

	events := translate(msg)
	require.Len(t, events, 2)
	assert.Equal(t, agent.EventMessage, events[0].Type)
	assert.Equal(t, agent.EventToolUse, events[1].Type)
	assert.Equal(t, "Bash", events[1].Tool)
	assert.JSONEq(t, `{"command":"go test ./..."}`, string(events[1].ToolInput))
}

func TestTranslateToolResult(t *testing.T) {
	msg := parseLine(t, `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_1","content":"ok\n3 files changed"}
	]}}`)

	events := translate(msg)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventToolResult, events[0].Type)
	assert.Equal(t, "toolu_1", events[0].Tool)
	assert.Equal(t, "ok\n3 files changed", events[0].ToolOutput)
}

func TestTranslateToolResultBlocks(t *testing.T) {
	msg := parseLine(t, `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"toolu_2","content":[
			{"type":"text","text":"line one"},
			{"type":"text","text":"line two"}
		]}
	]}}`)

	events := translate(msg)
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].ToolOutput)
}

func TestTranslateResult(t *testing.T) {
	done := parseLine(t, `{"type":"result","subtype":"success","result":"Fixed the flaky test."}`)
	events := translate(done)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventCompleted, events[0].Type)
	assert.Equal(t, "Fixed the flaky test.", events[0].Text)

	failed := parseLine(t, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"tool crashed"}`)
	events = translate(failed)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventError, events[0].Type)
	assert.Equal(t, "tool crashed", events[0].Text)

	// Subtype alone marks errors even without is_error.
	subtypeOnly := parseLine(t, `{"type":"result","subtype":"error_max_turns","result":"ran out of turns"}`)
	events = translate(subtypeOnly)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventError, events[0].Type)
}

func TestTranslateIgnoresSystemMessages(t *testing.T) {
	msg := parseLine(t, `{"type":"system","subtype":"init"}`)
	assert.Empty(t, translate(msg))
}

func TestConsumeStream(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	p := New("claude", "", log)

	stream := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`not json at all`,
		`{"type":"result","subtype":"success","result":"done"}`,
	}, "\n") + "\n"

	var events []agent.Event
	sawTerminal, err := p.consumeStream(context.Background(), strings.NewReader(stream), &liveRun{}, func(ctx context.Context, ev agent.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawTerminal)
	require.Len(t, events, 2)
	assert.Equal(t, agent.EventMessage, events[0].Type)
	assert.Equal(t, agent.EventCompleted, events[1].Type)
}

type captureWriteCloser struct {
	strings.Builder
}

func (c *captureWriteCloser) Close() error { return nil }

func (c *captureWriteCloser) lines(t *testing.T) []string {
	t.Helper()
	out := strings.TrimRight(c.String(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestPermissionRequestPausesRun(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	p := New("claude", "", log)

	stdin := &captureWriteCloser{}
	run := &liveRun{stdin: stdin}
	p.runs["s1"] = run

	stream := `{"type":"control_request","request_id":"req-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf build"},"tool_use_id":"toolu_9"}}` + "\n"

	var events []agent.Event
	_, err = p.consumeStream(context.Background(), strings.NewReader(stream), run, func(ctx context.Context, ev agent.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, agent.EventWaitingForInput, events[0].Type)
	assert.Equal(t, "Bash", events[0].Tool)
	assert.Contains(t, events[0].Text, "rm -rf build")
	assert.JSONEq(t, `{"command":"rm -rf build"}`, string(events[0].ToolInput))

	// Nothing answered yet; the run is paused on the request.
	assert.Empty(t, stdin.lines(t))

	// The follow-up message approves the pending request, then carries on.
	require.NoError(t, p.SendMessage(context.Background(), "s1", "looks fine, go ahead"))

	lines := stdin.lines(t)
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"control_response","request_id":"req-1","response":{"subtype":"success","result":{"behavior":"allow"}}}`, lines[0])
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"looks fine, go ahead"}}`, lines[1])

	// Approvals are not re-sent.
	require.NoError(t, p.SendMessage(context.Background(), "s1", "and then?"))
	require.Len(t, stdin.lines(t), 3)
}

func TestUnknownControlRequestRejected(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	p := New("claude", "", log)

	stdin := &captureWriteCloser{}
	run := &liveRun{stdin: stdin}

	stream := `{"type":"control_request","request_id":"req-2","request":{"subtype":"hook_callback","callback_id":"cb-1"}}` + "\n"

	var events []agent.Event
	_, err = p.consumeStream(context.Background(), strings.NewReader(stream), run, func(ctx context.Context, ev agent.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, events)

	lines := stdin.lines(t)
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"type":"control_response","request_id":"req-2","response":{"subtype":"error","error":"unhandled subtype: hook_callback"}}`, lines[0])
}

func TestPermissionTitle(t *testing.T) {
	assert.Equal(t, "Permission needed to run: go test ./...", permissionTitle(&cliControlRequest{
		ToolName: "Bash",
		Input:    json.RawMessage(`{"command":"go test ./..."}`),
	}))
	assert.Equal(t, "Permission needed for Write: main.go", permissionTitle(&cliControlRequest{
		ToolName: "Write",
		Input:    json.RawMessage(`{"file_path":"main.go"}`),
	}))
	assert.Equal(t, "Permission needed for WebSearch", permissionTitle(&cliControlRequest{
		ToolName: "WebSearch",
	}))
}

func TestUserFrameEncoding(t *testing.T) {
	data, err := json.Marshal(newUserFrame("hello"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"hello"}}`, string(data))
}

func TestFlattenToolResultFallback(t *testing.T) {
	assert.Empty(t, flattenToolResult(nil))
	assert.Equal(t, `{"odd":true}`, flattenToolResult(json.RawMessage(`{"odd":true}`)))
}
