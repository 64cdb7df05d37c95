// Package claude runs the Claude Code CLI as an agent provider using its
// stream-json stdin/stdout protocol.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/agent"
	"github.com/codeharbor/codeharbor/internal/common/logger"
)

const providerName = "claude"

// maxLineSize allows for large tool outputs in a single stream line (10MB).
const maxLineSize = 10 * 1024 * 1024

// Provider spawns one CLI process per run and translates its stream into
// agent events.
type Provider struct {
	binary       string
	defaultModel string
	logger       *logger.Logger

	mu   sync.Mutex
	runs map[string]*liveRun
}

type liveRun struct {
	stdin  io.WriteCloser
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex // serializes stdin writes

	pendingMu sync.Mutex
	pending   []string // unanswered permission request ids
}

// New creates the provider. binary is the CLI executable name or path.
func New(binary, defaultModel string, log *logger.Logger) *Provider {
	if binary == "" {
		binary = "claude"
	}
	return &Provider{
		binary:       binary,
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "claude_provider")),
		runs:         make(map[string]*liveRun),
	}
}

// Name returns the registry name for this provider.
func (p *Provider) Name() string { return providerName }

// GetModels returns the CLI's selectable models. The CLI has no listing
// command, so the set is static.
func (p *Provider) GetModels(ctx context.Context) ([]agent.Model, error) {
	return []agent.Model{
		{ID: "claude-opus-4-6", DisplayName: "Opus 4.6"},
		{ID: "claude-opus-4-5", DisplayName: "Opus 4.5"},
		{ID: "claude-sonnet-4-5", DisplayName: "Sonnet 4.5"},
		{ID: "claude-haiku-4-5", DisplayName: "Haiku 4.5"},
	}, nil
}

// Run spawns the CLI in req.Cwd and streams events until the process exits.
func (p *Provider) Run(ctx context.Context, req agent.RunRequest) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if req.Resume {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", req.SessionID)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(runCtx, p.binary, args...)
	cmd.Dir = req.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.binary, err)
	}

	run := &liveRun{stdin: stdin, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if _, exists := p.runs[req.SessionID]; exists {
		p.mu.Unlock()
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("session %s already has a live run", req.SessionID)
	}
	p.runs[req.SessionID] = run
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.runs, req.SessionID)
		p.mu.Unlock()
		close(run.done)
	}()

	p.logger.Info("starting agent run",
		zap.String("session_id", req.SessionID),
		zap.Bool("resume", req.Resume))

	if err := run.send(newUserFrame(req.Prompt)); err != nil {
		cancel()
		_ = cmd.Wait()
		return fmt.Errorf("send prompt: %w", err)
	}

	sawTerminal, streamErr := p.consumeStream(runCtx, stdout, run, req.OnEvent)

	_ = stdin.Close()
	waitErr := cmd.Wait()

	if runCtx.Err() != nil {
		// Aborted: no further events, surface no error to the runner.
		return nil
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil && !sawTerminal {
		return fmt.Errorf("%s exited: %w", p.binary, waitErr)
	}
	return nil
}

// consumeStream reads stream-json lines and forwards translated events.
// Returns whether a terminal (completed/error) event was delivered.
func (p *Provider) consumeStream(ctx context.Context, stdout io.Reader, run *liveRun, onEvent agent.EventHandler) (bool, error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	sawTerminal := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return sawTerminal, nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg cliMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			p.logger.Warn("failed to parse stream line", zap.Error(err))
			continue
		}

		if msg.Type == "control_request" {
			if err := p.handleControlRequest(ctx, run, &msg, onEvent); err != nil {
				return sawTerminal, err
			}
			continue
		}

		for _, event := range translate(&msg) {
			if event.Type == agent.EventCompleted || event.Type == agent.EventError {
				sawTerminal = true
			}
			if err := onEvent(ctx, event); err != nil {
				return sawTerminal, fmt.Errorf("event handler: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return sawTerminal, fmt.Errorf("read stream: %w", err)
	}
	return sawTerminal, nil
}

// handleControlRequest answers in-band control frames. A tool permission
// request pauses the run: the session goes to waiting_for_input and the next
// user message approves whatever is pending.
func (p *Provider) handleControlRequest(ctx context.Context, run *liveRun, msg *cliMessage, onEvent agent.EventHandler) error {
	if msg.Request == nil {
		return nil
	}
	switch msg.Request.Subtype {
	case subtypeCanUseTool:
		p.logger.Info("tool permission requested",
			zap.String("tool", msg.Request.ToolName),
			zap.String("request_id", msg.RequestID))
		run.addPending(msg.RequestID)
		return onEvent(ctx, agent.Event{
			Type:      agent.EventWaitingForInput,
			Text:      permissionTitle(msg.Request),
			Tool:      msg.Request.ToolName,
			ToolInput: msg.Request.Input,
		})
	default:
		p.logger.Warn("unhandled control request",
			zap.String("subtype", msg.Request.Subtype))
		return run.send(newControlError(msg.RequestID, fmt.Sprintf("unhandled subtype: %s", msg.Request.Subtype)))
	}
}

// permissionTitle summarizes a permission request for the event stream.
func permissionTitle(req *cliControlRequest) string {
	var input map[string]any
	_ = json.Unmarshal(req.Input, &input)
	if cmd, ok := input["command"].(string); ok && req.ToolName == "Bash" {
		return fmt.Sprintf("Permission needed to run: %s", cmd)
	}
	if path, ok := input["file_path"].(string); ok {
		return fmt.Sprintf("Permission needed for %s: %s", req.ToolName, path)
	}
	return fmt.Sprintf("Permission needed for %s", req.ToolName)
}

// translate maps one CLI message to zero or more agent events.
func translate(msg *cliMessage) []agent.Event {
	switch msg.Type {
	case "assistant":
		if msg.Message == nil {
			return nil
		}
		var events []agent.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, agent.Event{
						Type: agent.EventMessage,
						Text: block.Text,
						Role: "assistant",
					})
				}
			case "tool_use":
				events = append(events, agent.Event{
					Type:      agent.EventToolUse,
					Tool:      block.Name,
					ToolInput: block.Input,
				})
			}
		}
		return events
	case "user":
		if msg.Message == nil {
			return nil
		}
		var events []agent.Event
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" {
				events = append(events, agent.Event{
					Type:       agent.EventToolResult,
					Tool:       block.ToolUseID,
					ToolOutput: flattenToolResult(block.Content),
				})
			}
		}
		return events
	case "result":
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			return []agent.Event{{Type: agent.EventError, Text: msg.Result}}
		}
		return []agent.Event{{Type: agent.EventCompleted, Text: msg.Result}}
	default:
		return nil
	}
}

// flattenToolResult extracts readable text from a tool_result content field,
// which may be a plain string or a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []cliContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func (r *liveRun) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.stdin.Write(data)
	return err
}

func (r *liveRun) addPending(requestID string) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, requestID)
	r.pendingMu.Unlock()
}

func (r *liveRun) approvePending() error {
	r.pendingMu.Lock()
	pending := r.pending
	r.pending = nil
	r.pendingMu.Unlock()
	for _, id := range pending {
		if err := r.send(newPermissionResponse(id, behaviorAllow)); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage injects a follow-up user message into the live run. Replying
// approves any permission requests the run is paused on.
func (p *Provider) SendMessage(ctx context.Context, sessionID, message string) error {
	p.mu.Lock()
	run, ok := p.runs[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live run for session %s", sessionID)
	}
	if err := run.approvePending(); err != nil {
		return fmt.Errorf("answer pending permissions: %w", err)
	}
	return run.send(newUserFrame(message))
}

// Stop ends the run gracefully by closing stdin; the CLI finishes its
// current turn and exits.
func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	run, ok := p.runs[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	run.mu.Lock()
	err := run.stdin.Close()
	run.mu.Unlock()
	return err
}

// Abort cancels the run immediately and waits for the process to exit.
func (p *Provider) Abort(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	run, ok := p.runs[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// IsRunning reports whether a run is live for the session.
func (p *Provider) IsRunning(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.runs[sessionID]
	return ok
}
