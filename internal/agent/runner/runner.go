// Package runner drives agent turns: it feeds a prompt to the SDK client,
// translates the resulting CLI stream into events, and guarantees exactly one
// terminal event (complete or error) per turn no matter how the turn ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/pkg/claudecode"
	"go.uber.org/zap"
)

// Sink receives turn events in emission order.
type Sink func(ev events.Event)

const (
	// titleTimeout bounds title generation so capture responses stay fast.
	titleTimeout = 20 * time.Second
	// maxTitleLength caps generated titles.
	maxTitleLength = 80
)

// titleDisallowedTools restricts title generation to a plain completion.
var titleDisallowedTools = []string{
	claudecode.ToolBash,
	claudecode.ToolWrite,
	claudecode.ToolEdit,
	claudecode.ToolNotebookEdit,
	claudecode.ToolRead,
	claudecode.ToolGlob,
	claudecode.ToolGrep,
	claudecode.ToolTask,
	claudecode.ToolWebFetch,
	claudecode.ToolWebSearch,
	claudecode.ToolAskUserQuestion,
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	// SessionID is the CLI session id observed during the turn, used to
	// resume the conversation on the next turn.
	SessionID string
	// Status is the terminal status ("success", "error", or a CLI result
	// subtype such as "error_max_turns").
	Status     string
	CostUSD    *float64
	DurationMS *int64
}

// Runner translates CLI streams into events.
type Runner struct {
	turnTimeout time.Duration
	logger      *logger.Logger
}

// New creates a runner. turnTimeout is the wall-clock budget for one turn.
func New(turnTimeout time.Duration, log *logger.Logger) *Runner {
	return &Runner{
		turnTimeout: turnTimeout,
		logger:      log.WithFields(zap.String("component", "runner")),
	}
}

// Run executes one turn: query the client, stream messages into sink, stop at
// the terminal event. The returned TurnResult carries the session id for
// resumption. err is non-nil when the turn did not complete normally; a
// terminal error event has already been emitted in that case.
func (r *Runner) Run(ctx context.Context, client Client, prompt string, opts QueryOptions, sink Sink) (res *TurnResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	result := &TurnResult{Status: "error"}
	terminalSent := false
	sessionIDSent := false
	emit := func(ev events.Event) {
		if terminalSent {
			return
		}
		if ev.IsTerminal() {
			terminalSent = true
		}
		sink(ev)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic during turn processing", zap.Any("panic", rec))
			emit(events.ErrorEvent(fmt.Sprintf("internal error: %v", rec)))
			res = result
			err = fmt.Errorf("turn panicked: %v", rec)
		}
	}()

	stream, err := client.Query(ctx, prompt, opts)
	if err != nil {
		emit(events.ErrorEvent(fmt.Sprintf("failed to start agent: %v", err)))
		return result, err
	}
	defer stream.Close()

	for {
		msg, nerr := stream.Next(ctx)
		if nerr != nil {
			emit(events.ErrorEvent(r.streamErrorText(stream, nerr)))
			return result, nerr
		}

		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.SessionID != "" {
				noteSessionID(msg.SessionID, result, &sessionIDSent, emit)
			}

		case claudecode.MessageTypeAssistant:
			r.handleAssistant(msg, emit)

		case claudecode.MessageTypeResult:
			r.handleResult(msg, result, &sessionIDSent, emit)
			return result, nil

		case claudecode.MessageTypeControlRequest:
			r.answerControlRequest(ctx, stream, msg, opts.OnPermission)

		default:
			r.logger.Debug("unhandled message type", zap.String("type", msg.Type))
		}
	}
}

// answerControlRequest resolves a can_use_tool or hook_callback request. The
// CLI is paused until the response lands, so a blocking permission handler
// holds the whole turn, which is the intended behavior while a question is
// out to the user.
func (r *Runner) answerControlRequest(ctx context.Context, stream MessageStream, msg *claudecode.CLIMessage, onPermission PermissionFunc) {
	if msg.Request == nil {
		return
	}

	var resp *claudecode.ControlResponse
	switch msg.Request.Subtype {
	case claudecode.SubtypeCanUseTool:
		resp = &claudecode.ControlResponse{
			Subtype: "success",
			Result:  r.decidePermission(ctx, msg.Request, onPermission),
		}

	case claudecode.SubtypeHookCallback:
		resp = &claudecode.ControlResponse{Subtype: "success"}

	default:
		r.logger.Warn("unhandled control request subtype",
			zap.String("request_id", msg.RequestID),
			zap.String("subtype", msg.Request.Subtype))
		resp = &claudecode.ControlResponse{
			Subtype: "error",
			Error:   fmt.Sprintf("unhandled subtype: %s", msg.Request.Subtype),
		}
	}

	if err := stream.Respond(msg.RequestID, resp); err != nil {
		r.logger.Warn("failed to send control response",
			zap.String("request_id", msg.RequestID), zap.Error(err))
	}
}

func (r *Runner) decidePermission(ctx context.Context, req *claudecode.ControlRequest, onPermission PermissionFunc) *claudecode.PermissionResult {
	if onPermission != nil {
		result := onPermission(ctx, &PermissionRequest{
			ToolName:    req.ToolName,
			Input:       req.Input,
			ToolUseID:   req.ToolUseID,
			Suggestions: req.PermissionSuggestions,
		})
		if result != nil {
			return result
		}
	} else if req.ToolName == claudecode.ToolAskUserQuestion {
		// Unattended turns have nobody to answer.
		return claudecode.DenyResult("no user available to answer", false)
	}

	allowed := claudecode.AllowResult(nil)
	allowed.UpdatedPermissions = req.PermissionSuggestions
	return allowed
}

// noteSessionID records the CLI session id and emits the session_id event the
// first time one is observed.
func noteSessionID(sessionID string, result *TurnResult, sent *bool, emit Sink) {
	result.SessionID = sessionID
	if !*sent {
		*sent = true
		emit(events.SessionIDEvent(sessionID))
	}
}

func (r *Runner) handleAssistant(msg *claudecode.CLIMessage, emit Sink) {
	if msg.Message == nil {
		return
	}

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				emit(events.TextEvent(block.Text))
			}
		case "thinking":
			if block.Thinking != "" {
				emit(events.ThinkingEvent(block.Thinking))
			}
		case "tool_use":
			emit(events.ToolUseEvent(block.Name, block.Input))
		case "tool_result":
			// Tool results feed back into the model, not the event stream.
			r.logger.Debug("tool result",
				zap.String("tool_use_id", block.ToolUseID),
				zap.Bool("is_error", block.IsError))
		}
	}
}

func (r *Runner) handleResult(msg *claudecode.CLIMessage, result *TurnResult, sessionIDSent *bool, emit Sink) {
	if data := msg.GetResultData(); data != nil && data.SessionID != "" {
		noteSessionID(data.SessionID, result, sessionIDSent, emit)
	}

	r.logger.Info("turn result",
		zap.String("session_id", result.SessionID),
		zap.String("subtype", msg.Subtype),
		zap.Bool("is_error", msg.IsError),
		zap.Int("num_turns", msg.NumTurns),
		zap.Float64("cost_usd", msg.CostUSD),
		zap.Int64("duration_ms", msg.DurationMS),
		zap.Int64("input_tokens", msg.TotalInputTokens),
		zap.Int64("output_tokens", msg.TotalOutputTokens))

	if msg.IsError {
		result.Status = "error"
		emit(events.ErrorEvent(resultErrorText(msg)))
		return
	}

	status := msg.Subtype
	if status == "" {
		status = "success"
	}
	result.Status = status

	var costUSD *float64
	if msg.CostUSD != 0 {
		cost := msg.CostUSD
		costUSD = &cost
		result.CostUSD = &cost
	}
	var durationMS *int64
	if msg.DurationMS != 0 {
		duration := msg.DurationMS
		durationMS = &duration
		result.DurationMS = &duration
	}
	emit(events.CompleteEvent(status, costUSD, durationMS))
}

// streamErrorText maps a stream failure to the terminal error message,
// folding in recent stderr when the process died without a result.
func (r *Runner) streamErrorText(stream MessageStream, err error) string {
	var msg string
	switch {
	case errors.Is(err, io.EOF):
		msg = "agent exited before producing a result"
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("turn timed out after %s", r.turnTimeout)
	case errors.Is(err, context.Canceled):
		msg = "turn cancelled"
	default:
		msg = err.Error()
	}

	if tailer, ok := stream.(interface{ StderrTail() []string }); ok {
		if lines := lastLines(tailer.StderrTail(), 5); len(lines) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(lines, " | "))
		}
	}
	return msg
}

// GenerateTitle asks the agent for a one-line title for the given content.
// Any failure (timeout, error result, empty reply) yields an empty title;
// callers must treat that as "no title".
func (r *Runner) GenerateTitle(ctx context.Context, client Client, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Generate a concise title (at most %d characters, a single line, no quotes) for the following note. Reply with the title only.\n\n%s",
		maxTitleLength, content)

	stream, err := client.Query(ctx, prompt, QueryOptions{DisallowedTools: titleDisallowedTools})
	if err != nil {
		return "", fmt.Errorf("failed to start title generation: %w", err)
	}
	defer stream.Close()

	var parts []string
	for {
		msg, nerr := stream.Next(ctx)
		if nerr != nil {
			if errors.Is(nerr, io.EOF) {
				break
			}
			return "", fmt.Errorf("title generation failed: %w", nerr)
		}

		switch msg.Type {
		case claudecode.MessageTypeAssistant:
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				if block.Type == "text" && block.Text != "" {
					parts = append(parts, block.Text)
				}
			}

		case claudecode.MessageTypeResult:
			if msg.IsError {
				return "", fmt.Errorf("title generation failed: %s", resultErrorText(msg))
			}
			if data := msg.GetResultData(); data != nil && data.Text != "" && len(parts) == 0 {
				parts = append(parts, data.Text)
			}
			return sanitizeTitle(strings.Join(parts, " ")), nil

		case claudecode.MessageTypeControlRequest:
			r.answerControlRequest(ctx, stream, msg, nil)
		}
	}
	return sanitizeTitle(strings.Join(parts, " ")), nil
}

// sanitizeTitle reduces raw model output to a single trimmed line capped at
// maxTitleLength runes.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	return title
}

func resultErrorText(msg *claudecode.CLIMessage) string {
	if s := msg.GetResultString(); s != "" {
		return s
	}
	if data := msg.GetResultData(); data != nil && data.Text != "" {
		return data.Text
	}
	return "agent turn failed"
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
