package runner

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/pkg/claudecode"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long Close waits for the CLI to exit after stdin
// is closed before the process context kill takes over.
const shutdownGrace = 3 * time.Second

// PermissionRequest describes a tool the CLI wants to use mid-turn.
type PermissionRequest struct {
	ToolName  string
	Input     map[string]any
	ToolUseID string
	// Suggestions are permission rules the CLI proposes alongside the
	// request. Handlers that allow the tool should echo them back.
	Suggestions []claudecode.PermissionUpdate
}

// PermissionFunc decides a permission request. It may block, for example
// while a question is relayed to an attached client; the CLI stream stays
// paused until it returns.
type PermissionFunc func(ctx context.Context, req *PermissionRequest) *claudecode.PermissionResult

// QueryOptions alters a single turn.
type QueryOptions struct {
	// ResumeSessionID resumes the given CLI session. Empty starts fresh.
	ResumeSessionID string
	// DisallowedTools removes tools from the turn.
	DisallowedTools []string
	// OnPermission handles can_use_tool requests. Nil allows everything
	// except AskUserQuestion, which is denied since nobody can answer it.
	OnPermission PermissionFunc
}

// MessageStream yields CLI messages for one turn in arrival order. Control
// requests arrive through the same stream so that their position relative
// to assistant output is preserved.
type MessageStream interface {
	// Next returns the next message, or io.EOF once the turn's process
	// has exited cleanly with no messages left.
	Next(ctx context.Context) (*claudecode.CLIMessage, error)
	// Respond answers a control request previously yielded by Next.
	Respond(requestID string, resp *claudecode.ControlResponse) error
	Close() error
}

// Client starts agent turns. Implementations are safe for concurrent use;
// every Query is an independent turn.
type Client interface {
	Query(ctx context.Context, prompt string, opts QueryOptions) (MessageStream, error)
}

// CLIClient runs each turn as a claudecode subprocess.
type CLIClient struct {
	cfg     config.AgentConfig
	workDir string
	logger  *logger.Logger
}

// NewCLIClient creates a process-backed client rooted at workDir.
func NewCLIClient(cfg config.AgentConfig, workDir string, log *logger.Logger) *CLIClient {
	return &CLIClient{
		cfg:     cfg,
		workDir: workDir,
		logger:  log.WithFields(zap.String("component", "agent-client")),
	}
}

// Query spawns the CLI, sends the prompt and returns the message stream.
// Cancelling ctx kills the subprocess.
func (c *CLIClient) Query(ctx context.Context, prompt string, opts QueryOptions) (MessageStream, error) {
	proc, err := claudecode.StartProcess(ctx, claudecode.ProcessConfig{
		Binary:            c.cfg.Binary,
		WorkDir:           c.workDir,
		Model:             c.cfg.Model,
		PermissionMode:    c.cfg.PermissionMode,
		ResumeSessionID:   opts.ResumeSessionID,
		DisallowedTools:   opts.DisallowedTools,
		MaxThinkingTokens: c.cfg.MaxThinkingTokens,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start agent turn: %w", err)
	}

	stream := &processStream{
		proc:   proc,
		msgs:   make(chan *claudecode.CLIMessage),
		closed: make(chan struct{}),
	}

	client := proc.Client()
	client.SetMessageHandler(stream.push)
	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		stream.push(&claudecode.CLIMessage{
			Type:      claudecode.MessageTypeControlRequest,
			RequestID: requestID,
			Request:   req,
		})
	})
	<-client.Start(ctx)

	if err := client.SendUserMessage(prompt); err != nil {
		proc.Shutdown(shutdownGrace)
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	return stream, nil
}

// processStream adapts the callback client to the pull-based MessageStream.
// The channel is unbuffered so the read loop hands each line directly to
// the consumer; nothing is reordered or dropped, and the CLI sees
// backpressure when the consumer lags.
type processStream struct {
	proc   *claudecode.Process
	msgs   chan *claudecode.CLIMessage
	closed chan struct{}

	closeOnce sync.Once
}

func (s *processStream) push(msg *claudecode.CLIMessage) {
	select {
	case s.msgs <- msg:
	case <-s.closed:
	}
}

func (s *processStream) Next(ctx context.Context) (*claudecode.CLIMessage, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.proc.Client().ReadDone():
		// The read loop has dispatched everything; drain what is queued.
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
		}
		// Wait for the exit status before deciding between EOF and failure.
		select {
		case <-s.proc.Exited():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := s.proc.ExitError(); err != nil {
			return nil, fmt.Errorf("agent process failed: %w", err)
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *processStream) Respond(requestID string, resp *claudecode.ControlResponse) error {
	return s.proc.Client().SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
}

func (s *processStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.proc.Shutdown(shutdownGrace)
	})
	return nil
}

// StderrTail returns recent stderr lines for error context.
func (s *processStream) StderrTail() []string {
	return s.proc.RecentStderr()
}
