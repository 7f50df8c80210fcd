package claudecode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prime-system/prime-agent/internal/common/logger"
	"go.uber.org/zap"
)

// stderrBufferSize is the number of recent stderr lines to keep for error context
const stderrBufferSize = 50

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// ProcessConfig describes a single CLI invocation. Each turn runs its own
// process; continuity across turns comes from ResumeSessionID.
type ProcessConfig struct {
	// Binary is the CLI executable, e.g. "claude".
	Binary string
	// WorkDir is the working directory for the subprocess.
	WorkDir string
	// Model selects the model via --model. Empty uses the CLI default.
	Model string
	// PermissionMode is passed via --permission-mode.
	PermissionMode string
	// ResumeSessionID resumes an existing CLI session via --resume.
	ResumeSessionID string
	// DisallowedTools disables specific tools via --disallowedTools.
	DisallowedTools []string
	// MaxThinkingTokens caps extended thinking via the MAX_THINKING_TOKENS
	// environment variable. Zero leaves the CLI default.
	MaxThinkingTokens int
}

// Process is a running CLI invocation wired to a protocol Client.
// The process is killed when the context passed to StartProcess is cancelled.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	stdin  io.WriteCloser
	logger *logger.Logger

	stderrMu     sync.Mutex
	stderrBuffer []string

	stdinMu     sync.Mutex
	stdinClosed bool

	exited  chan struct{}
	exitErr error
}

// StartProcess launches the CLI in stream-json mode and returns the running
// process. The caller must start the protocol read loop via Client().Start
// before sending a prompt, otherwise the stdout pipe fills up.
func StartProcess(ctx context.Context, cfg ProcessConfig, log *logger.Logger) (*Process, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("no agent binary configured")
	}

	args := []string{
		"-p", "--output-format=stream-json", "--input-format=stream-json",
		"--permission-prompt-tool=stdio", "--verbose",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.PermissionMode)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}
	if len(cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools="+strings.Join(cfg.DisallowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	if cfg.MaxThinkingTokens > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("MAX_THINKING_TOKENS=%d", cfg.MaxThinkingTokens))
	}
	// Unblocks Wait if a pipe reader is still draining after the kill.
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	log.Info("starting agent process",
		zap.String("binary", cfg.Binary),
		zap.Strings("args", args),
		zap.String("workdir", cfg.WorkDir))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	p := &Process{
		cmd: cmd,
		logger: log.WithFields(
			zap.String("component", "claudecode-process"),
			zap.Int("pid", cmd.Process.Pid)),
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	p.client = NewClient(stdin, stdout, log)

	go p.readStderr(stderr)
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Client returns the protocol client attached to the process pipes.
func (p *Process) Client() *Client {
	return p.client
}

// Exited returns a channel that is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitError reports the process exit error. Only valid after Exited is closed.
func (p *Process) ExitError() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// CloseStdin signals end of input. The CLI exits once it has flushed the
// current turn, so call this after the result message has been observed.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()

	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

// Shutdown closes stdin, stops the client and waits for the process to exit,
// up to the given grace period. The caller's context cancellation remains the
// backstop that kills a process which ignores stdin closure.
func (p *Process) Shutdown(grace time.Duration) {
	if err := p.CloseStdin(); err != nil {
		p.logger.Debug("stdin close failed", zap.Error(err))
	}
	p.client.Stop()

	select {
	case <-p.exited:
		if p.exitErr != nil {
			p.logger.Debug("agent process exited with error", zap.Error(p.exitErr))
		}
	case <-time.After(grace):
		p.logger.Warn("agent process did not exit in time, killing",
			zap.Duration("grace", grace))
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

// RecentStderr returns a copy of the recent stderr lines for error context.
func (p *Process) RecentStderr() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	result := make([]string, len(p.stderrBuffer))
	copy(result, p.stderrBuffer)
	return result
}

// readStderr reads and buffers stderr from the agent process.
func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("agent stderr", zap.String("line", line))
		p.appendStderr(line)
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// appendStderr adds a line to the stderr ring buffer
func (p *Process) appendStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	cleanLine := stripANSI(line)
	if len(p.stderrBuffer) >= stderrBufferSize {
		p.stderrBuffer = p.stderrBuffer[1:]
	}
	p.stderrBuffer = append(p.stderrBuffer, cleanLine)
}

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}
