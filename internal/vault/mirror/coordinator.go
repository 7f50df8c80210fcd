package mirror

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/metrics"
)

// CommandRunMeta carries the fields of a finished command run that the
// mirror records next to the vault changes the run produced.
type CommandRunMeta struct {
	RunID       string
	CommandName string
	Trigger     string // "manual" or "scheduled"
	Status      string
	Error       string
	CostUSD     float64
	DurationMS  int64
	CompletedAt time.Time
}

// SyncStatus describes the most recent sync attempt, for monitoring.
type SyncStatus struct {
	Operation string    `json:"operation"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Coordinator is the single sequencer for vault-mutating git operations.
// Every entry point takes the vault lock, so captures, command run syncs
// and the periodic pull never interleave.
type Coordinator struct {
	cfg    config.MirrorConfig
	vault  config.VaultConfig
	locker *Locker
	git    Git
	bus    bus.EventBus
	logger *logger.Logger

	mu   sync.Mutex
	last SyncStatus
}

// NewCoordinator wires the coordinator to its checkout. The event bus may
// be nil, in which case sync outcomes are not published.
func NewCoordinator(cfg config.MirrorConfig, vault config.VaultConfig, locker *Locker, git Git, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		vault:  vault,
		locker: locker,
		git:    git,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "mirror-coordinator")),
	}
}

// Enabled reports whether the mirror is configured to sync.
func (c *Coordinator) Enabled() bool {
	return c.cfg.Enabled
}

// SyncCapture commits a freshly captured file and pushes it. A no-op when
// the mirror is disabled.
func (c *Coordinator) SyncCapture(ctx context.Context, path string) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := c.locker.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire vault lock: %w", err)
	}
	defer c.locker.Release()

	err := c.syncCaptureLocked(ctx, path)
	c.record("capture", err)
	return err
}

func (c *Coordinator) syncCaptureLocked(ctx context.Context, path string) error {
	if err := c.git.Stage(ctx, path); err != nil {
		return fmt.Errorf("stage capture: %w", err)
	}
	message := fmt.Sprintf("Agent: Auto-commit at %s", time.Now().UTC().Format(time.RFC3339))
	if _, err := c.git.Commit(ctx, message); err != nil {
		return fmt.Errorf("commit capture: %w", err)
	}
	if err := c.git.Push(ctx); err != nil {
		return fmt.Errorf("push capture: %w", err)
	}
	c.logger.Info("capture synced", zap.String("file", filepath.Base(path)))
	return nil
}

// SyncCommandRun pulls, commits the changes a command run produced, writes
// the run log as a second commit, and pushes once. A failed step does not
// stop the later steps; all failures come back as one aggregated error.
// A no-op when the mirror is disabled.
func (c *Coordinator) SyncCommandRun(ctx context.Context, meta CommandRunMeta) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := c.locker.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire vault lock: %w", err)
	}
	defer c.locker.Release()

	log := c.logger.WithRunID(meta.RunID)
	state := gitSyncState{Pull: stepSkipped, Commit: stepSkipped}
	var failures []string
	fail := func(step string, err error) {
		failures = append(failures, fmt.Sprintf("%s: %v", step, err))
		log.Warn("command run sync step failed",
			zap.String("command", meta.CommandName),
			zap.String("step", step),
			zap.Error(err))
	}

	// Refresh from the remote before looking at local changes.
	if err := c.git.Pull(ctx); err != nil {
		state.Pull = stepFailed
		state.PullError = err.Error()
		fail("pull", err)
	} else {
		state.Pull = stepSuccess
	}

	// Commit whatever the command changed in the vault.
	changed, err := c.git.ChangedFiles(ctx)
	if err != nil {
		state.Commit = stepFailed
		state.CommitError = err.Error()
		fail("list changes", err)
	}
	state.Changed = len(changed)

	ts := time.Now().UTC().Format(time.RFC3339)
	if len(changed) > 0 {
		message := fmt.Sprintf("Command: %s (%s) at %s [run_id=%s]", meta.CommandName, meta.Trigger, ts, meta.RunID)
		if hash, err := c.stageAndCommit(ctx, message); err != nil {
			state.Commit = stepFailed
			state.CommitError = err.Error()
			fail("commit changes", err)
		} else {
			state.Commit = stepSuccess
			state.CommitHash = hash
		}
	}

	// The run log is itself a vault file and gets its own commit.
	logPath, err := c.writeRunLog(meta, state)
	if err != nil {
		fail("write run log", err)
	}
	if logPath != "" {
		if err := c.git.Stage(ctx, logPath); err != nil {
			fail("stage run log", err)
		} else {
			message := fmt.Sprintf("Command log: %s (%s) at %s [run_id=%s]", meta.CommandName, meta.Trigger, ts, meta.RunID)
			if _, err := c.git.Commit(ctx, message); err != nil {
				fail("commit run log", err)
			}
		}
	}

	// One push carries both commits.
	if err := c.git.Push(ctx); err != nil {
		fail("push", err)
	}

	if len(failures) > 0 {
		aggErr := fmt.Errorf("command run sync for %s: %s", meta.RunID, strings.Join(failures, "; "))
		c.record("command_run", aggErr)
		return aggErr
	}
	log.Info("command run synced",
		zap.String("command", meta.CommandName),
		zap.Int("changed_files", state.Changed))
	c.record("command_run", nil)
	return nil
}

// stageAndCommit stages every change and commits it with the given message.
func (c *Coordinator) stageAndCommit(ctx context.Context, message string) (string, error) {
	if err := c.git.Stage(ctx); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	return c.git.Commit(ctx, message)
}

// Pull refreshes the checkout from the remote under the vault lock. Used
// by the periodic pull loop. A no-op when the mirror is disabled.
func (c *Coordinator) Pull(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := c.locker.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire vault lock: %w", err)
	}
	defer c.locker.Release()

	err := c.git.Pull(ctx)
	c.record("pull", err)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// LastSync reports the most recent sync attempt.
func (c *Coordinator) LastSync() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// record updates metrics, the last-sync snapshot, and publishes the
// outcome on the event bus.
func (c *Coordinator) record(operation string, err error) {
	outcome := "success"
	errText := ""
	if err != nil {
		outcome = "failed"
		errText = err.Error()
	}
	metrics.MirrorSyncsTotal.WithLabelValues(operation, outcome).Inc()

	c.mu.Lock()
	c.last = SyncStatus{Operation: operation, Outcome: outcome, Error: errText, At: time.Now().UTC()}
	c.mu.Unlock()

	if c.bus == nil {
		return
	}
	if pubErr := c.bus.Publish(context.Background(), bus.SubjectMirrorSync, bus.MirrorSyncCompleted(operation, outcome, errText)); pubErr != nil {
		c.logger.Debug("mirror event publish failed", zap.Error(pubErr))
	}
}
