package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/common/appctx"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/vault/mirror"
)

// ErrUnknownCommand is returned when Execute is asked to run a command
// that is not configured.
var ErrUnknownCommand = errors.New("unknown command")

// syncTimeout bounds the post-run vault sync and audit write.
const syncTimeout = 2 * time.Minute

// RunSyncer mirrors a finished run into the vault checkout.
type RunSyncer interface {
	SyncCommandRun(ctx context.Context, meta mirror.CommandRunMeta) error
}

// AuditStore persists finished runs.
type AuditStore interface {
	Record(ctx context.Context, rec RunRecord) error
}

// Executor drives the full lifecycle of one command run: the agent turn,
// the terminal status, the vault sync, and the audit row. Callers get the
// run id back immediately and follow progress by polling the manager.
type Executor struct {
	cfg    config.CommandsConfig
	runs   *Manager
	runner *runner.Runner
	client runner.Client
	syncer RunSyncer
	store  AuditStore
	logger *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutor wires an executor. syncer and store may be nil; the
// corresponding post-run step is skipped.
func NewExecutor(cfg config.CommandsConfig, runs *Manager, r *runner.Runner, client runner.Client, syncer RunSyncer, store AuditStore, log *logger.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		runs:   runs,
		runner: r,
		client: client,
		syncer: syncer,
		store:  store,
		logger: log.WithFields(zap.String("component", "command-executor")),
		stopCh: make(chan struct{}),
	}
}

// Execute creates a run for the named command and drives it in the
// background. The returned run id is pollable before the agent produces
// its first event. Trigger is TriggerManual or TriggerScheduled.
func (e *Executor) Execute(name, trigger string) (string, error) {
	def, ok := e.cfg.Command(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}

	runID := e.runs.Create(name)
	e.runs.publish(bus.SubjectRunStarted, bus.RunStarted(runID, name, trigger))

	ctx, cancel := context.WithCancel(context.Background())
	e.runs.AttachCancel(runID, cancel)
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.drive(ctx, runID, def, trigger)
	}()

	return runID, nil
}

// Stop aborts in-flight runs and waits for their bookkeeping to finish.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// drive runs the agent turn and the post-run steps. Failures in the vault
// sync or the audit write are logged and never change the run's status.
func (e *Executor) drive(ctx context.Context, runID string, def config.CommandDef, trigger string) {
	log := e.logger.WithRunID(runID)

	var started sync.Once
	sink := func(ev events.Event) {
		started.Do(func() {
			e.runs.SetStatus(runID, StatusRunning, Outcome{})
		})
		e.runs.AppendEvent(runID, ev)
	}

	res, err := e.runner.Run(ctx, e.client, def.Prompt, runner.QueryOptions{}, sink)

	status := StatusError
	outcome := Outcome{}
	switch {
	case res == nil:
		outcome.Error = "turn produced no result"
	case res.Status == "success":
		status = StatusCompleted
		outcome.CostUSD = res.CostUSD
		outcome.DurationMS = res.DurationMS
	default:
		outcome.Error = res.Status
		outcome.CostUSD = res.CostUSD
		outcome.DurationMS = res.DurationMS
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	e.runs.SetStatus(runID, status, outcome)

	snap := e.runs.Get(runID, events.NoCursor)
	if snap == nil {
		log.Warn("run evicted before post-run bookkeeping")
		return
	}

	// The turn context may already be cancelled (user abort); the sync and
	// audit still run, bounded by their own deadline.
	sctx, cancel := appctx.Detached(ctx, e.stopCh, syncTimeout)
	defer cancel()

	if e.syncer != nil {
		if serr := e.syncer.SyncCommandRun(sctx, runMeta(snap, trigger)); serr != nil {
			log.Warn("vault sync after command run failed", zap.Error(serr))
		}
	}
	if e.store != nil {
		if aerr := e.store.Record(sctx, runRecord(snap, trigger)); aerr != nil {
			log.Warn("audit record for command run failed", zap.Error(aerr))
		}
	}
}

// runMeta shapes a finished run for the mirror coordinator.
func runMeta(snap *RunSnapshot, trigger string) mirror.CommandRunMeta {
	meta := mirror.CommandRunMeta{
		RunID:       snap.RunID,
		CommandName: snap.CommandName,
		Trigger:     trigger,
		Status:      snap.Status,
		Error:       snap.Error,
	}
	if snap.CostUSD != nil {
		meta.CostUSD = *snap.CostUSD
	}
	if snap.DurationMS != nil {
		meta.DurationMS = *snap.DurationMS
	}
	if snap.CompletedAt != nil {
		meta.CompletedAt = *snap.CompletedAt
	}
	return meta
}

// runRecord shapes a finished run for the audit store.
func runRecord(snap *RunSnapshot, trigger string) RunRecord {
	rec := RunRecord{
		RunID:         snap.RunID,
		CommandName:   snap.CommandName,
		Trigger:       trigger,
		Status:        snap.Status,
		StartedAt:     snap.StartedAt,
		CompletedAt:   snap.CompletedAt,
		DurationMS:    snap.DurationMS,
		CostUSD:       snap.CostUSD,
		EventsTotal:   snap.EventsTotal,
		EventsDropped: snap.DroppedBefore,
	}
	if snap.Error != "" {
		errText := snap.Error
		rec.Error = &errText
	}
	return rec
}
