// Package command runs named, pre-configured agent commands in the
// background and retains their event streams for cursor-based polling.
package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/id"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/metrics"
)

// Run statuses.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Run triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

const cleanupInterval = 60 * time.Second

// statusRank orders statuses so transitions only move forward. The two
// terminal statuses share a rank: the latest one reported wins.
var statusRank = map[string]int{
	StatusStarted:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusError:     2,
}

// IsTerminal reports whether a status ends a run.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

// Outcome carries the optional fields of a status transition.
type Outcome struct {
	Error      string
	CostUSD    *float64
	DurationMS *int64
}

// Run is one background command execution. Fields are guarded by the
// manager's mutex; callers outside the package observe runs through
// snapshots.
type Run struct {
	ID          string
	CommandName string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	CostUSD     *float64
	DurationMS  *int64
	Error       string
	Events      *events.Buffer
	cancel      context.CancelFunc
}

// RunSnapshot is a point-in-time copy of a run plus the events strictly
// after the poll cursor.
type RunSnapshot struct {
	RunID         string                 `json:"run_id"`
	CommandName   string                 `json:"command_name"`
	Status        string                 `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	CostUSD       *float64               `json:"cost_usd,omitempty"`
	DurationMS    *int64                 `json:"duration_ms,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Events        []events.BufferedEvent `json:"events"`
	NextCursor    int64                  `json:"next_cursor"`
	DroppedBefore int64                  `json:"dropped_before"`

	// EventsTotal counts every event ever appended, including dropped
	// ones. Used for the audit row, not serialized.
	EventsTotal int64 `json:"-"`
}

// Manager tracks command runs from creation through retention expiry.
type Manager struct {
	cfg    config.CommandsConfig
	bus    bus.EventBus
	logger *logger.Logger

	mu        sync.Mutex
	runs      map[string]*Run
	cleanupOn bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a run manager. The event bus may be nil, in which
// case lifecycle events are not published.
func NewManager(cfg config.CommandsConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "command-manager")),
		runs:   make(map[string]*Run),
		stopCh: make(chan struct{}),
	}
}

// Create registers a new run for the named command and returns its id.
// The run is visible to Get before the caller starts executing it.
func (m *Manager) Create(name string) string {
	run := &Run{
		ID:          id.NewRunID(),
		CommandName: name,
		Status:      StatusStarted,
		StartedAt:   time.Now().UTC(),
		Events:      events.NewBuffer(m.cfg.MaxEvents),
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	active := m.activeCountLocked()
	m.mu.Unlock()

	metrics.ActiveRuns.Set(float64(active))
	m.logger.Info("command run created",
		zap.String("run_id", run.ID),
		zap.String("command", name))
	return run.ID
}

// SetStatus transitions a run. Transitions only move forward: started,
// running, then one of the terminal statuses. Re-applying the current
// status is a no-op; a different terminal status replaces an earlier one.
// Terminal transitions stamp completed_at. Unknown runs are dropped with
// a warning.
func (m *Manager) SetStatus(runID, status string, outcome Outcome) {
	rank, valid := statusRank[status]
	if !valid {
		m.logger.Warn("ignoring invalid run status",
			zap.String("run_id", runID),
			zap.String("status", status))
		return
	}

	m.mu.Lock()
	run, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("status update for unknown run dropped",
			zap.String("run_id", runID),
			zap.String("status", status))
		return
	}

	if rank < statusRank[run.Status] {
		m.mu.Unlock()
		return
	}
	changed := run.Status != status
	if !changed && !IsTerminal(status) {
		m.mu.Unlock()
		return
	}

	run.Status = status
	if outcome.Error != "" {
		run.Error = outcome.Error
	}
	if outcome.CostUSD != nil {
		run.CostUSD = outcome.CostUSD
	}
	if outcome.DurationMS != nil {
		run.DurationMS = outcome.DurationMS
	}
	if IsTerminal(status) && (run.CompletedAt == nil || changed) {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	name := run.CommandName
	active := m.activeCountLocked()
	m.mu.Unlock()

	metrics.ActiveRuns.Set(float64(active))
	if IsTerminal(status) && changed {
		m.logger.Info("command run finished",
			zap.String("run_id", runID),
			zap.String("command", name),
			zap.String("status", status))
		m.publish(bus.SubjectRunCompleted, bus.RunCompleted(runID, name, status))
	}
}

// AppendEvent adds an event to a run's buffer. Events for unknown runs are
// dropped; a producer may legitimately outlive its run's retention window.
func (m *Manager) AppendEvent(runID string, ev events.Event) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("event for unknown run dropped",
			zap.String("run_id", runID),
			zap.String("event_type", string(ev.Type)))
		return
	}
	run.Events.Append(ev)
}

// Get returns a snapshot of a run with the events strictly after the given
// cursor, or nil when the run is unknown. Pass events.NoCursor to receive
// everything still buffered.
func (m *Manager) Get(runID string, after int64) *RunSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil
	}
	return snapshotLocked(run, after)
}

// List returns a snapshot of every tracked run, newest first, without
// event payloads.
func (m *Manager) List() []*RunSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RunSnapshot, 0, len(m.runs))
	for _, run := range m.runs {
		snap := snapshotLocked(run, events.NoCursor)
		snap.Events = []events.BufferedEvent{}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out
}

// AttachCancel registers the function that aborts the run's work.
func (m *Manager) AttachCancel(runID string, cancel context.CancelFunc) {
	m.mu.Lock()
	run, ok := m.runs[runID]
	if ok {
		run.cancel = cancel
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("cancel attach for unknown run dropped", zap.String("run_id", runID))
	}
}

// Cancel aborts a run's in-flight work. Returns false when the run is
// unknown or has no attached cancel. The run reaches a terminal status
// through the executor's normal handling of the aborted turn.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	var cancel context.CancelFunc
	if ok {
		cancel = run.cancel
	}
	m.mu.Unlock()

	if !ok || cancel == nil {
		return false
	}
	m.logger.Info("command run cancelled", zap.String("run_id", runID))
	cancel()
	return true
}

// CleanupExpired drops runs older than the retention horizon and returns
// how many were removed. A run's age is measured from completed_at, or
// from started_at when it never completed.
func (m *Manager) CleanupExpired() int {
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionDuration())

	m.mu.Lock()
	removed := 0
	for runID, run := range m.runs {
		ref := run.StartedAt
		if run.CompletedAt != nil {
			ref = *run.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(m.runs, runID)
			removed++
		}
	}
	active := m.activeCountLocked()
	m.mu.Unlock()

	metrics.ActiveRuns.Set(float64(active))
	if removed > 0 {
		m.logger.Info("expired command runs removed", zap.Int("count", removed))
	}
	return removed
}

// ActiveCount returns the number of runs still executing.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// HasActiveRun reports whether the named command has a run in flight. The
// scheduler uses it to skip overlapping ticks.
func (m *Manager) HasActiveRun(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.CommandName == name && !IsTerminal(run.Status) {
			return true
		}
	}
	return false
}

// StartCleanupLoop launches the periodic retention sweep.
func (m *Manager) StartCleanupLoop() {
	m.mu.Lock()
	m.cleanupOn = true
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupExpired()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info("command run cleanup loop started",
		zap.Duration("interval", cleanupInterval),
		zap.Duration("retention", m.cfg.RetentionDuration()))
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	m.cleanupOn = false
	m.mu.Unlock()
}

// CleanupRunning reports whether the retention sweep loop is active.
func (m *Manager) CleanupRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupOn
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, run := range m.runs {
		if !IsTerminal(run.Status) {
			n++
		}
	}
	return n
}

func (m *Manager) publish(subject string, event *bus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Debug("lifecycle event publish failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// snapshotLocked copies a run's state. Callers hold m.mu.
func snapshotLocked(run *Run, after int64) *RunSnapshot {
	evs, nextCursor, droppedBefore := run.Events.Since(after)
	if evs == nil {
		evs = []events.BufferedEvent{}
	}

	snap := &RunSnapshot{
		RunID:         run.ID,
		CommandName:   run.CommandName,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		Error:         run.Error,
		Events:        evs,
		NextCursor:    nextCursor,
		DroppedBefore: droppedBefore,
		EventsTotal:   nextCursor + 1,
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		snap.CompletedAt = &t
	}
	if run.CostUSD != nil {
		v := *run.CostUSD
		snap.CostUSD = &v
	}
	if run.DurationMS != nil {
		v := *run.DurationMS
		snap.DurationMS = &v
	}
	return snap
}

// sortSnapshots orders runs newest first.
func sortSnapshots(snaps []*RunSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
}
