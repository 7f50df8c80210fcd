// Package monitoring aggregates background task health into one
// snapshot for the observability endpoint.
package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/vault/mirror"
)

// recentRunsLimit bounds the audit rows embedded in a snapshot.
const recentRunsLimit = 10

// SessionStats is the probe into the session manager.
type SessionStats interface {
	Count() int
	CleanupRunning() bool
}

// RunStats is the probe into the command run manager.
type RunStats interface {
	ActiveCount() int
	CleanupRunning() bool
}

// SchedulerStats is the probe into the command scheduler.
type SchedulerStats interface {
	Status() command.SchedulerStatus
}

// PullStats is the probe into the periodic vault pull loop.
type PullStats interface {
	Status() mirror.PullStatus
}

// MirrorStats is the probe into the mirror coordinator.
type MirrorStats interface {
	Enabled() bool
	LastSync() mirror.SyncStatus
}

// AuditReader reads recent finished runs.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]command.RunRecord, error)
}

// DeviceCounter counts registered push devices.
type DeviceCounter interface {
	Count() int
}

// Deps are the probed components. Any field may be nil; its section of
// the snapshot stays at zero values.
type Deps struct {
	Sessions  SessionStats
	Runs      RunStats
	Scheduler SchedulerStats
	PullLoop  PullStats
	Mirror    MirrorStats
	Audit     AuditReader
	Devices   DeviceCounter
}

// LoopReport is the health of one cleanup loop.
type LoopReport struct {
	Running bool `json:"running"`
}

// Snapshot is the full background task report.
type Snapshot struct {
	Timestamp         time.Time               `json:"timestamp"`
	BusConnected      bool                    `json:"bus_connected"`
	ActiveSessions    int                     `json:"active_sessions"`
	ActiveRuns        int                     `json:"active_runs"`
	RegisteredDevices int                     `json:"registered_devices"`
	PeriodicPull      mirror.PullStatus       `json:"periodic_pull"`
	SessionCleanup    LoopReport              `json:"session_cleanup"`
	RunCleanup        LoopReport              `json:"run_cleanup"`
	Scheduler         command.SchedulerStatus `json:"command_scheduler"`
	MirrorEnabled     bool                    `json:"mirror_enabled"`
	LastMirrorSync    *mirror.SyncStatus      `json:"last_mirror_sync,omitempty"`
	EventCounts       map[string]int64        `json:"event_counts"`
	RecentRuns        []command.RunRecord     `json:"recent_runs"`
}

// Monitor answers the background task status endpoint. It also counts
// lifecycle events off the bus so the snapshot shows what the server has
// been doing since start.
type Monitor struct {
	deps   Deps
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	counts map[string]int64
	sub    bus.Subscription
}

// NewMonitor wires a monitor. eventBus may be nil; event counting is
// skipped then.
func NewMonitor(deps Deps, eventBus bus.EventBus, log *logger.Logger) *Monitor {
	return &Monitor{
		deps:   deps,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "monitoring")),
		counts: make(map[string]int64),
	}
}

// Start subscribes to the lifecycle subjects.
func (m *Monitor) Start() error {
	if m.bus == nil {
		return nil
	}
	sub, err := m.bus.Subscribe(bus.SubjectAllLifecycle, func(_ context.Context, event *bus.Event) error {
		m.mu.Lock()
		m.counts[event.Type]++
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	m.sub = sub
	m.logger.Info("lifecycle event counting started")
	return nil
}

// Stop drops the bus subscription.
func (m *Monitor) Stop() {
	if m.sub == nil {
		return
	}
	if err := m.sub.Unsubscribe(); err != nil {
		m.logger.Debug("unsubscribe failed", zap.Error(err))
	}
	m.sub = nil
}

// Status assembles the current snapshot.
func (m *Monitor) Status(ctx context.Context) Snapshot {
	snap := Snapshot{
		Timestamp:   time.Now().UTC(),
		EventCounts: m.eventCounts(),
		RecentRuns:  []command.RunRecord{},
	}

	if m.bus != nil {
		snap.BusConnected = m.bus.IsConnected()
	}
	if m.deps.Sessions != nil {
		snap.ActiveSessions = m.deps.Sessions.Count()
		snap.SessionCleanup.Running = m.deps.Sessions.CleanupRunning()
	}
	if m.deps.Runs != nil {
		snap.ActiveRuns = m.deps.Runs.ActiveCount()
		snap.RunCleanup.Running = m.deps.Runs.CleanupRunning()
	}
	if m.deps.Devices != nil {
		snap.RegisteredDevices = m.deps.Devices.Count()
	}
	if m.deps.Scheduler != nil {
		snap.Scheduler = m.deps.Scheduler.Status()
	}
	if m.deps.PullLoop != nil {
		snap.PeriodicPull = m.deps.PullLoop.Status()
	}
	if m.deps.Mirror != nil {
		snap.MirrorEnabled = m.deps.Mirror.Enabled()
		if last := m.deps.Mirror.LastSync(); !last.At.IsZero() {
			snap.LastMirrorSync = &last
		}
	}
	if m.deps.Audit != nil {
		recent, err := m.deps.Audit.Recent(ctx, recentRunsLimit)
		if err != nil {
			m.logger.Debug("failed to read recent runs", zap.Error(err))
		} else if recent != nil {
			snap.RecentRuns = recent
		}
	}
	return snap
}

func (m *Monitor) eventCounts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	return counts
}
