package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/vault/mirror"
)

func monitorTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeSessions struct {
	count   int
	cleanup bool
}

func (f *fakeSessions) Count() int           { return f.count }
func (f *fakeSessions) CleanupRunning() bool { return f.cleanup }

type fakeRuns struct {
	active  int
	cleanup bool
}

func (f *fakeRuns) ActiveCount() int     { return f.active }
func (f *fakeRuns) CleanupRunning() bool { return f.cleanup }

type fakeScheduler struct{ status command.SchedulerStatus }

func (f *fakeScheduler) Status() command.SchedulerStatus { return f.status }

type fakePull struct{ status mirror.PullStatus }

func (f *fakePull) Status() mirror.PullStatus { return f.status }

type fakeMirror struct {
	enabled bool
	last    mirror.SyncStatus
}

func (f *fakeMirror) Enabled() bool               { return f.enabled }
func (f *fakeMirror) LastSync() mirror.SyncStatus { return f.last }

type fakeAudit struct {
	recs []command.RunRecord
	err  error
}

func (f *fakeAudit) Recent(_ context.Context, _ int) ([]command.RunRecord, error) {
	return f.recs, f.err
}

type fakeDevices struct{ count int }

func (f *fakeDevices) Count() int { return f.count }

func TestStatus_EmptyDeps(t *testing.T) {
	m := NewMonitor(Deps{}, nil, monitorTestLogger(t))

	snap := m.Status(context.Background())
	assert.False(t, snap.BusConnected)
	assert.Zero(t, snap.ActiveSessions)
	assert.Zero(t, snap.ActiveRuns)
	assert.False(t, snap.PeriodicPull.Running)
	assert.Nil(t, snap.LastMirrorSync)
	assert.NotNil(t, snap.RecentRuns)
	assert.Empty(t, snap.RecentRuns)
	assert.NotNil(t, snap.EventCounts)
	assert.WithinDuration(t, time.Now().UTC(), snap.Timestamp, time.Minute)
}

func TestStatus_AggregatesProbes(t *testing.T) {
	lastTick := time.Now().UTC().Add(-30 * time.Second)
	syncedAt := time.Now().UTC().Add(-2 * time.Minute)
	deps := Deps{
		Sessions:  &fakeSessions{count: 2, cleanup: true},
		Runs:      &fakeRuns{active: 1, cleanup: true},
		Scheduler: &fakeScheduler{status: command.SchedulerStatus{Running: true, ScheduledCommands: []string{"weekly-review"}}},
		PullLoop:  &fakePull{status: mirror.PullStatus{Running: true, LastTick: lastTick}},
		Mirror:    &fakeMirror{enabled: true, last: mirror.SyncStatus{Operation: "capture", Outcome: "success", At: syncedAt}},
		Audit: &fakeAudit{recs: []command.RunRecord{
			{RunID: "cmdrun_0123456789abcdef", CommandName: "daily-digest", Status: "completed"},
		}},
		Devices: &fakeDevices{count: 3},
	}
	m := NewMonitor(deps, nil, monitorTestLogger(t))

	snap := m.Status(context.Background())
	assert.Equal(t, 2, snap.ActiveSessions)
	assert.True(t, snap.SessionCleanup.Running)
	assert.Equal(t, 1, snap.ActiveRuns)
	assert.True(t, snap.RunCleanup.Running)
	assert.Equal(t, 3, snap.RegisteredDevices)
	assert.True(t, snap.Scheduler.Running)
	assert.Equal(t, []string{"weekly-review"}, snap.Scheduler.ScheduledCommands)
	assert.True(t, snap.PeriodicPull.Running)
	assert.True(t, snap.PeriodicPull.LastTick.Equal(lastTick))
	assert.True(t, snap.MirrorEnabled)
	require.NotNil(t, snap.LastMirrorSync)
	assert.Equal(t, "capture", snap.LastMirrorSync.Operation)
	require.Len(t, snap.RecentRuns, 1)
	assert.Equal(t, "daily-digest", snap.RecentRuns[0].CommandName)
}

func TestStatus_NoSyncYetOmitsLastMirrorSync(t *testing.T) {
	m := NewMonitor(Deps{Mirror: &fakeMirror{enabled: true}}, nil, monitorTestLogger(t))

	snap := m.Status(context.Background())
	assert.True(t, snap.MirrorEnabled)
	assert.Nil(t, snap.LastMirrorSync)
}

func TestStatus_AuditErrorLeavesRecentEmpty(t *testing.T) {
	m := NewMonitor(Deps{Audit: &fakeAudit{err: errors.New("db locked")}}, nil, monitorTestLogger(t))

	snap := m.Status(context.Background())
	assert.Empty(t, snap.RecentRuns)
}

func TestMonitor_CountsLifecycleEvents(t *testing.T) {
	log := monitorTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	m := NewMonitor(Deps{}, memBus, log)
	require.NoError(t, m.Start())

	ctx := context.Background()
	require.NoError(t, memBus.Publish(ctx, bus.SubjectSessionCreated, bus.SessionCreated("pending_x")))
	require.NoError(t, memBus.Publish(ctx, bus.SubjectRunCompleted, bus.RunCompleted("cmdrun_1", "daily-digest", "completed")))
	require.NoError(t, memBus.Publish(ctx, bus.SubjectRunCompleted, bus.RunCompleted("cmdrun_2", "daily-digest", "error")))

	snap := m.Status(ctx)
	assert.True(t, snap.BusConnected)
	assert.Equal(t, int64(1), snap.EventCounts["session.created"])
	assert.Equal(t, int64(2), snap.EventCounts["run.completed"])

	m.Stop()
	require.NoError(t, memBus.Publish(ctx, bus.SubjectSessionCreated, bus.SessionCreated("pending_y")))
	snap = m.Status(ctx)
	assert.Equal(t, int64(1), snap.EventCounts["session.created"], "counting must stop after Stop")
}
