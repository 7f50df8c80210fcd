package command

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
)

// Scheduler fires configured commands on their intervals. A command whose
// previous run is still active skips the tick instead of stacking runs.
type Scheduler struct {
	cfg      config.CommandsConfig
	executor *Executor
	runs     *Manager
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	names   []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SchedulerStatus reports the scheduler state for monitoring.
type SchedulerStatus struct {
	Running           bool     `json:"running"`
	ScheduledCommands []string `json:"scheduled_commands"`
}

// NewScheduler builds a scheduler over the configured command set.
func NewScheduler(cfg config.CommandsConfig, executor *Executor, runs *Manager, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		executor: executor,
		runs:     runs,
		logger:   log.WithFields(zap.String("component", "command-scheduler")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches one ticker per command that has a schedule. Commands
// without one stay manual-only.
func (s *Scheduler) Start() {
	var names []string
	for _, def := range s.cfg.Defs {
		if def.Schedule <= 0 {
			continue
		}
		names = append(names, def.Name)
		s.wg.Add(1)
		go s.runLoop(def)
	}

	s.mu.Lock()
	s.running = len(names) > 0
	s.names = names
	s.mu.Unlock()

	if len(names) > 0 {
		s.logger.Info("command scheduler started", zap.Strings("commands", names))
	}
}

// Stop halts every ticker and waits for them to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Status returns the scheduler's health snapshot.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:           s.running,
		ScheduledCommands: append([]string(nil), s.names...),
	}
}

func (s *Scheduler) runLoop(def config.CommandDef) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(def.Schedule) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fire(def.Name)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) fire(name string) {
	if s.runs.HasActiveRun(name) {
		s.logger.Debug("skipping scheduled run, previous run still active",
			zap.String("command", name))
		return
	}
	if _, err := s.executor.Execute(name, TriggerScheduled); err != nil {
		s.logger.Warn("scheduled run failed to start",
			zap.String("command", name),
			zap.Error(err))
	}
}
