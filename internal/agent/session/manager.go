package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/id"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/events/bus"
	"github.com/prime-system/prime-agent/internal/metrics"
	"go.uber.org/zap"
)

// cleanupInterval is how often the registry is scanned for idle sessions.
const cleanupInterval = 60 * time.Second

// notifyTimeout bounds the push delivery for one completion notification.
const notifyTimeout = 30 * time.Second

// Notifier delivers the completion push when a turn finishes with no client
// attached.
type Notifier interface {
	Send(ctx context.Context, title, body string, data map[string]interface{}) error
}

// Manager owns the session registry. All id-based lookups, creation, and
// the pending-id rekey go through its mutex.
type Manager struct {
	cfg      config.SessionsConfig
	runner   *runner.Runner
	client   runner.Client
	notifier Notifier
	bus      bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	cleanupOn bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the session registry. notifier and eventBus may be nil;
// the corresponding side effects are skipped.
func NewManager(cfg config.SessionsConfig, r *runner.Runner, client runner.Client, notifier Notifier, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		runner:   r,
		client:   client,
		notifier: notifier,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// GetOrCreate returns the session registered under requestedID, refreshing
// its activity, or starts a new one when requestedID is empty or unknown.
// New sessions carry a pending id until the SDK reports the real one.
func (m *Manager) GetOrCreate(requestedID string) *Session {
	m.mu.Lock()
	if requestedID != "" {
		if s, ok := m.sessions[requestedID]; ok {
			m.mu.Unlock()
			s.touch()
			return s
		}
	}

	s := m.startSession()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	m.logger.Info("session created", zap.String("session_id", s.ID()))
	m.publish(bus.SubjectSessionCreated, bus.SessionCreated(s.ID()))
	return s
}

// Get returns the session registered under sessionID, if any.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) startSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s := &Session{
		id:           id.NewPendingSessionID(),
		createdAt:    now,
		lastActivity: now,
		inbox:        newMailbox(),
		buffer:       events.NewBuffer(m.cfg.BufferCapacity),
		cancel:       cancel,
		done:         make(chan struct{}),
		manager:      m,
	}
	go s.run(ctx)
	return s
}

// runTurn executes one agent turn for the session, wiring its permission
// bridge and event dispatch into the runner.
func (m *Manager) runTurn(ctx context.Context, s *Session, prompt string) (*runner.TurnResult, error) {
	opts := runner.QueryOptions{
		ResumeSessionID: s.resumeID(),
		OnPermission:    s.handlePermission,
	}
	return m.runner.Run(ctx, m.client, prompt, opts, s.handleEvent)
}

// rekey moves the session from its current id to the SDK-reported one. If
// another session already holds the new id, that one is terminated out of
// band; the registry never maps one id to two sessions.
func (m *Manager) rekey(s *Session, newID string) {
	var collided *Session

	m.mu.Lock()
	oldID := s.ID()
	if oldID == newID {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, oldID)
	if other, ok := m.sessions[newID]; ok && other != s {
		collided = other
	}
	m.sessions[newID] = s
	s.setID(newID)
	m.mu.Unlock()

	m.logger.Info("session rekeyed",
		zap.String("old_session_id", oldID), zap.String("new_session_id", newID))
	if collided != nil {
		m.logger.Warn("session id already in use, terminating previous owner",
			zap.String("session_id", newID))
		go m.terminate(collided, "id_collision")
	}
	m.publish(bus.SubjectSessionRekeyed, bus.SessionRekeyed(oldID, newID))
}

// removeSession drops the session from the registry if it is still the
// registered owner of its id. Safe to call more than once.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	sid := s.ID()
	if current, ok := m.sessions[sid]; ok && current == s {
		delete(m.sessions, sid)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
}

// Terminate stops the session registered under sessionID and waits for its
// cleanup to finish. Returns false when no such session exists.
func (m *Manager) Terminate(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.terminate(s, reason)
	return true
}

func (m *Manager) terminate(s *Session, reason string) {
	sid := s.ID()
	s.cancel()
	<-s.Done()
	m.logger.Info("session terminated",
		zap.String("session_id", sid), zap.String("reason", reason))
	m.publish(bus.SubjectSessionTerminated, bus.SessionTerminated(sid, reason))
}

// TerminateAll stops every session concurrently. Used on shutdown.
func (m *Manager) TerminateAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range all {
		g.Go(func() error {
			m.terminate(s, "shutdown")
			return nil
		})
	}
	return g.Wait()
}

// StartCleanupLoop begins the periodic idle-session scan.
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
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.evictIdle()
			}
		}
	}()
	m.logger.Info("session cleanup loop started",
		zap.Duration("interval", cleanupInterval),
		zap.Duration("idle_timeout", m.cfg.IdleTimeoutDuration()))
}

// Stop halts the cleanup loop. Sessions themselves are stopped separately
// through TerminateAll.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.mu.Lock()
	m.cleanupOn = false
	m.mu.Unlock()
}

// CleanupRunning reports whether the idle-eviction loop is active.
func (m *Manager) CleanupRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupOn
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().UTC().Add(-m.cfg.IdleTimeoutDuration())

	m.mu.Lock()
	var expired []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("evicting idle session", zap.String("session_id", s.ID()))
		m.terminate(s, "idle_timeout")
	}
}

// notifyTurnComplete sends the "response ready" push for a turn that
// finished with no client attached.
func (m *Manager) notifyTurnComplete(sessionID string, res *runner.TurnResult) {
	if m.notifier == nil {
		return
	}

	data := map[string]interface{}{
		"type":         "chat_complete",
		"session_id":   sessionID,
		"status":       res.Status,
		"deeplink_url": "prime://chat/session/" + sessionID,
	}
	if res.CostUSD != nil {
		data["costUsd"] = *res.CostUSD
	}
	if res.DurationMS != nil {
		data["durationMs"] = *res.DurationMS
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.Send(ctx, "Chat response ready", "", data); err != nil {
		m.logger.Warn("completion push failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) publish(subject string, event *bus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Debug("failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}
