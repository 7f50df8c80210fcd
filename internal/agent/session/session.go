// Package session implements long-lived interactive agent sessions. A
// session outlives any single connection: exactly one client may be attached
// at a time, events stream live while a client is attached and are buffered
// for replay while none is, and a single processing loop per session feeds
// queued user messages to the agent runner one turn at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prime-system/prime-agent/internal/agent/events"
	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/common/id"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/pkg/claudecode"
	"go.uber.org/zap"
)

// ErrSessionTaken reports that the acting client is no longer the session's
// attached client.
var ErrSessionTaken = errors.New("session is attached to another client")

// Transport delivers events to one attached client connection.
type Transport interface {
	// SendEvent writes one event to the client. A non-nil error makes the
	// session fall back to buffering.
	SendEvent(ev events.Event) error
	// Disconnect asks the transport to close its connection.
	Disconnect()
}

// SubmitResult classifies the outcome of an ask-user response submission.
type SubmitResult string

const (
	SubmitAccepted     SubmitResult = "accepted"
	SubmitIgnored      SubmitResult = "ignored"
	SubmitInvalid      SubmitResult = "invalid"
	SubmitSessionTaken SubmitResult = "session_taken"
)

// StatusSnapshot is the point-in-time state reported to clients on attach
// and through the REST surface.
type StatusSnapshot struct {
	SessionID         string
	BufferedCount     int
	CompletedAt       *time.Time
	LastActivity      time.Time
	LastEventType     string
	IsProcessing      bool
	WaitingForUser    bool
	PendingQuestionID string
}

// Session is one interactive conversation with the agent.
type Session struct {
	mu sync.Mutex

	id           string
	createdAt    time.Time
	lastActivity time.Time
	completedAt  *time.Time

	inbox  *mailbox
	buffer *events.Buffer

	clientID         string
	transport        Transport
	replayInProgress bool

	isProcessing  bool
	lastEventType events.EventType
	lastTerminal  *events.Event
	pending       *pendingPrompt

	cancel  context.CancelFunc
	done    chan struct{}
	manager *Manager
}

// ID returns the session's current id. It changes once, when the SDK
// reports its own id for a pending session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(newID string) {
	s.mu.Lock()
	s.id = newID
	s.mu.Unlock()
}

// log returns a logger tagged with the session's current id. Must not be
// called with the session mutex held.
func (s *Session) log() *logger.Logger {
	return s.manager.logger.WithSessionID(s.ID())
}

// LastActivity returns the last time the session saw an event or a lookup.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Done is closed once the processing loop has exited and cleanup finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// resumeID returns the id to resume the SDK conversation with, or empty for
// a session that has not completed a first turn.
func (s *Session) resumeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(s.id, "pending_") {
		return ""
	}
	return s.id
}

// run is the session's processing loop. It is started exactly once and
// never restarted; when it exits the session is gone.
func (s *Session) run(ctx context.Context) {
	defer s.finalize()

	for {
		prompt, ok := s.inbox.Wait(ctx)
		if !ok {
			return
		}

		s.beginTurn()
		res, err := s.manager.runTurn(ctx, s, prompt)
		s.endTurn()

		if err != nil {
			// The runner already emitted the terminal error event; the
			// loop stays alive for the next queued message.
			s.log().Warn("turn ended with error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		s.maybeNotify(ctx, res)
	}
}

func (s *Session) beginTurn() {
	s.mu.Lock()
	s.isProcessing = true
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.isProcessing = false
	s.mu.Unlock()
}

// handleEvent is the runner sink: it rekeys on session_id, refreshes
// activity, and dispatches.
func (s *Session) handleEvent(ev events.Event) {
	if ev.Type == events.TypeSessionID && ev.SessionID != "" {
		s.manager.rekey(s, ev.SessionID)
	}
	s.touch()
	s.dispatch(ev)
}

// dispatch routes one event: straight to the attached client when one is
// connected and replay is not running, otherwise into the replay buffer.
// Terminal events are additionally retained so a later attach can always
// replay the turn outcome, even after the buffer was cleared or overflowed.
func (s *Session) dispatch(ev events.Event) {
	s.mu.Lock()
	s.lastEventType = ev.Type
	if ev.IsTerminal() {
		terminal := ev
		s.lastTerminal = &terminal
		if ev.Type == events.TypeComplete {
			now := time.Now().UTC()
			s.completedAt = &now
		}
	}
	transport := s.transport
	live := s.clientID != "" && !s.replayInProgress
	s.mu.Unlock()

	if live && transport != nil {
		err := transport.SendEvent(ev)
		if err == nil {
			return
		}
		s.log().Warn("send to client failed, buffering event",
			zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
	s.buffer.Append(ev)
}

// Attach makes clientID the session's attached client, displacing any
// previous one, and returns the events to replay in order. The caller must
// deliver the replay and then call FinishReplay; live events are buffered
// until it does.
func (s *Session) Attach(clientID string, t Transport) []events.Event {
	s.mu.Lock()
	var previous Transport
	if s.clientID != "" && s.clientID != clientID && s.transport != nil {
		previous = s.transport
	}
	s.clientID = clientID
	s.transport = t
	s.replayInProgress = true

	replay := s.buffer.SnapshotAndClear()

	// A completed turn must be replayable even when its terminal event no
	// longer sits in the buffer.
	if s.lastEventType == events.TypeComplete || s.lastEventType == events.TypeError {
		if s.lastTerminal != nil && (len(replay) == 0 || !replay[len(replay)-1].IsTerminal()) {
			replay = append(replay, *s.lastTerminal)
		}
	}

	// An unanswered question is re-presented so the new client can answer.
	if p := s.pending; p != nil && !containsQuestion(replay, p.questionID) {
		replay = append(replay, p.event)
	}
	s.mu.Unlock()

	if previous != nil {
		_ = previous.SendEvent(events.SessionTakenEvent())
		previous.Disconnect()
	}

	s.log().Info("client attached",
		zap.String("client_id", clientID), zap.Int("replay_count", len(replay)))
	return replay
}

func containsQuestion(evs []events.Event, questionID string) bool {
	for _, ev := range evs {
		if ev.Type == events.TypeAskUserQuestion && ev.QuestionID == questionID {
			return true
		}
	}
	return false
}

// FinishReplay drains events that were buffered while the replay was being
// delivered, then switches the session to live dispatch. It is a no-op if
// the client lost the session meanwhile.
func (s *Session) FinishReplay(clientID string, t Transport) {
	for {
		s.mu.Lock()
		if s.clientID != clientID {
			s.mu.Unlock()
			return
		}
		batch := s.buffer.SnapshotAndClear()
		if len(batch) == 0 {
			s.replayInProgress = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for i, ev := range batch {
			if err := t.SendEvent(ev); err != nil {
				// Put the undelivered tail back; the next attach replays it.
				for _, rest := range batch[i:] {
					s.buffer.Append(rest)
				}
				return
			}
		}
	}
}

// Detach clears the attachment if clientID still owns it. The session and
// its processing loop keep running.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == clientID {
		s.clientID = ""
		s.transport = nil
		s.replayInProgress = false
	}
}

// SendUserMessage queues a message for the processing loop. When clientID is
// non-empty it must be the currently attached client; otherwise the message
// is rejected with ErrSessionTaken and nothing is queued.
func (s *Session) SendUserMessage(text, clientID string) error {
	s.mu.Lock()
	if clientID != "" && clientID != s.clientID {
		s.mu.Unlock()
		return ErrSessionTaken
	}
	s.mu.Unlock()

	s.inbox.Push(text)
	return nil
}

// SubmitAskUserResponse resolves the pending question. The returned message
// explains non-accepted outcomes.
func (s *Session) SubmitAskUserResponse(clientID, questionID string, answers map[string]interface{}, cancelled bool) (SubmitResult, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" && clientID != s.clientID {
		return SubmitSessionTaken, "session is attached to another client"
	}

	p := s.pending
	if p == nil {
		return SubmitIgnored, "no question is pending"
	}
	if p.questionID != questionID {
		return SubmitIgnored, fmt.Sprintf("question %s is not pending", questionID)
	}
	if p.done {
		return SubmitIgnored, "question already answered"
	}
	if !cancelled {
		if err := validateAnswers(answers); err != nil {
			return SubmitInvalid, err.Error()
		}
	}

	p.done = true
	p.respCh <- promptResponse{answers: answers, cancelled: cancelled}
	return SubmitAccepted, ""
}

// handlePermission bridges the SDK's permission callback. AskUserQuestion is
// relayed to the attached client; everything else is allowed with the SDK's
// own suggestions echoed back.
func (s *Session) handlePermission(ctx context.Context, req *runner.PermissionRequest) *claudecode.PermissionResult {
	if req.ToolName == claudecode.ToolAskUserQuestion {
		return s.relayQuestion(ctx, req)
	}
	allowed := claudecode.AllowResult(nil)
	allowed.UpdatedPermissions = req.Suggestions
	return allowed
}

// relayQuestion turns a blocked AskUserQuestion tool call into an
// ask_user_question event and waits for the answer, the timeout, or session
// termination. It runs on the processing goroutine while the CLI is paused.
func (s *Session) relayQuestion(ctx context.Context, req *runner.PermissionRequest) *claudecode.PermissionResult {
	timeout := s.manager.cfg.AskUserTimeoutDuration()

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return claudecode.DenyResult("another question is already pending", true)
	}
	p := newPendingPrompt(id.NewQuestionID(), req.Input["questions"], int(timeout.Seconds()))
	s.pending = p
	s.mu.Unlock()

	s.log().Info("question relayed to user", zap.String("question_id", p.questionID))
	s.dispatch(p.event)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.respCh:
		return s.finishPrompt(p, req, resp)

	case <-timer.C:
		// Mark the prompt done first, then drain: an answer accepted
		// before the deadline landed still wins, and later submissions
		// are ignored.
		s.clearPending(p)
		select {
		case resp := <-p.respCh:
			return s.finishPrompt(p, req, resp)
		default:
		}
		s.dispatch(events.AskUserTimeoutEvent(p.questionID))
		s.log().Info("question timed out", zap.String("question_id", p.questionID))
		return claudecode.DenyResult("User response timeout", true)

	case <-ctx.Done():
		s.clearPending(p)
		return claudecode.DenyResult("session terminated", true)
	}
}

func (s *Session) finishPrompt(p *pendingPrompt, req *runner.PermissionRequest, resp promptResponse) *claudecode.PermissionResult {
	s.clearPending(p)
	if resp.cancelled {
		return claudecode.DenyResult("User cancelled", true)
	}

	updated := make(map[string]interface{}, len(req.Input)+1)
	for k, v := range req.Input {
		updated[k] = v
	}
	updated["answers"] = normalizeAnswers(resp.answers)
	return claudecode.AllowResult(updated)
}

func (s *Session) clearPending(p *pendingPrompt) {
	s.mu.Lock()
	p.done = true
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// maybeNotify runs the completion grace period: when a turn completes with
// no client attached, wait briefly for a reconnect, then push a notification
// so the user knows the response is ready.
func (s *Session) maybeNotify(ctx context.Context, res *runner.TurnResult) {
	if res == nil {
		return
	}

	s.mu.Lock()
	completed := s.lastTerminal != nil && s.lastTerminal.Type == events.TypeComplete
	attached := s.clientID != ""
	s.mu.Unlock()
	if !completed || attached {
		return
	}

	select {
	case <-time.After(s.manager.cfg.GracePeriodDuration()):
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	attached = s.clientID != ""
	s.mu.Unlock()
	if attached {
		return
	}

	s.manager.notifyTurnComplete(s.ID(), res)
}

// Status snapshots the session state for session_status payloads.
func (s *Session) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StatusSnapshot{
		SessionID:      s.id,
		BufferedCount:  s.buffer.Len(),
		CompletedAt:    s.completedAt,
		LastActivity:   s.lastActivity,
		LastEventType:  string(s.lastEventType),
		IsProcessing:   s.isProcessing,
		WaitingForUser: s.pending != nil,
	}
	if s.pending != nil {
		st.PendingQuestionID = s.pending.questionID
	}
	return st
}

// finalize runs once when the processing loop exits: cancel any outstanding
// prompt, make sure an attached client ends on a terminal event, and drop
// the session from the registry.
func (s *Session) finalize() {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	var cancelPrompt bool
	if p != nil && !p.done {
		p.done = true
		cancelPrompt = true
	}
	transport := s.transport
	attached := s.clientID != ""
	s.clientID = ""
	s.transport = nil
	s.replayInProgress = false
	sawTerminal := s.lastEventType == events.TypeComplete || s.lastEventType == events.TypeError
	s.mu.Unlock()

	if cancelPrompt {
		p.respCh <- promptResponse{cancelled: true}
	}

	if attached && transport != nil {
		if !sawTerminal {
			_ = transport.SendEvent(events.ErrorEvent("session terminated"))
		}
		transport.Disconnect()
	}

	s.manager.removeSession(s)
	s.log().Info("session closed")
	close(s.done)
}
