// Package events defines the typed event stream shared by interactive
// sessions, background command runs, and the WebSocket/HTTP transports.
package events

// EventType identifies one variant of the event stream.
type EventType string

const (
	// Events produced by the runner and replayed from buffers.
	TypeSessionID       EventType = "session_id"
	TypeText            EventType = "text"
	TypeToolUse         EventType = "tool_use"
	TypeThinking        EventType = "thinking"
	TypeAskUserQuestion EventType = "ask_user_question"
	TypeAskUserTimeout  EventType = "ask_user_timeout"
	TypeComplete        EventType = "complete"
	TypeError           EventType = "error"

	// Transport-side message types, never buffered.
	TypeConnected     EventType = "connected"
	TypeSessionStatus EventType = "session_status"
	TypeSessionTaken  EventType = "session_taken"
)

// Event is a closed variant record. Only the fields of the active variant
// are set; the JSON shape on the wire is exactly the populated fields.
type Event struct {
	Type EventType `json:"type"`

	// session_id
	SessionID string `json:"sessionId,omitempty"`

	// text
	Chunk string `json:"chunk,omitempty"`

	// tool_use
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// thinking
	Content string `json:"content,omitempty"`

	// ask_user_question, ask_user_timeout
	QuestionID     string      `json:"question_id,omitempty"`
	Questions      interface{} `json:"questions,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`

	// complete
	Status     string   `json:"status,omitempty"`
	CostUSD    *float64 `json:"costUsd,omitempty"`
	DurationMS *int64   `json:"durationMs,omitempty"`

	// error, ask_user_timeout
	Error       string `json:"error,omitempty"`
	IsPermanent bool   `json:"isPermanent,omitempty"`
}

// IsTerminal reports whether the event ends a turn.
func (e Event) IsTerminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// SessionIDEvent announces the SDK-assigned session id.
func SessionIDEvent(sessionID string) Event {
	return Event{Type: TypeSessionID, SessionID: sessionID}
}

// TextEvent carries one chunk of assistant text.
func TextEvent(chunk string) Event {
	return Event{Type: TypeText, Chunk: chunk}
}

// ToolUseEvent records a tool invocation by the agent.
func ToolUseEvent(name string, input map[string]interface{}) Event {
	return Event{Type: TypeToolUse, Name: name, Input: input}
}

// ThinkingEvent carries assistant reasoning content.
func ThinkingEvent(content string) Event {
	return Event{Type: TypeThinking, Content: content}
}

// AskUserQuestionEvent requests a mid-turn user decision.
func AskUserQuestionEvent(questionID string, questions interface{}, timeoutSeconds int) Event {
	return Event{
		Type:           TypeAskUserQuestion,
		QuestionID:     questionID,
		Questions:      questions,
		TimeoutSeconds: timeoutSeconds,
	}
}

// AskUserTimeoutEvent reports that a mid-turn prompt expired unanswered.
func AskUserTimeoutEvent(questionID string) Event {
	return Event{
		Type:       TypeAskUserTimeout,
		QuestionID: questionID,
		Error:      "User response timeout",
	}
}

// CompleteEvent terminates a turn successfully. costUSD and durationMS are
// optional; pass nil when the SDK did not report them.
func CompleteEvent(status string, costUSD *float64, durationMS *int64) Event {
	return Event{Type: TypeComplete, Status: status, CostUSD: costUSD, DurationMS: durationMS}
}

// ErrorEvent terminates a turn with a permanent error.
func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Error: message, IsPermanent: true}
}

// SessionTakenEvent tells a displaced client that another client now owns
// the session.
func SessionTakenEvent() Event {
	return Event{Type: TypeSessionTaken}
}
