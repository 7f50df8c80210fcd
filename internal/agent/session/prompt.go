package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/prime-system/prime-agent/internal/agent/events"
)

// promptResponse carries one answer set from a client to the permission
// callback waiting on it.
type promptResponse struct {
	answers   map[string]interface{}
	cancelled bool
}

// pendingPrompt tracks the single outstanding AskUserQuestion of a session.
// The done flag and the session's pending pointer are guarded by the session
// mutex; respCh is buffered so completing never blocks the submitter.
type pendingPrompt struct {
	questionID string
	event      events.Event
	askedAt    time.Time
	respCh     chan promptResponse
	done       bool
}

func newPendingPrompt(questionID string, questions interface{}, timeoutSeconds int) *pendingPrompt {
	return &pendingPrompt{
		questionID: questionID,
		event:      events.AskUserQuestionEvent(questionID, questions, timeoutSeconds),
		askedAt:    time.Now().UTC(),
		respCh:     make(chan promptResponse, 1),
	}
}

// validateAnswers checks a client-supplied answer payload: every value must
// be a string or a list of strings.
func validateAnswers(answers map[string]interface{}) error {
	for key, value := range answers {
		switch v := value.(type) {
		case string:
		case []string:
		case []interface{}:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("answer %q contains a non-string item", key)
				}
			}
		default:
			return fmt.Errorf("answer %q must be a string or a list of strings", key)
		}
	}
	return nil
}

// normalizeAnswers flattens answer values to plain strings. Lists join with
// ", "; scalars pass through.
func normalizeAnswers(answers map[string]interface{}) map[string]string {
	normalized := make(map[string]string, len(answers))
	for key, value := range answers {
		switch v := value.(type) {
		case string:
			normalized[key] = v
		case []string:
			normalized[key] = strings.Join(v, ", ")
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					parts = append(parts, s)
				} else {
					parts = append(parts, fmt.Sprintf("%v", item))
				}
			}
			normalized[key] = strings.Join(parts, ", ")
		default:
			normalized[key] = fmt.Sprintf("%v", v)
		}
	}
	return normalized
}
