// Package id generates the prefixed identifiers used across the agent
// server. Each kind of id carries a stable prefix so logs and API payloads
// are self-describing.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const hexAlphabet = "0123456789abcdef"

// NewPendingSessionID returns the temporary id assigned to a session before
// the SDK reports its own.
func NewPendingSessionID() string {
	return "pending_" + uuid.New().String()
}

// NewConnectionID identifies one WebSocket connection.
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// NewQuestionID identifies one mid-turn user prompt.
func NewQuestionID() string {
	return "q_" + hex(12)
}

// NewRunID identifies one command run.
func NewRunID() string {
	return "cmdrun_" + hex(16)
}

// NewAgentID identifies this agent installation.
func NewAgentID() string {
	return "agent_" + hex(16)
}

func hex(n int) string {
	s, err := gonanoid.Generate(hexAlphabet, n)
	if err != nil {
		panic(fmt.Sprintf("generate id: %v", err))
	}
	return s
}
