package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ToolCallStatus tracks a tool call through its lifecycle. Statuses only
// advance forward; success, error and rejected are terminal.
type ToolCallStatus string

const (
	StatusPending          ToolCallStatus = "pending"
	StatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	StatusRunning          ToolCallStatus = "running"
	StatusSuccess          ToolCallStatus = "success"
	StatusError            ToolCallStatus = "error"
	StatusRejected         ToolCallStatus = "rejected"
)

// validTransitions encodes the tool call state machine:
// pending -> (awaiting_approval) -> running -> {success, error, rejected}.
var validTransitions = map[ToolCallStatus][]ToolCallStatus{
	StatusPending:          {StatusAwaitingApproval, StatusRunning, StatusError, StatusRejected},
	StatusAwaitingApproval: {StatusRunning, StatusRejected},
	StatusRunning:          {StatusSuccess, StatusError},
}

// ToolCall is a single tool invocation requested by the model. Its identity
// is ToolCallID, assigned exactly once and stable from parse through report.
type ToolCall struct {
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	// RawArgs preserves the provider's original argument text. It survives
	// JSON parse failures (where it doubles as the error payload) and keeps
	// the argument ordering the provider emitted.
	RawArgs string         `json:"raw_args,omitempty"`
	Status  ToolCallStatus `json:"status,omitempty"`
	// Error carries the failure detail for StatusError calls.
	Error string `json:"error,omitempty"`
}

// Advance moves the call to the next status, enforcing forward-only
// transitions. An empty current status is treated as pending.
func (tc *ToolCall) Advance(to ToolCallStatus) error {
	from := tc.Status
	if from == "" {
		from = StatusPending
	}
	for _, next := range validTransitions[from] {
		if next == to {
			tc.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid tool call transition %s -> %s for %s", from, to, tc.ToolCallID)
}

// Terminal reports whether the call reached a final status.
func (tc *ToolCall) Terminal() bool {
	switch tc.Status {
	case StatusSuccess, StatusError, StatusRejected:
		return true
	}
	return false
}

// Message is one entry of the provider-facing conversation history.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
	// ToolCalls holds the calls requested by an assistant message, or, for a
	// "tool" role message, the single call the content is the result of.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// NewMessage builds a message with a fresh id. Ids let the compactor track
// which messages a summary already covers.
func NewMessage(role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content}
}

type Session struct {
	Name          string    `json:"name"`
	Mode          string    `json:"mode,omitempty"`
	Toolset       string    `json:"toolset,omitempty"`
	ToolVerbosity string    `json:"tool_verbosity,omitempty"`
	Acp           bool      `json:"acp,omitempty"`
	Messages      []Message `json:"messages"`
	path          string
}

// New creates a new session.
func New(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load loads an existing session from disk.
func Load(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddMessage appends a message to the session history. Messages without an
// id get one assigned so compaction bookkeeping stays consistent.
func (s *Session) AddMessage(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.Messages = append(s.Messages, msg)
}

// SetMessages replaces the history wholesale (used after compaction).
func (s *Session) SetMessages(msgs []Message) {
	s.Messages = msgs
}

func getSessionPath(name string) (string, error) {
	sessionDir := filepath.Join(".crux", "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return filepath.Join(sessionDir, fmt.Sprintf("%s.json", name)), nil
}
