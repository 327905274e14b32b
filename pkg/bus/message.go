// Package bus provides the typed message envelope, the in-process
// publish/subscribe bus, and the bounded message queue that connect the
// orchestrator to the streaming server.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message kinds. Every kind carries a content schema, see schema.go.
const (
	KindTerminalOutput        = "terminal_output"
	KindApprovalRequest       = "approval_request"
	KindDiffDisplay           = "diff_display"
	KindInteractiveDiff       = "interactive_diff"
	KindInteractiveApproval   = "interactive_approval"
	KindProgressIndicator     = "progress_indicator"
	KindProgressResponse      = "progress_response"
	KindWorkflowControl       = "workflow_control"
	KindWorkflowStatus        = "workflow_status"
	KindCommand               = "command"
	KindCommandResult         = "command_result"
	KindStreamStart           = "stream_start"
	KindStreamContent         = "stream_content"
	KindStreamInteractive     = "stream_interactive"
	KindStreamEnd             = "stream_end"
	KindAuthenticate          = "authenticate"
	KindConnectionEstablished = "connection_established"
	KindErrorNotification     = "error_notification"
	KindBatch                 = "batch"
)

// ErrInvalidMessage indicates content that fails its kind's schema, or an
// unknown kind.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the immutable envelope published on the bus and streamed to
// clients. Once constructed it must not be mutated; components share
// messages by reference.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage validates content against the schema registered for kind and
// returns a message with a fresh id and the current timestamp. Construction
// fails with ErrInvalidMessage before any I/O happens.
func NewMessage(kind string, content map[string]any) (*Message, error) {
	if err := validateContent(kind, content); err != nil {
		return nil, err
	}
	if content == nil {
		content = map[string]any{}
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MustNew is NewMessage for messages whose content is statically known to
// be valid. It panics on schema failure and is intended for internal
// callers only.
func MustNew(kind string, content map[string]any) *Message {
	m, err := NewMessage(kind, content)
	if err != nil {
		panic(fmt.Sprintf("bus: %v", err))
	}
	return m
}

// ToWire serializes the message as a single UTF-8 JSON frame.
func (m *Message) ToWire() ([]byte, error) {
	return json.Marshal(m)
}

// FromWire parses and re-validates a wire frame. The original id and
// timestamp are preserved; a missing id or zero timestamp is filled in.
func FromWire(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if err := validateContent(m.Type, m.Content); err != nil {
		return nil, err
	}
	if m.Content == nil {
		m.Content = map[string]any{}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return &m, nil
}

// ContentString returns the string value at key, or "" when absent or not
// a string.
func (m *Message) ContentString(key string) string {
	if s, ok := m.Content[key].(string); ok {
		return s
	}
	return ""
}
