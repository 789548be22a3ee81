package state

import (
	"fmt"
	"strings"
	"time"
)

// RunStatus is the run lifecycle state machine:
// pending -> running -> {completed | error}. Terminal states never change.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunError
}

// Participant platforms. A bare model reference has no participant row;
// it is routed to the local driver directly.
const (
	PlatformManagedService = "managed_service"
	PlatformRemoteProtocol = "remote_protocol"
)

type Chat struct {
	ID                string    `json:"id"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Part is one element of a message body: either inline text or a
// reference to an external object by URI.
type Part struct {
	Kind     string `json:"kind"` // "text" or "ref"
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

func RefPart(uri, mimeType string) Part {
	return Part{Kind: "ref", URI: uri, MimeType: mimeType}
}

type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	ChildIDs    []string  `json:"child_ids,omitempty"`
	Participant string    `json:"participant"`
	Parts       []Part    `json:"parts"`
	CreatedAt   time.Time `json:"created_at"`
}

// Participant tags: "user:<id>", "agent:<id>", "model:<id>".
func UserParticipant(id string) string  { return "user:" + id }
func AgentParticipant(id string) string { return "agent:" + id }
func ModelParticipant(id string) string { return "model:" + id }

// IsUser reports whether the message was authored by an end user.
func (m Message) IsUser() bool {
	return strings.HasPrefix(m.Participant, "user:")
}

type Run struct {
	MessageID    string     `json:"message_id"`
	Status       RunStatus  `json:"status"`
	InputMessage string     `json:"input_message,omitempty"`
	FinalText    string     `json:"final_text,omitempty"`
	ErrorDetails []string   `json:"error_details,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Participant struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"` // "agent" or "model"
	Platform     string    `json:"platform,omitempty"`
	URL          string    `json:"url,omitempty"`
	Streaming    bool      `json:"streaming"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	ModelName    string    `json:"model_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunTransitionError reports a refused run status transition. A refused
// transition out of a terminal state signals a duplicate task delivery.
type RunTransitionError struct {
	MessageID string
	From      RunStatus
	To        RunStatus
}

func (e *RunTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition for %s: %s -> %s", e.MessageID, e.From, e.To)
}

func (e *RunTransitionError) Unwrap() error {
	return ErrInvalidRunTransition
}
