package run

import "time"

// Kind discriminates normalized run events. Per-driver adapters map
// backend payloads onto one of these at the driver boundary.
type Kind string

const (
	KindText     Kind = "text"     // extractable output text
	KindStatus   Kind = "status"   // backend lifecycle signal
	KindArtifact Kind = "artifact" // structured output unit
	KindError    Kind = "error"    // backend-reported failure
	KindRaw      Kind = "raw"      // backend event kept verbatim
)

// Event is one persisted entry of a run's append-only event log.
type Event struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	Seq       int64          `json:"seq"`
	Kind      Kind           `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
