// Package idgen produces identifiers for chats, messages, participants,
// and work items. Run event ids come from the event log itself, which
// needs lexicographically ordered ids.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string, falling back to a random
// UUIDv4 when the clock source fails.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
