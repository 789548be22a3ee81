// Package driver defines the contract shared by the three backend
// execution drivers. Drivers convert backend failures into Result
// error entries; the error return of Execute is reserved for local
// persistence failures only.
package driver

import (
	"context"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/state"
)

// Request carries everything a driver needs for one run.
type Request struct {
	MessageID   string
	Prompt      content.Content
	UserID      string
	SessionID   string
	Participant state.Participant
}

// Result is what every driver returns, success or failure.
type Result struct {
	Text   string
	Errors []string
}

// Sink persists incremental driver events, append-only.
type Sink interface {
	Append(ctx context.Context, kind run.Kind, text string, payload map[string]any) error
}

type Driver interface {
	Execute(ctx context.Context, req Request, sink Sink) (Result, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, kind run.Kind, text string, payload map[string]any) error

func (f SinkFunc) Append(ctx context.Context, kind run.Kind, text string, payload map[string]any) error {
	return f(ctx, kind, text, payload)
}
