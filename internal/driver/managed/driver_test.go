package managed

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/state"
)

type fakeManagedClient struct {
	getErr    error
	createErr error
	session   Session
	events    []Event
	streamErr error

	getCalls    int
	createCalls int
	queries     []Query
}

func (c *fakeManagedClient) GetSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error) {
	c.getCalls++
	if c.getErr != nil {
		return Session{}, c.getErr
	}
	return c.session, nil
}

func (c *fakeManagedClient) CreateSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error) {
	c.createCalls++
	if c.createErr != nil {
		return Session{}, c.createErr
	}
	return c.session, nil
}

func (c *fakeManagedClient) StreamQuery(ctx context.Context, q Query) iter.Seq2[Event, error] {
	c.queries = append(c.queries, q)
	return func(yield func(Event, error) bool) {
		for _, evt := range c.events {
			if !yield(evt, nil) {
				return
			}
		}
		if c.streamErr != nil {
			yield(nil, c.streamErr)
		}
	}
}

type recordingSink struct {
	kinds []run.Kind
	texts []string
}

func (s *recordingSink) Append(ctx context.Context, kind run.Kind, text string, payload map[string]any) error {
	s.kinds = append(s.kinds, kind)
	s.texts = append(s.texts, text)
	return nil
}

func request() driver.Request {
	return driver.Request{
		Prompt:    content.Content{Parts: []content.Part{{Kind: content.KindText, Text: "status report"}}},
		UserID:    "u1",
		SessionID: "chat-1",
		Participant: state.Participant{
			ID:           "reporter",
			Kind:         "agent",
			Platform:     state.PlatformManagedService,
			DeploymentID: "dep-42",
		},
	}
}

func TestExecuteAccumulatesStreamedText(t *testing.T) {
	client := &fakeManagedClient{
		session: Session{ID: "chat-1"},
		events: []Event{
			{"text": "All systems "},
			{"content": map[string]any{"parts": []any{map[string]any{"text": "nominal."}}}},
		},
	}
	sink := &recordingSink{}

	res, err := New(client, nil).Execute(context.Background(), request(), sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "All systems nominal." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", res.Errors)
	}
	if len(sink.kinds) != 2 || sink.kinds[0] != run.KindRaw {
		t.Fatalf("expected raw events persisted, got %v", sink.kinds)
	}
	if len(client.queries) != 1 || client.queries[0].Prompt != "status report" {
		t.Fatalf("unexpected query: %+v", client.queries)
	}
}

func TestExecuteCreatesMissingSession(t *testing.T) {
	client := &fakeManagedClient{
		getErr:  ErrSessionNotFound,
		session: Session{ID: "fresh"},
		events:  []Event{{"text": "ok"}},
	}

	res, err := New(client, nil).Execute(context.Background(), request(), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if client.createCalls != 1 {
		t.Fatalf("expected one create call, got %d", client.createCalls)
	}
	if len(client.queries) != 1 || client.queries[0].SessionID != "fresh" {
		t.Fatalf("query must use the created session: %+v", client.queries)
	}
	if res.Text != "ok" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
}

func TestSessionCreateFailureSkipsQuery(t *testing.T) {
	client := &fakeManagedClient{
		getErr:    ErrSessionNotFound,
		createErr: errors.New("permission denied"),
	}
	sink := &recordingSink{}

	res, err := New(client, nil).Execute(context.Background(), request(), sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "session") {
		t.Fatalf("expected exactly one session error, got %v", res.Errors)
	}
	if len(sink.kinds) != 0 {
		t.Fatalf("expected zero persisted events, got %d", len(sink.kinds))
	}
	if len(client.queries) != 0 {
		t.Fatalf("query must not run without a session")
	}
}

func TestStreamedErrorSignalsAreCollected(t *testing.T) {
	client := &fakeManagedClient{
		session: Session{ID: "chat-1"},
		events: []Event{
			{"text": "partial"},
			{"error_code": "QUOTA", "error_message": "limit reached"},
		},
	}

	res, err := New(client, nil).Execute(context.Background(), request(), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "partial" {
		t.Fatalf("partial output must be kept, got %q", res.Text)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "QUOTA: limit reached" {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
}

func TestBrokenStreamKeepsPartialOutput(t *testing.T) {
	client := &fakeManagedClient{
		session:   Session{ID: "chat-1"},
		events:    []Event{{"text": "before the cut"}},
		streamErr: errors.New("connection reset"),
	}

	res, err := New(client, nil).Execute(context.Background(), request(), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "before the cut" {
		t.Fatalf("partial output lost: %q", res.Text)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "connection reset") {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
}

func TestMissingDeploymentIDShortCircuits(t *testing.T) {
	client := &fakeManagedClient{}
	req := request()
	req.Participant.DeploymentID = ""

	res, err := New(client, nil).Execute(context.Background(), req, &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || client.getCalls != 0 {
		t.Fatalf("expected short circuit, got %+v (getCalls=%d)", res, client.getCalls)
	}
}
