package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/state"
)

type fakeClient struct {
	sendResult   a2a.SendMessageResult
	sendErr      error
	streamEvents []a2a.Event
	streamErr    error
	task         *a2a.Task
	taskErr      error

	gotParams *a2a.MessageSendParams
	getCalls  int
	destroyed bool
}

func (c *fakeClient) SendMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.SendMessageResult, error) {
	c.gotParams = params
	return c.sendResult, c.sendErr
}

func (c *fakeClient) SendStreamingMessage(ctx context.Context, params *a2a.MessageSendParams) iter.Seq2[a2a.Event, error] {
	c.gotParams = params
	return func(yield func(a2a.Event, error) bool) {
		for _, evt := range c.streamEvents {
			if !yield(evt, nil) {
				return
			}
		}
		if c.streamErr != nil {
			yield(nil, c.streamErr)
		}
	}
}

func (c *fakeClient) GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	c.getCalls++
	return c.task, c.taskErr
}

func (c *fakeClient) Destroy() error {
	c.destroyed = true
	return nil
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

func textMessage(text string) *a2a.Message {
	return a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: text})
}

func artifactWith(text string) *a2a.Artifact {
	return &a2a.Artifact{Parts: []a2a.Part{a2a.TextPart{Text: text}}}
}

func newTestDriver(client Client) *Driver {
	factory := func(ctx context.Context, url string) (Client, error) {
		return client, nil
	}
	return New(factory, nil)
}

func request(streaming bool) driver.Request {
	return driver.Request{
		Prompt: content.Content{Parts: []content.Part{{Kind: content.KindText, Text: "Hello"}}},
		Participant: state.Participant{
			ID:        "helper",
			Kind:      "agent",
			Platform:  state.PlatformRemoteProtocol,
			URL:       "https://agents.example/helper",
			Streaming: streaming,
		},
	}
}

func TestUnarySuccessExtractsArtifactText(t *testing.T) {
	client := &fakeClient{
		sendResult: &a2a.Task{
			ID:        "task-1",
			Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []*a2a.Artifact{artifactWith("Hi there")},
		},
	}
	sink := &recordingSink{}

	res, err := newTestDriver(client).Execute(context.Background(), request(false), sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "Hi there" {
		t.Fatalf("expected final text %q, got %q", "Hi there", res.Text)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", res.Errors)
	}
	if !client.destroyed {
		t.Fatalf("client was not released")
	}
	if client.gotParams == nil || textFromParts(client.gotParams.Message.Parts) != "Hello" {
		t.Fatalf("prompt not forwarded: %+v", client.gotParams)
	}
}

func TestUnaryMessageResult(t *testing.T) {
	client := &fakeClient{sendResult: textMessage("direct reply")}
	sink := &recordingSink{}

	res, err := newTestDriver(client).Execute(context.Background(), request(false), sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "direct reply" || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUnaryFailedTaskReportsError(t *testing.T) {
	client := &fakeClient{
		sendResult: &a2a.Task{
			ID: "task-1",
			Status: a2a.TaskStatus{
				State:   a2a.TaskStateFailed,
				Message: textMessage("quota exceeded"),
			},
		},
	}

	res, err := newTestDriver(client).Execute(context.Background(), request(false), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "quota exceeded") {
		t.Fatalf("expected failure detail, got %v", res.Errors)
	}
}

func TestUnarySendFailureBecomesResultError(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("connection reset")}

	res, err := newTestDriver(client).Execute(context.Background(), request(false), &recordingSink{})
	if err != nil {
		t.Fatalf("execute must not propagate backend errors: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "connection reset") {
		t.Fatalf("expected send failure in errors, got %v", res.Errors)
	}
}

func TestStreamingAccumulatesArtifacts(t *testing.T) {
	client := &fakeClient{
		streamEvents: []a2a.Event{
			&a2a.TaskStatusUpdateEvent{TaskID: "task-1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}},
			&a2a.TaskArtifactUpdateEvent{TaskID: "task-1", Artifact: artifactWith("Working")},
			&a2a.TaskArtifactUpdateEvent{TaskID: "task-1", Artifact: artifactWith("...Done")},
			&a2a.TaskStatusUpdateEvent{TaskID: "task-1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}, Final: true},
		},
	}
	sink := &recordingSink{}

	res, err := newTestDriver(client).Execute(context.Background(), request(true), sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "Working...Done" {
		t.Fatalf("expected accumulated text, got %q", res.Text)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", res.Errors)
	}
	if client.getCalls != 0 {
		t.Fatalf("terminal stream must not trigger finalization, got %d task/get calls", client.getCalls)
	}
	if len(sink.kinds) != 4 {
		t.Fatalf("expected 4 persisted events, got %d", len(sink.kinds))
	}
}

func TestStreamingFinalizeMergesWithoutDuplication(t *testing.T) {
	client := &fakeClient{
		streamEvents: []a2a.Event{
			&a2a.TaskArtifactUpdateEvent{TaskID: "task-1", Artifact: artifactWith("Working...")},
		},
		task: &a2a.Task{
			ID:     "task-1",
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []*a2a.Artifact{
				artifactWith("Working..."),
				artifactWith("Done"),
			},
		},
	}

	res, err := newTestDriver(client).Execute(context.Background(), request(true), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "Working...Done" {
		t.Fatalf("expected merged text without duplication, got %q", res.Text)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected no errors, got %v", res.Errors)
	}
	if client.getCalls != 1 {
		t.Fatalf("expected one finalization call, got %d", client.getCalls)
	}
}

func TestStreamingNoTaskIDSkipsFinalize(t *testing.T) {
	client := &fakeClient{
		streamEvents: []a2a.Event{textMessage("partial")},
	}

	res, err := newTestDriver(client).Execute(context.Background(), request(true), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Text != "partial" || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if client.getCalls != 0 {
		t.Fatalf("finalize must be skipped without a task id")
	}
}

func TestStreamingFailedStatusReportsError(t *testing.T) {
	client := &fakeClient{
		streamEvents: []a2a.Event{
			&a2a.TaskStatusUpdateEvent{
				TaskID: "task-1",
				Status: a2a.TaskStatus{State: a2a.TaskStateFailed, Message: textMessage("tool crashed")},
				Final:  true,
			},
		},
	}

	res, err := newTestDriver(client).Execute(context.Background(), request(true), &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "tool crashed") {
		t.Fatalf("expected failure detail, got %v", res.Errors)
	}
}

func TestBuildMessageEncodesAttachments(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}
	prompt := content.Content{Parts: []content.Part{
		{Kind: content.KindText, Text: "see attached"},
		{Kind: content.KindBlob, Data: raw, MimeType: "image/png"},
		{Kind: content.KindRef, URI: "https://files.example/report.pdf", MimeType: "application/pdf"},
	}}

	msg := buildMessage(prompt)
	if len(msg.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(msg.Parts))
	}

	blob, ok := msg.Parts[1].(a2a.FilePart)
	if !ok {
		t.Fatalf("expected file part, got %T", msg.Parts[1])
	}
	bytesFile, ok := blob.File.(a2a.FileBytes)
	if !ok {
		t.Fatalf("expected inline file bytes, got %T", blob.File)
	}
	if bytesFile.Bytes != base64.StdEncoding.EncodeToString(raw) {
		t.Fatalf("inline bytes not base64 encoded: %q", bytesFile.Bytes)
	}
	if bytesFile.MimeType != "image/png" {
		t.Fatalf("expected image/png, got %q", bytesFile.MimeType)
	}

	ref, ok := msg.Parts[2].(a2a.FilePart)
	if !ok {
		t.Fatalf("expected file part, got %T", msg.Parts[2])
	}
	uriFile, ok := ref.File.(a2a.FileURI)
	if !ok {
		t.Fatalf("expected file URI, got %T", ref.File)
	}
	if uriFile.URI != "https://files.example/report.pdf" || uriFile.MimeType != "application/pdf" {
		t.Fatalf("unexpected URI part: %+v", uriFile)
	}
}

func TestMissingURLShortCircuits(t *testing.T) {
	called := false
	d := New(func(ctx context.Context, url string) (Client, error) {
		called = true
		return nil, nil
	}, nil)

	req := request(false)
	req.Participant.URL = ""
	res, err := d.Execute(context.Background(), req, &recordingSink{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Errors) != 1 || called {
		t.Fatalf("expected short circuit before connecting, got %+v (called=%v)", res, called)
	}
}
