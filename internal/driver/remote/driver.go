// Package remote drives runs against third-party agents over the A2A
// protocol, in either unary or streaming mode depending on the agent's
// advertised capability. Streaming falls back to a task finalization
// call when the stream closes without a terminal status update.
package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/run"
)

type Driver struct {
	NewClient ClientFactory
	Log       *slog.Logger
}

func New(factory ClientFactory, log *slog.Logger) *Driver {
	if factory == nil {
		factory = NewClient
	}
	return &Driver{NewClient: factory, Log: log}
}

func (d *Driver) Execute(ctx context.Context, req driver.Request, sink driver.Sink) (driver.Result, error) {
	if req.Participant.URL == "" {
		return driver.Result{Errors: []string{"remote agent has no URL"}}, nil
	}
	client, err := d.NewClient(ctx, req.Participant.URL)
	if err != nil {
		return driver.Result{Errors: []string{fmt.Sprintf("connect to remote agent: %v", err)}}, nil
	}
	defer func() { _ = client.Destroy() }()

	params := &a2a.MessageSendParams{Message: buildMessage(req.Prompt)}

	if req.Participant.Streaming {
		return d.executeStreaming(ctx, client, params, sink)
	}
	return d.executeUnary(ctx, client, params, sink)
}

// executeUnary sends one message and extracts text from the artifacts
// of the resulting task or the returned message.
func (d *Driver) executeUnary(ctx context.Context, client Client, params *a2a.MessageSendParams, sink driver.Sink) (driver.Result, error) {
	result, err := client.SendMessage(ctx, params)
	if err != nil {
		return driver.Result{Errors: []string{fmt.Sprintf("message/send failed: %v", err)}}, nil
	}

	var text strings.Builder
	var errs []string

	switch r := result.(type) {
	case *a2a.Task:
		if appendErr := d.persistTask(ctx, sink, r); appendErr != nil {
			return driver.Result{}, appendErr
		}
		text.WriteString(taskText(r))
		if r.Status.State == a2a.TaskStateFailed {
			errs = append(errs, taskFailureDetail(r))
		}
	case *a2a.Message:
		responseText := textFromParts(r.Parts)
		if appendErr := sink.Append(ctx, run.KindText, responseText, nil); appendErr != nil {
			return driver.Result{}, fmt.Errorf("persist response message: %w", appendErr)
		}
		text.WriteString(responseText)
	default:
		errs = append(errs, fmt.Sprintf("unexpected message/send result type %T", result))
	}

	return driver.Result{Text: text.String(), Errors: errs}, nil
}

// executeStreaming opens the SSE stream, persisting each event and
// accumulating artifact text. If the stream closes without a terminal
// status update but a task id was captured, it fetches the task for the
// authoritative final result and merges any text not already seen.
func (d *Driver) executeStreaming(ctx context.Context, client Client, params *a2a.MessageSendParams, sink driver.Sink) (driver.Result, error) {
	var text strings.Builder
	var errs []string
	var taskID a2a.TaskID
	sawTerminal := false

	for event, err := range client.SendStreamingMessage(ctx, params) {
		if err != nil {
			errs = append(errs, fmt.Sprintf("message/stream failed: %v", err))
			break
		}
		switch e := event.(type) {
		case *a2a.TaskStatusUpdateEvent:
			if e.TaskID != "" {
				taskID = e.TaskID
			}
			payload := map[string]any{"state": string(e.Status.State), "final": e.Final}
			if appendErr := sink.Append(ctx, run.KindStatus, textFromStatus(e.Status), payload); appendErr != nil {
				return driver.Result{}, fmt.Errorf("persist status event: %w", appendErr)
			}
			if e.Status.State.Terminal() {
				sawTerminal = true
				if e.Status.State == a2a.TaskStateFailed {
					errs = append(errs, "remote task failed: "+textFromStatus(e.Status))
				}
			}
		case *a2a.TaskArtifactUpdateEvent:
			if e.TaskID != "" {
				taskID = e.TaskID
			}
			chunk := artifactText(e.Artifact)
			if appendErr := sink.Append(ctx, run.KindArtifact, chunk, nil); appendErr != nil {
				return driver.Result{}, fmt.Errorf("persist artifact event: %w", appendErr)
			}
			text.WriteString(chunk)
		case *a2a.Task:
			if e.ID != "" {
				taskID = e.ID
			}
			if appendErr := d.persistTask(ctx, sink, e); appendErr != nil {
				return driver.Result{}, appendErr
			}
			for _, artifact := range e.Artifacts {
				mergeText(&text, artifactText(artifact))
			}
			if e.Status.State.Terminal() {
				sawTerminal = true
				if e.Status.State == a2a.TaskStateFailed {
					errs = append(errs, taskFailureDetail(e))
				}
			}
		case *a2a.Message:
			chunk := textFromParts(e.Parts)
			if appendErr := sink.Append(ctx, run.KindText, chunk, nil); appendErr != nil {
				return driver.Result{}, fmt.Errorf("persist message event: %w", appendErr)
			}
			text.WriteString(chunk)
		}
	}

	if !sawTerminal {
		if taskID == "" {
			// Nothing to finalize against; whatever was streamed stands.
			if d.Log != nil {
				d.Log.Warn("stream ended without terminal status and no task id was captured")
			}
		} else {
			d.finalize(ctx, client, taskID, &text, &errs, sink)
		}
	}

	return driver.Result{Text: text.String(), Errors: errs}, nil
}

// finalize fetches the authoritative task result and merges artifact
// text the stream did not deliver.
func (d *Driver) finalize(ctx context.Context, client Client, taskID a2a.TaskID, text *strings.Builder, errs *[]string, sink driver.Sink) {
	task, err := client.GetTask(ctx, &a2a.TaskQueryParams{ID: taskID})
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("task/get failed: %v", err))
		return
	}
	if appendErr := d.persistTask(ctx, sink, task); appendErr != nil {
		*errs = append(*errs, fmt.Sprintf("persist final task: %v", appendErr))
		return
	}
	for _, artifact := range task.Artifacts {
		mergeText(text, artifactText(artifact))
	}
	if task.Status.State == a2a.TaskStateFailed {
		*errs = append(*errs, taskFailureDetail(task))
	}
}

func (d *Driver) persistTask(ctx context.Context, sink driver.Sink, task *a2a.Task) error {
	payload := map[string]any{
		"task_id": string(task.ID),
		"state":   string(task.Status.State),
	}
	if err := sink.Append(ctx, run.KindStatus, taskText(task), payload); err != nil {
		return fmt.Errorf("persist task event: %w", err)
	}
	return nil
}

// mergeText appends chunk unless the accumulated text already contains
// it, so a finalization result does not duplicate streamed output.
func mergeText(text *strings.Builder, chunk string) {
	if chunk == "" || strings.Contains(text.String(), chunk) {
		return
	}
	text.WriteString(chunk)
}

func buildMessage(prompt content.Content) *a2a.Message {
	var parts []a2a.Part
	for _, p := range prompt.Parts {
		switch p.Kind {
		case content.KindText:
			parts = append(parts, a2a.TextPart{Text: p.Text})
		case content.KindBlob:
			parts = append(parts, a2a.FilePart{File: a2a.FileBytes{
				FileMeta: a2a.FileMeta{MimeType: p.MimeType},
				Bytes:    base64.StdEncoding.EncodeToString(p.Data),
			}})
		case content.KindRef:
			parts = append(parts, a2a.FilePart{File: a2a.FileURI{
				FileMeta: a2a.FileMeta{MimeType: p.MimeType},
				URI:      p.URI,
			}})
		}
	}
	return a2a.NewMessage(a2a.MessageRoleUser, parts...)
}

func textFromParts(parts []a2a.Part) string {
	var out strings.Builder
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok {
			out.WriteString(tp.Text)
		}
	}
	return out.String()
}

func artifactText(artifact *a2a.Artifact) string {
	if artifact == nil {
		return ""
	}
	return textFromParts(artifact.Parts)
}

func taskText(task *a2a.Task) string {
	var out strings.Builder
	for _, artifact := range task.Artifacts {
		out.WriteString(artifactText(artifact))
	}
	return out.String()
}

func textFromStatus(status a2a.TaskStatus) string {
	if status.Message == nil {
		return ""
	}
	return textFromParts(status.Message.Parts)
}

func taskFailureDetail(task *a2a.Task) string {
	if detail := textFromStatus(task.Status); detail != "" {
		return "remote task failed: " + detail
	}
	return "remote task failed"
}
