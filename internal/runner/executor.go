// Package runner drives one queued task from pending to a terminal
// state: reconstruct history, build content, dispatch to the right
// backend driver, persist incremental events, and write the final
// status. Whatever the backend does, a processed run always ends
// completed or error; it is never left running.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/diag"
	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/history"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/queue"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/state"
)

// Backend labels used for routing and metrics.
const (
	backendManaged = "managed_service"
	backendRemote  = "remote_protocol"
	backendLocal   = "local_model"
	backendNone    = "none"
)

const noRouteDetail = "No valid execution path"

type Executor struct {
	Store   *state.Store
	Events  *run.Log
	Content *content.Builder
	Managed driver.Driver
	Remote  driver.Driver
	Local   driver.Driver
	Diag    *diag.Correlator
	Log     *slog.Logger
}

// Process consumes one work item. A nil return acknowledges the item;
// an error return signals the queue layer that the item was not
// processed at all and may be redelivered.
func (e *Executor) Process(ctx context.Context, item queue.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Last-resort safety net for programming errors: the run
			// must not stay stuck in running.
			e.Log.Error("run panicked", "message", item.MessageID, "panic", r)
			e.failRun(ctx, item.MessageID, fmt.Sprintf("internal failure: %v", r))
			err = nil
		}
	}()

	msg, err := e.Store.GetMessage(ctx, item.MessageID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			// Fatal precondition: nothing to attach a result to.
			e.Log.Error("assistant message missing, dropping task", "message", item.MessageID)
			return nil
		}
		return fmt.Errorf("load assistant message: %w", err)
	}

	// Write-before-work: observers always see progress.
	if err := e.Store.MarkRunRunning(ctx, item.MessageID); err != nil {
		var transition *state.RunTransitionError
		if errors.As(err, &transition) && (transition.From.Terminal() || transition.From == state.RunRunning) {
			// Duplicate delivery: the run is finished or another worker
			// holds it. Acknowledge so the driver never executes twice.
			e.Log.Info("skipping redelivered task", "message", item.MessageID, "status", transition.From)
			return nil
		}
		return fmt.Errorf("mark run running: %w", err)
	}
	started := time.Now().UTC()

	msgs, err := e.Store.ListMessages(ctx, msg.ChatID)
	if err != nil {
		e.finish(ctx, item, backendNone, started, driver.Result{
			Errors: []string{fmt.Sprintf("load chat history: %v", err)},
		})
		return nil
	}
	hist := history.Build(msgs, msg.ParentID)
	prompt := e.Content.Build(ctx, hist)

	backend, drv, participant, routeErr := e.route(ctx, item)
	if routeErr != "" {
		e.finish(ctx, item, backend, started, driver.Result{Errors: []string{routeErr}})
		return nil
	}

	metrics.RunsStarted.WithLabelValues(backend).Inc()

	req := driver.Request{
		MessageID:   item.MessageID,
		Prompt:      prompt,
		UserID:      item.ADKUserID,
		SessionID:   msg.ChatID,
		Participant: participant,
	}
	sink := driver.SinkFunc(func(ctx context.Context, kind run.Kind, text string, payload map[string]any) error {
		if _, err := e.Events.Append(ctx, item.MessageID, kind, text, payload); err != nil {
			return err
		}
		metrics.RunEventsAppended.Inc()
		return nil
	})

	res, execErr := drv.Execute(ctx, req, sink)
	metrics.DriverDuration.WithLabelValues(backend).Observe(time.Since(started).Seconds())
	if execErr != nil {
		// Persistence failed mid-run; the run still terminates.
		res.Errors = append(res.Errors, fmt.Sprintf("event persistence failed: %v", execErr))
	}

	e.finish(ctx, item, backend, started, res)
	return nil
}

// Abandon force-terminates the run when the queue gives up on the item
// after repeated delivery failures, so the message never stays pending.
func (e *Executor) Abandon(ctx context.Context, item queue.Item, cause error) {
	e.Log.Error("run abandoned", "message", item.MessageID, "error", cause)
	e.failRun(ctx, item.MessageID, fmt.Sprintf("task abandoned after repeated failures: %v", cause))
}

// route picks the backend driver for the item. An empty detail string
// means a driver was found.
func (e *Executor) route(ctx context.Context, item queue.Item) (string, driver.Driver, state.Participant, string) {
	if item.AgentID != "" {
		participant, err := e.Store.GetParticipant(ctx, item.AgentID)
		if err != nil {
			return backendNone, nil, state.Participant{}, fmt.Sprintf("agent %s could not be resolved: %v", item.AgentID, err)
		}
		switch participant.Platform {
		case state.PlatformRemoteProtocol:
			if e.Remote == nil {
				return backendRemote, nil, participant, "remote protocol driver is not configured"
			}
			return backendRemote, e.Remote, participant, ""
		case state.PlatformManagedService:
			if e.Managed == nil {
				return backendManaged, nil, participant, "managed service driver is not configured"
			}
			return backendManaged, e.Managed, participant, ""
		default:
			return backendNone, nil, participant, noRouteDetail
		}
	}
	if item.ModelID != "" {
		if e.Local == nil {
			return backendLocal, nil, state.Participant{}, "local model driver is not configured"
		}
		participant := state.Participant{ID: item.ModelID, Kind: "model", ModelName: item.ModelID}
		return backendLocal, e.Local, participant, ""
	}
	return backendNone, nil, state.Participant{}, noRouteDetail
}

// finish computes the terminal status from the driver result, gathers
// diagnostics for failed or silent runs, and writes everything with the
// status flip.
func (e *Executor) finish(ctx context.Context, item queue.Item, backend string, started time.Time, res driver.Result) {
	status := state.RunCompleted
	if len(res.Errors) > 0 {
		status = state.RunError
	}

	details := res.Errors
	if lines := e.correlate(ctx, item, backend, started, res); len(lines) > 0 {
		details = append(details, lines...)
	}

	if err := e.Store.CompleteRun(ctx, item.MessageID, status, res.Text, details); err != nil {
		var transition *state.RunTransitionError
		if errors.As(err, &transition) {
			e.Log.Warn("run already finished by another writer", "message", item.MessageID, "status", transition.From)
			return
		}
		e.Log.Error("complete run", "message", item.MessageID, "error", err)
		return
	}
	metrics.RunsFinished.WithLabelValues(backend, string(status)).Inc()
	e.Log.Info("run finished", "message", item.MessageID, "backend", backend, "status", status, "errors", len(details))
}

// correlate pulls log-sink entries when the run failed or produced
// nothing. Diagnostics never change the run status.
func (e *Executor) correlate(ctx context.Context, item queue.Item, backend string, started time.Time, res driver.Result) []string {
	if e.Diag == nil || backend != backendManaged {
		return nil
	}
	silent := res.Text == ""
	if silent {
		if n, err := e.Events.Count(ctx, item.MessageID); err == nil && n > 0 {
			silent = false
		}
	}
	if len(res.Errors) == 0 && !silent {
		return nil
	}
	participant, err := e.Store.GetParticipant(ctx, item.AgentID)
	if err != nil {
		return nil
	}
	return e.Diag.Correlate(ctx, participant.DeploymentID, item.ChatID, started)
}

// failRun force-terminates a run after a panic, transitioning through
// running first if the fault hit before the run was started.
func (e *Executor) failRun(ctx context.Context, messageID, detail string) {
	ctx = context.WithoutCancel(ctx)
	err := e.Store.CompleteRun(ctx, messageID, state.RunError, "", []string{detail})
	if err == nil {
		return
	}
	var transition *state.RunTransitionError
	if errors.As(err, &transition) && transition.From == state.RunPending {
		if err := e.Store.MarkRunRunning(ctx, messageID); err == nil {
			err = e.Store.CompleteRun(ctx, messageID, state.RunError, "", []string{detail})
		}
	}
	if err != nil {
		e.Log.Error("force-terminate run", "message", messageID, "error", err)
	}
}
