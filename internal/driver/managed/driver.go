// Package managed drives runs against a remotely deployed agent on the
// managed execution service: session retrieve-or-create followed by a
// streaming query, with every streamed event persisted and inspected
// for text and error signals.
package managed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/flitsinc/agent-relay/internal/driver"
	"github.com/flitsinc/agent-relay/internal/run"
)

type Driver struct {
	Client Client
	Log    *slog.Logger

	sessions singleflight.Group
}

func New(client Client, log *slog.Logger) *Driver {
	return &Driver{Client: client, Log: log}
}

func (d *Driver) Execute(ctx context.Context, req driver.Request, sink driver.Sink) (driver.Result, error) {
	deploymentID := req.Participant.DeploymentID
	if deploymentID == "" {
		return driver.Result{Errors: []string{"managed agent has no deployment id"}}, nil
	}

	session, err := d.ensureSession(ctx, deploymentID, req.UserID, req.SessionID)
	if err != nil {
		// No session means no query attempt.
		return driver.Result{Errors: []string{fmt.Sprintf("session setup failed: %v", err)}}, nil
	}

	var text strings.Builder
	var errs []string

	for event, err := range d.Client.StreamQuery(ctx, Query{
		DeploymentID: deploymentID,
		UserID:       req.UserID,
		SessionID:    session.ID,
		Prompt:       req.Prompt.Text(),
	}) {
		if err != nil {
			// A broken stream transport becomes one error entry; partial
			// output gathered so far is kept.
			errs = append(errs, fmt.Sprintf("query stream failed: %v", err))
			break
		}
		if appendErr := sink.Append(ctx, run.KindRaw, event.Text(), event); appendErr != nil {
			return driver.Result{Text: text.String(), Errors: errs}, fmt.Errorf("persist query event: %w", appendErr)
		}
		text.WriteString(event.Text())
		if detail := event.ErrorDetail(); detail != "" {
			errs = append(errs, detail)
		}
	}

	return driver.Result{Text: text.String(), Errors: errs}, nil
}

// ensureSession retrieves the session or creates it once. Concurrent
// runs asking for the same logical session share a single create.
func (d *Driver) ensureSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error) {
	key := deploymentID + "|" + userID + "|" + sessionID
	result, err, _ := d.sessions.Do(key, func() (any, error) {
		session, err := d.Client.GetSession(ctx, deploymentID, userID, sessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return Session{}, err
		}
		if d.Log != nil {
			d.Log.Debug("creating managed session", "deployment", deploymentID, "user", userID, "session", sessionID)
		}
		return d.Client.CreateSession(ctx, deploymentID, userID, sessionID)
	})
	if err != nil {
		return Session{}, err
	}
	return result.(Session), nil
}
