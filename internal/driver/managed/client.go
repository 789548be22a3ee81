package managed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
)

// ErrSessionNotFound is returned by GetSession when no session exists
// for the given key.
var ErrSessionNotFound = errors.New("session not found")

// Session is a managed-service conversation session.
type Session struct {
	ID string `json:"id"`
}

// Event is one structured event streamed from a deployed agent. The
// shape varies per agent, so the raw object is kept and inspected.
type Event map[string]any

// Text returns the extractable output text of the event: the top-level
// text field plus any text carried in content parts.
func (e Event) Text() string {
	var out strings.Builder
	if s, ok := e["text"].(string); ok {
		out.WriteString(s)
	}
	if content, ok := e["content"].(map[string]any); ok {
		if parts, ok := content["parts"].([]any); ok {
			for _, raw := range parts {
				if part, ok := raw.(map[string]any); ok {
					if s, ok := part["text"].(string); ok {
						out.WriteString(s)
					}
				}
			}
		}
	}
	return out.String()
}

// ErrorDetail returns the embedded error signal, if any.
func (e Event) ErrorDetail() string {
	code, _ := e["error_code"].(string)
	msg, _ := e["error_message"].(string)
	switch {
	case code != "" && msg != "":
		return fmt.Sprintf("%s: %s", code, msg)
	case msg != "":
		return msg
	case code != "":
		return code
	default:
		return ""
	}
}

// Query is one streaming query against a deployed agent.
type Query struct {
	DeploymentID string
	UserID       string
	SessionID    string
	Prompt       string
}

// Client is the managed execution service boundary: session lifecycle
// plus streaming query against a remote long-running agent deployment.
type Client interface {
	GetSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error)
	CreateSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error)
	StreamQuery(ctx context.Context, q Query) iter.Seq2[Event, error]
}

// HTTPClient talks to the managed service over JSON/HTTP. Streamed
// query events arrive as newline-delimited JSON objects.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *HTTPClient) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *HTTPClient) sessionURL(deploymentID, userID, sessionID string) string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	path := fmt.Sprintf("/v1/deployments/%s/users/%s/sessions", url.PathEscape(deploymentID), url.PathEscape(userID))
	if sessionID != "" {
		path += "/" + url.PathEscape(sessionID)
	}
	return base + path
}

func (c *HTTPClient) GetSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(deploymentID, userID, sessionID), nil)
	if err != nil {
		return Session{}, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Session{}, ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Session{}, httpStatusError("get session", resp)
	}
	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, deploymentID, userID, sessionID string) (Session, error) {
	body, err := json.Marshal(map[string]any{"session_id": sessionID})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(deploymentID, userID, ""), bytes.NewReader(body))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return Session{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Session{}, httpStatusError("create session", resp)
	}
	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (c *HTTPClient) StreamQuery(ctx context.Context, q Query) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		body, err := json.Marshal(map[string]any{
			"user_id":    q.UserID,
			"session_id": q.SessionID,
			"prompt":     q.Prompt,
		})
		if err != nil {
			yield(nil, err)
			return
		}
		base := strings.TrimSuffix(c.BaseURL, "/")
		queryURL := fmt.Sprintf("%s/v1/deployments/%s/query", base, url.PathEscape(q.DeploymentID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL, bytes.NewReader(body))
		if err != nil {
			yield(nil, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client().Do(req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield(nil, httpStatusError("stream query", resp))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var event Event
			if err := json.Unmarshal(line, &event); err != nil {
				if !yield(nil, fmt.Errorf("decode query event: %w", err)) {
					return
				}
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("read query stream: %w", err))
		}
	}
}

func httpStatusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		return fmt.Errorf("%s: status %d", op, resp.StatusCode)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, detail)
}
