package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSink queries a structured-log service over JSON/HTTP. The filter
// expression follows the service's query language: resource identity,
// a severity floor, a timestamp range, and a session id matched across
// the field names agents commonly log it under.
type HTTPSink struct {
	BaseURL string
	HTTP    *http.Client
}

var sessionFieldNames = []string{"sessionId", "session_id", "session"}

func (s *HTTPSink) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

// FilterExpression renders a Filter into the sink's query language.
func FilterExpression(f Filter) string {
	clauses := []string{
		fmt.Sprintf("resource.labels.deployment_id=%q", f.Resource),
		fmt.Sprintf("severity>=%s", f.MinSeverity),
		fmt.Sprintf("timestamp>=%q", f.Start.UTC().Format(time.RFC3339)),
		fmt.Sprintf("timestamp<=%q", f.End.UTC().Format(time.RFC3339)),
	}
	if f.SessionID != "" {
		var matches []string
		for _, field := range sessionFieldNames {
			matches = append(matches, fmt.Sprintf("jsonPayload.%s=%q", field, f.SessionID))
		}
		clauses = append(clauses, "("+strings.Join(matches, " OR ")+")")
	}
	return strings.Join(clauses, " AND ")
}

func (s *HTTPSink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	body, err := json.Marshal(map[string]any{
		"filter":    FilterExpression(f),
		"order_by":  "timestamp desc",
		"page_size": maxEntries,
	})
	if err != nil {
		return nil, err
	}
	url := strings.TrimSuffix(s.BaseURL, "/") + "/v1/entries:query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("query log sink: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var payload struct {
		Entries []Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode log entries: %w", err)
	}
	return payload.Entries, nil
}
