package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Log is the append-only run event store. Events are never overwritten;
// a retried task may append duplicates but can never corrupt prior
// entries. Live subscribers receive each event as it lands.
type Log struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	messageID string
	ch        chan Event
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db, subs: map[string]*subscriber{}}
}

// Append persists one event for the given run and broadcasts it. The
// sequence number is derived from the current maximum for the run, so
// appends from a single writer are strictly ordered.
func (l *Log) Append(ctx context.Context, messageID string, kind Kind, text string, payload map[string]any) (Event, error) {
	if strings.TrimSpace(messageID) == "" {
		return Event{}, fmt.Errorf("message id is required")
	}
	if kind == "" {
		return Event{}, fmt.Errorf("event kind is required")
	}

	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO run_events (id, message_id, seq, kind, text, payload, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE message_id = ?), ?, ?, ?, ?)
	`, id, messageID, messageID, string(kind), text, payloadJSON, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert run event: %w", err)
	}

	var seq int64
	row := l.db.QueryRowContext(ctx, `SELECT seq FROM run_events WHERE id = ?`, id)
	if err := row.Scan(&seq); err != nil {
		return Event{}, fmt.Errorf("read run event seq: %w", err)
	}

	event := Event{
		ID:        id,
		MessageID: messageID,
		Seq:       seq,
		Kind:      kind,
		Text:      text,
		Payload:   payload,
		CreatedAt: createdAt,
	}
	l.broadcast(event)
	return event, nil
}

// List returns a run's events in sequence order.
func (l *Log) List(ctx context.Context, messageID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, message_id, seq, kind, text, payload, created_at
		FROM run_events WHERE message_id = ? ORDER BY seq ASC LIMIT ?
	`, messageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind, createdStr string
		var text, payloadStr sql.NullString
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.Seq, &kind, &text, &payloadStr, &createdStr); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Kind = Kind(kind)
		ev.Text = text.String
		ev.Payload = decodeJSONMap(payloadStr.String)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted events for a run.
func (l *Log) Count(ctx context.Context, messageID string) (int64, error) {
	var n int64
	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_events WHERE message_id = ?`, messageID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count run events: %w", err)
	}
	return n, nil
}

// Subscribe delivers future events for one run until ctx is done.
func (l *Log) Subscribe(ctx context.Context, messageID string) <-chan Event {
	sub := &subscriber{
		messageID: messageID,
		ch:        make(chan Event, 64),
	}
	key := ulid.Make().String()

	l.mu.Lock()
	l.subs[key] = sub
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

func (l *Log) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

func (l *Log) broadcast(event Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		if sub.messageID != event.MessageID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: drop rather than block the writer.
		}
	}
}

func encodeJSON(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
