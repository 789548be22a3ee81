package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/agent-relay/internal/idgen"
)

// Item statuses. Delivery is at-least-once: a claimed item that is
// never marked done can be released back to the queue.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
)

// Item is the immutable unit of work created by intake: one run for
// one assistant message.
type Item struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	ADKUserID  string    `json:"adk_user_id"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New("work item not found")

type Queue struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Queue)

func WithClock(nowFn func() time.Time) Option {
	return func(q *Queue) {
		if nowFn != nil {
			q.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(q *Queue) {
		if newIDFn != nil {
			q.newIDFn = newIDFn
		}
	}
}

func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if strings.TrimSpace(item.ChatID) == "" {
		return Item{}, fmt.Errorf("chat id is required")
	}
	if strings.TrimSpace(item.MessageID) == "" {
		return Item{}, fmt.Errorf("message id is required")
	}
	item.ID = q.newIDFn()
	item.Status = StatusQueued
	item.Attempts = 0
	now := q.nowFn().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (id, chat_id, message_id, agent_id, model_id, adk_user_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ChatID, item.MessageID, nullString(item.AgentID), nullString(item.ModelID),
		nullString(item.ADKUserID), item.Status, item.Attempts,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Item{}, fmt.Errorf("insert work item: %w", err)
	}
	return item, nil
}

// Claim moves up to limit queued items to claimed and returns them,
// oldest first. The claim is a guarded transition inside a transaction
// so two workers never take the same item.
func (q *Queue) Claim(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, chat_id, message_id, agent_id, model_id, adk_user_id, status, attempts, created_at, updated_at
		FROM work_items
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued items: %w", err)
	}

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	rows.Close()

	now := q.nowFn().UTC()
	claimed := items[:0]
	for _, item := range items {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?
		`, StatusClaimed, now.Format(time.RFC3339Nano), item.ID, StatusQueued)
		if err != nil {
			return nil, fmt.Errorf("claim work item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}
		item.Status = StatusClaimed
		item.Attempts++
		item.UpdatedAt = now
		claimed = append(claimed, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// Done marks a claimed item finished. Finishing is the only deletion
// surrogate; items are never removed.
func (q *Queue) Done(ctx context.Context, itemID string) error {
	return q.setStatus(ctx, itemID, StatusClaimed, StatusDone)
}

// Release puts a claimed item back on the queue for redelivery.
func (q *Queue) Release(ctx context.Context, itemID string) error {
	return q.setStatus(ctx, itemID, StatusClaimed, StatusQueued)
}

func (q *Queue) setStatus(ctx context.Context, itemID string, from, to Status) error {
	now := q.nowFn().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, now.Format(time.RFC3339Nano), itemID, from)
	if err != nil {
		return fmt.Errorf("update work item status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("work item rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("work item %s is not %s: %w", itemID, from, ErrNotFound)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, itemID string) (Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, chat_id, message_id, agent_id, model_id, adk_user_id, status, attempts, created_at, updated_at
		FROM work_items WHERE id = ?
	`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, fmt.Errorf("work item %s: %w", itemID, ErrNotFound)
		}
		return Item{}, fmt.Errorf("load work item: %w", err)
	}
	return item, nil
}

// Depth returns the number of items waiting in the queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE status = ?`, StatusQueued)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued items: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var agentID, modelID, userID sql.NullString
	var status, createdStr, updatedStr string
	if err := row.Scan(&item.ID, &item.ChatID, &item.MessageID, &agentID, &modelID, &userID, &status, &item.Attempts, &createdStr, &updatedStr); err != nil {
		return Item{}, err
	}
	item.AgentID = agentID.String
	item.ModelID = modelID.String
	item.ADKUserID = userID.String
	item.Status = Status(status)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return item, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
