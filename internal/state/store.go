package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/agent-relay/internal/idgen"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidRunTransition = errors.New("invalid run status transition")
)

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Store) CreateChat(ctx context.Context) (Chat, error) {
	id := s.newIDFn()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO chats (id, last_interaction_at, created_at) VALUES (?, ?, ?)`,
		id, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return Chat{ID: id, LastInteractionAt: now, CreatedAt: now}, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var chat Chat
	var lastStr, createdStr string
	row := s.db.QueryRowContext(ctx, `SELECT id, last_interaction_at, created_at FROM chats WHERE id = ?`, chatID)
	if err := row.Scan(&chat.ID, &lastStr, &createdStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return Chat{}, fmt.Errorf("load chat: %w", err)
	}
	chat.LastInteractionAt, _ = time.Parse(time.RFC3339Nano, lastStr)
	chat.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return chat, nil
}

// TouchChat bumps the last-interaction timestamp. Called by intake only.
func (s *Store) TouchChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET last_interaction_at = ? WHERE id = ?`,
		s.now().Format(time.RFC3339Nano), chatID)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch chat rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// CreateMessage inserts a message. When a parent is named it must exist
// in the same chat; the parent/child relationship is stored only on the
// child side so the back-reference set can never drift.
func (s *Store) CreateMessage(ctx context.Context, chatID, parentID, participant string, parts []Part) (Message, error) {
	if strings.TrimSpace(participant) == "" {
		return Message{}, fmt.Errorf("participant is required")
	}
	if parts == nil {
		parts = []Part{}
	}
	partsJSON, err := json.Marshal(parts)
	if err != nil {
		return Message{}, fmt.Errorf("encode parts: %w", err)
	}

	id := s.newIDFn()
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin message tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if parentID != "" {
		var parentChat string
		row := tx.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, parentID)
		if err := row.Scan(&parentChat); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Message{}, fmt.Errorf("parent message %s: %w", parentID, ErrNotFound)
			}
			return Message{}, fmt.Errorf("load parent message: %w", err)
		}
		if parentChat != chatID {
			return Message{}, fmt.Errorf("parent message %s belongs to another chat", parentID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, parent_id, participant, parts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, chatID, nullString(parentID), participant, string(partsJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}

	return Message{
		ID:          id,
		ChatID:      chatID,
		ParentID:    parentID,
		Participant: participant,
		Parts:       parts,
		CreatedAt:   now,
	}, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, parent_id, participant, parts, created_at
		FROM messages WHERE id = ?
	`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return Message{}, fmt.Errorf("load message: %w", err)
	}

	childIDs, err := s.childIDs(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	msg.ChildIDs = childIDs
	return msg, nil
}

// ListMessages returns every message of a chat in creation order with
// child back-references populated.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, parent_id, participant, parts, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	byParent := map[string][]string{}
	for _, msg := range out {
		if msg.ParentID != "" {
			byParent[msg.ParentID] = append(byParent[msg.ParentID], msg.ID)
		}
	}
	for i := range out {
		out[i].ChildIDs = byParent[out[i].ID]
	}
	return out, nil
}

func (s *Store) childIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE parent_id = ? ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var msg Message
	var parentStr sql.NullString
	var partsStr, createdStr string
	if err := row.Scan(&msg.ID, &msg.ChatID, &parentStr, &msg.Participant, &partsStr, &createdStr); err != nil {
		return Message{}, err
	}
	if parentStr.Valid {
		msg.ParentID = parentStr.String
	}
	_ = json.Unmarshal([]byte(partsStr), &msg.Parts)
	msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return msg, nil
}

// CreateRun attaches a pending run to an assistant message.
func (s *Store) CreateRun(ctx context.Context, messageID, inputMessage string) (Run, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (message_id, status, input_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, RunPending, inputMessage, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return Run{MessageID: messageID, Status: RunPending, InputMessage: inputMessage, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetRun(ctx context.Context, messageID string) (Run, error) {
	var run Run
	var status, createdStr, updatedStr string
	var inputStr, finalStr, detailsStr, startedStr, completedStr sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, status, input_message, final_text, error_details, started_at, completed_at, created_at, updated_at
		FROM runs WHERE message_id = ?
	`, messageID)
	if err := row.Scan(&run.MessageID, &status, &inputStr, &finalStr, &detailsStr, &startedStr, &completedStr, &createdStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("run %s: %w", messageID, ErrNotFound)
		}
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	run.Status = RunStatus(status)
	run.InputMessage = inputStr.String
	run.FinalText = finalStr.String
	if detailsStr.Valid && detailsStr.String != "" {
		_ = json.Unmarshal([]byte(detailsStr.String), &run.ErrorDetails)
	}
	if startedStr.Valid && startedStr.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, startedStr.String)
		run.StartedAt = &t
	}
	if completedStr.Valid && completedStr.String != "" {
		t, _ := time.Parse(time.RFC3339Nano, completedStr.String)
		run.CompletedAt = &t
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return run, nil
}

// MarkRunRunning transitions pending -> running, write-before-work. The
// guarded UPDATE doubles as the redelivery guard: any run not in pending,
// including one already running under another worker, is refused with a
// RunTransitionError.
func (s *Store) MarkRunRunning(ctx context.Context, messageID string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?, updated_at = ? WHERE message_id = ? AND status = ?
	`, RunRunning, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), messageID, RunPending)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.currentRunStatus(ctx, messageID)
		if err != nil {
			return err
		}
		return &RunTransitionError{MessageID: messageID, From: current, To: RunRunning}
	}
	return nil
}

// CompleteRun flips a running run to completed or error, writing the
// final text, error details, and completion timestamp with the status in
// a single statement.
func (s *Store) CompleteRun(ctx context.Context, messageID string, status RunStatus, finalText string, details []string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	detailsJSON, err := encodeJSON(details)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, final_text = ?, error_details = ?, completed_at = ?, updated_at = ?
		WHERE message_id = ? AND status = ?
	`, status, finalText, detailsJSON, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), messageID, RunRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.currentRunStatus(ctx, messageID)
		if err != nil {
			return err
		}
		return &RunTransitionError{MessageID: messageID, From: current, To: status}
	}
	return nil
}

func (s *Store) currentRunStatus(ctx context.Context, messageID string) (RunStatus, error) {
	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE message_id = ?`, messageID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("run %s: %w", messageID, ErrNotFound)
		}
		return "", fmt.Errorf("load run status: %w", err)
	}
	return RunStatus(status), nil
}

func (s *Store) CreateParticipant(ctx context.Context, p Participant) (Participant, error) {
	if err := idgen.ValidateCustomID(p.ID); err != nil {
		return Participant{}, err
	}
	if p.Kind != "agent" && p.Kind != "model" {
		return Participant{}, fmt.Errorf("participant kind must be agent or model")
	}
	p.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, kind, platform, url, streaming, deployment_id, model_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Kind, nullString(p.Platform), nullString(p.URL), boolInt(p.Streaming),
		nullString(p.DeploymentID), nullString(p.ModelName), p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Participant{}, fmt.Errorf("insert participant: %w", err)
	}
	return p, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (Participant, error) {
	var p Participant
	var platform, url, deployment, model sql.NullString
	var streaming int
	var createdStr string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, platform, url, streaming, deployment_id, model_name, created_at
		FROM participants WHERE id = ?
	`, id)
	if err := row.Scan(&p.ID, &p.Kind, &platform, &url, &streaming, &deployment, &model, &createdStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Participant{}, fmt.Errorf("participant %s: %w", id, ErrNotFound)
		}
		return Participant{}, fmt.Errorf("load participant: %w", err)
	}
	p.Platform = platform.String
	p.URL = url.String
	p.Streaming = streaming != 0
	p.DeploymentID = deployment.String
	p.ModelName = model.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context, limit int) ([]Participant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, platform, url, streaming, deployment_id, model_name, created_at
		FROM participants ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		var platform, url, deployment, model sql.NullString
		var streaming int
		var createdStr string
		if err := rows.Scan(&p.ID, &p.Kind, &platform, &url, &streaming, &deployment, &model, &createdStr); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Platform = platform.String
		p.URL = url.String
		p.Streaming = streaming != 0
		p.DeploymentID = deployment.String
		p.ModelName = model.String
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}
