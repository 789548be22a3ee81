package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/queue"
	"github.com/flitsinc/agent-relay/internal/state"
)

type intakeRequest struct {
	Parts    []state.Part `json:"parts"`
	AgentID  string       `json:"agent_id"`
	ModelID  string       `json:"model_id"`
	UserID   string       `json:"user_id"`
	ParentID string       `json:"parent_id"`
}

type intakeResponse struct {
	ChatID             string `json:"chat_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	WorkItemID         string `json:"work_item_id"`
}

// handleIntake is the synchronous entry point for a new run: it creates
// the user message and the placeholder assistant message with a pending
// run, enqueues a work item, and returns a job handle. The run itself
// happens on a queue worker.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, chatID string) {
	var req intakeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one part is required"))
		return
	}
	if req.AgentID != "" && req.ModelID != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agent_id and model_id are mutually exclusive"))
		return
	}
	for _, part := range req.Parts {
		switch part.Kind {
		case "text":
		case "ref":
			if part.URI == "" {
				writeError(w, http.StatusBadRequest, fmt.Errorf("ref parts require a uri"))
				return
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown part kind %q", part.Kind))
			return
		}
	}

	ctx := r.Context()
	if _, err := s.Store.GetChat(ctx, chatID); err != nil {
		writeStoreError(w, err)
		return
	}

	userMsg, err := s.Store.CreateMessage(ctx, chatID, req.ParentID, state.UserParticipant(req.UserID), req.Parts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	assistantTag := state.AgentParticipant(req.AgentID)
	if req.ModelID != "" {
		assistantTag = state.ModelParticipant(req.ModelID)
	}
	assistantMsg, err := s.Store.CreateMessage(ctx, chatID, userMsg.ID, assistantTag, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := s.Store.CreateRun(ctx, assistantMsg.ID, inputText(req.Parts)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.Store.TouchChat(ctx, chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	item, err := s.Queue.Enqueue(ctx, queue.Item{
		ChatID:    chatID,
		MessageID: assistantMsg.ID,
		AgentID:   req.AgentID,
		ModelID:   req.ModelID,
		ADKUserID: req.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.MessagesAccepted.Inc()
	s.Log.Info("message accepted", "chat", chatID, "assistant_message", assistantMsg.ID, "work_item", item.ID)

	writeJSON(w, http.StatusAccepted, intakeResponse{
		ChatID:             chatID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		WorkItemID:         item.ID,
	})
}

// inputText is the audit copy of the prompt stored on the run record.
func inputText(parts []state.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Kind != "text" || part.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}
