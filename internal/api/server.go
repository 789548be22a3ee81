package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/agent-relay/internal/queue"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/state"
)

type Server struct {
	Store     *state.Store
	Queue     *queue.Queue
	Events    *run.Log
	StartedAt time.Time
	Info      DiagnosticsInfo
	Log       *slog.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chats", s.handleChats)
	mux.HandleFunc("/api/chats/", s.handleChatItem)
	mux.HandleFunc("/api/messages/", s.handleMessageItem)
	mux.HandleFunc("/api/participants", s.handleParticipants)
	mux.HandleFunc("/api/participants/", s.handleParticipantItem)
	mux.HandleFunc("/api/runs/ws", s.handleRunWS)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	chat, err := s.Store.CreateChat(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleChatItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("chat"))
		return
	}
	chatID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		chat, err := s.Store.GetChat(r.Context(), chatID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chat)
		return
	}

	if segments[1] != "messages" {
		writeError(w, http.StatusNotFound, errNotFound("chat action"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.Store.ListMessages(r.Context(), chatID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		s.handleIntake(w, r, chatID)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleMessageItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("message"))
		return
	}
	messageID := segments[0]
	if len(segments) == 1 {
		msg, err := s.Store.GetMessage(r.Context(), messageID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp := map[string]any{"message": msg}
		if runRec, err := s.Store.GetRun(r.Context(), messageID); err == nil {
			resp["run"] = runRec
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if segments[1] != "events" {
		writeError(w, http.StatusNotFound, errNotFound("message action"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 200)
	events, err := s.Events.List(r.Context(), messageID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Store.ListParticipants(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var p state.Participant
		if err := decodeJSON(r.Body, &p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := s.Store.CreateParticipant(r.Context(), p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleParticipantItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/participants/"), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, errNotFound("participant"))
		return
	}
	p, err := s.Store.GetParticipant(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
