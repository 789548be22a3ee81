package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/agent-relay/internal/run"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleRunWS live-tails the event log of one run over a websocket.
// Persisted history is served by the events endpoint; this stream
// carries only events appended while the socket is open.
func (s *Server) handleRunWS(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("event log"))
		return
	}
	messageID := r.URL.Query().Get("message")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, errNotFound("message parameter"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamRunEvents(ctx, s.Events, messageID, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamRunEvents(ctx context.Context, log *run.Log, messageID string, writer wsWriter) error {
	sub := log.Subscribe(ctx, messageID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
