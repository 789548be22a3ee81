package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr       string `json:"http_addr"`
	DataDir        string `json:"data_dir"`
	DBPath         string `json:"db_path"`
	Workers        int    `json:"workers"`
	ManagedBaseURL string `json:"managed_base_url,omitempty"`
	LogSinkURL     string `json:"log_sink_url,omitempty"`
	DefaultModel   string `json:"default_model,omitempty"`
	LocalModel     bool   `json:"local_model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Queue         map[string]any  `json:"queue"`
	Events        map[string]any  `json:"events"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Queue:         map[string]any{},
		Events:        map[string]any{},
	}
	if s.Queue != nil {
		if depth, err := s.Queue.Depth(r.Context()); err == nil {
			resp.Queue["depth"] = depth
		}
	}
	if s.Events != nil {
		resp.Events["subscribers"] = s.Events.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
