package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flitsinc/agent-relay/internal/api"
	"github.com/flitsinc/agent-relay/internal/config"
	"github.com/flitsinc/agent-relay/internal/content"
	"github.com/flitsinc/agent-relay/internal/diag"
	"github.com/flitsinc/agent-relay/internal/driver/local"
	"github.com/flitsinc/agent-relay/internal/driver/managed"
	"github.com/flitsinc/agent-relay/internal/driver/remote"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/queue"
	"github.com/flitsinc/agent-relay/internal/run"
	"github.com/flitsinc/agent-relay/internal/runner"
	"github.com/flitsinc/agent-relay/internal/state"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("create data dir", "error", err)
		os.Exit(1)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := state.NewStore(db)
	workQueue := queue.New(db)
	events := run.NewLog(db)

	executor := &runner.Executor{
		Store:   store,
		Events:  events,
		Content: &content.Builder{Fetcher: &content.HTTPFetcher{}, Log: log},
		Remote:  remote.New(nil, log),
		Log:     log,
	}
	if cfg.ManagedBaseURL != "" {
		executor.Managed = managed.New(&managed.HTTPClient{BaseURL: cfg.ManagedBaseURL}, log)
	}
	if cfg.LogSinkURL != "" {
		executor.Diag = diag.NewCorrelator(&diag.HTTPSink{BaseURL: cfg.LogSinkURL}, log)
	}
	localDriver := false
	if cfg.GenAIAPIKey != "" {
		drv, err := local.New(context.Background(), local.Config{
			APIKey:       cfg.GenAIAPIKey,
			DefaultModel: cfg.DefaultModel,
		}, log)
		if err != nil {
			log.Warn("local model driver disabled", "error", err)
		} else {
			executor.Local = drv
			localDriver = true
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers := &queue.Workers{
		Queue:     workQueue,
		Processor: executor,
		Log:       log,
		Count:     cfg.Workers,
	}
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		workers.Start(workerCtx)
	}()

	apiServer := &api.Server{
		Store:     store,
		Queue:     workQueue,
		Events:    events,
		StartedAt: time.Now().UTC(),
		Log:       log,
		Info: api.DiagnosticsInfo{
			HTTPAddr:       cfg.HTTPAddr,
			DataDir:        cfg.DataDir,
			DBPath:         cfg.DBPath,
			Workers:        cfg.Workers,
			ManagedBaseURL: cfg.ManagedBaseURL,
			LogSinkURL:     cfg.LogSinkURL,
			DefaultModel:   cfg.DefaultModel,
			LocalModel:     localDriver,
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("relayd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()

	select {
	case <-workersDone:
	case <-ctx.Done():
		log.Warn("workers did not drain in time")
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
	}))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Hijack/Flush on the
// underlying writer, which the websocket upgrade needs.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
	})
}
