package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/monoterm/internal/history"
	"github.com/loppo-llc/monoterm/internal/metrics"
	"github.com/loppo-llc/monoterm/internal/notify"
	"github.com/loppo-llc/monoterm/internal/session"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultSendQueue    = 256
)

// HistoryReader lists recorded sessions.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

type Server struct {
	sessions *session.Registry
	history  HistoryReader
	notify   *notify.Manager
	metrics  *metrics.Metrics
	logger   *slog.Logger
	httpSrv  *http.Server
	version  string

	pingInterval time.Duration
	sendQueue    int
}

type Config struct {
	Addr          string
	Logger        *slog.Logger
	Version       string
	Registry      *session.Registry
	History       HistoryReader
	NotifyManager *notify.Manager
	Metrics       *metrics.Metrics
	PingInterval  time.Duration
	SendQueue     int
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sessions:     cfg.Registry,
		history:      cfg.History,
		notify:       cfg.NotifyManager,
		metrics:      cfg.Metrics,
		logger:       logger,
		version:      cfg.Version,
		pingInterval: cfg.PingInterval,
		sendQueue:    cfg.SendQueue,
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.sendQueue <= 0 {
		s.sendQueue = defaultSendQueue
	}

	// send push notification when a command ends on its own
	if s.notify != nil {
		s.sessions.OnSessionExit = s.notify.SessionExited
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	// Terminal
	mux.HandleFunc("GET /api/v1/terminal/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/v1/terminal/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/terminal/stop", s.handleStopTerminal)
	mux.HandleFunc("GET /api/v1/terminal/history", s.handleHistory)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	mux.Handle("GET /metrics", s.metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

// Shutdown stops every terminal session, then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	s.sessions.StopAll()
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	resp := map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"os":       runtime.GOOS,
		"strategy": s.sessions.Strategy(),
		"push":     s.notify != nil,
		"history":  s.history != nil,
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// stopRequest addresses a session either by connection or by workspace.
type stopRequest struct {
	ConnectionID string `json:"connectionId"`
	Workspace    *struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"workspace"`
}

func (s *Server) handleStopTerminal(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	if req.Workspace != nil && req.Workspace.Name != "" {
		name := req.Workspace.Name
		if !s.sessions.StopByWorkspaceTag(name) {
			writeJSONResponse(w, http.StatusNotFound, map[string]any{
				"success": false,
				"message": "No active terminal process found for workspace " + name,
			})
			return
		}
		s.logger.Info("terminal stopped by workspace", "workspace", name)
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Terminated process for workspace " + name,
		})
		return
	}

	if req.ConnectionID != "" {
		if !s.sessions.StopByConnection(req.ConnectionID) {
			writeJSONResponse(w, http.StatusNotFound, map[string]any{
				"success": false,
				"message": "No active terminal process found for connection " + req.ConnectionID,
			})
			return
		}
		s.logger.Info("terminal stopped by connection", "conn", req.ConnectionID)
		writeJSONResponse(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Terminated process for connection " + req.ConnectionID,
		})
		return
	}

	writeError(w, http.StatusBadRequest, "bad_request", "missing connectionId or workspace.name")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "session history not configured")
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read history")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": recs})
}

// --- Web Push Handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"publicKey": s.notify.VAPIDPublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
