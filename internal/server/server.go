// Package server wires the HTTP surface: the mux and state WebSocket
// endpoints, the session REST API, and login. TLS is optional; everything
// behind it requires an authenticated connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mterm/mterm/internal/auth"
	"github.com/mterm/mterm/internal/config"
	"github.com/mterm/mterm/internal/logger"
	"github.com/mterm/mterm/internal/mux"
	"github.com/mterm/mterm/internal/session"
	"github.com/mterm/mterm/internal/statews"
)

const wsReadLimit = 512 * 1024

// Server hosts the web endpoints around a session manager.
type Server struct {
	cfg   *config.Config
	mgr   *session.Manager
	bcast *mux.Broadcaster
	state *statews.Broadcaster
	auth  *auth.Manager

	httpSrv *http.Server
}

// New assembles the server. auth may be nil only when cfg.AuthDisabled.
func New(cfg *config.Config, mgr *session.Manager, bcast *mux.Broadcaster, state *statews.Broadcaster, am *auth.Manager) *Server {
	s := &Server{cfg: cfg, mgr: mgr, bcast: bcast, state: state, auth: am}

	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})
	m.HandleFunc("GET /", s.handleIndex)
	m.HandleFunc("POST /api/login", s.handleLogin)
	m.HandleFunc("POST /api/logout", s.handleLogout)

	m.Handle("GET /ws/mux", s.authed(http.HandlerFunc(s.handleMuxWS)))
	m.Handle("GET /ws/state", s.authed(http.HandlerFunc(s.handleStateWS)))

	m.Handle("GET /api/sessions", s.authed(http.HandlerFunc(s.handleListSessions)))
	m.Handle("POST /api/sessions", s.authed(http.HandlerFunc(s.handleCreateSession)))
	m.Handle("DELETE /api/sessions/{id}", s.authed(http.HandlerFunc(s.handleCloseSession)))
	m.Handle("POST /api/sessions/{id}/resize", s.authed(http.HandlerFunc(s.handleResize)))
	m.Handle("POST /api/sessions/{id}/name", s.authed(http.HandlerFunc(s.handleSetName)))
	m.Handle("GET /api/sessions/{id}/buffer", s.authed(http.HandlerFunc(s.handleGetBuffer)))

	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) authed(next http.Handler) http.Handler {
	if s.cfg.AuthDisabled || s.auth == nil {
		return next
	}
	return s.auth.Middleware(next)
}

// Run serves until ctx is cancelled, then shuts down: new connections
// stop and in-flight HTTP requests get up to 10s to finish. Upgraded
// WebSocket connections are neither waited for nor closed here; they end
// when the process exits.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
			logger.Info("listening", "addr", s.cfg.Listen, "tls", true)
			errCh <- s.httpSrv.ServeTLS(ln, s.cfg.TLS.Cert, s.cfg.TLS.Key)
		} else {
			logger.Info("listening", "addr", s.cfg.Listen, "tls", false)
			errCh <- s.httpSrv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleMuxWS upgrades a viewer connection and serves it until it drops.
func (s *Server) handleMuxWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // auth already ran; origin is not the gate
	})
	if err != nil {
		logger.Debug("mux accept", "err", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)

	viewerID := uuid.NewString()
	client := mux.NewClient(viewerID, ws, s.mgr, s.cfg.QueueCap)
	s.bcast.AddClient(client)
	defer s.bcast.RemoveClient(viewerID)

	logger.Info("viewer connected", "viewer", viewerID)
	if err := client.Run(r.Context()); err != nil {
		logger.Debug("viewer done", "viewer", viewerID, "err", err)
	}
	logger.Info("viewer disconnected", "viewer", viewerID)
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug("state accept", "err", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)
	s.state.Serve(r.Context(), ws)
}

type createSessionRequest struct {
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
	Shell string `json:"shell,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}
	info, err := s.mgr.CreateSession(req.Cols, req.Rows, req.Shell, req.Cwd)
	if err != nil {
		if errors.Is(err, session.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "host_unavailable", err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.List())
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	s.mgr.CloseSession(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if cols <= 0 || cols > 10000 || rows <= 0 || rows > 10000 {
		writeError(w, http.StatusBadRequest, "bad_dimensions", "cols and rows must be 1..10000")
		return
	}
	// No viewer id: REST resizes are accepted unconditionally.
	if !s.mgr.Resize(id, uint16(cols), uint16(rows), "") {
		writeError(w, http.StatusNotFound, "resize_failed", "unknown session or resize refused")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetName(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.mgr.SetName(id, req.Name); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.mgr.GetBuffer(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(snapshot)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AuthDisabled || s.auth == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.auth.Verify(req.User, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	token, err := s.auth.IssueToken(req.User)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_failed", err.Error())
		return
	}
	s.auth.SetCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		s.auth.ClearCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexPage))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// indexPage is a placeholder; the real terminal UI ships separately.
const indexPage = `<!doctype html>
<html><head><title>mterm</title></head>
<body><h1>mterm</h1>
<p>Terminal multiplexer endpoints: <code>/ws/mux</code> (binary), <code>/ws/state</code> (JSON).</p>
</body></html>
`
