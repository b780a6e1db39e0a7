package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agent-racer/sessionpool/internal/channelpool"
	"github.com/agent-racer/sessionpool/internal/logging"
	"github.com/agent-racer/sessionpool/internal/session"
	"github.com/agent-racer/sessionpool/internal/sessionpool"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// Pool is the part of the session pool the server exposes.
type Pool interface {
	CloseHandle(id int) error
	NumSessions() int
	HandleStatistics() []sessionpool.HandleInfo
	ChannelStatistics() []channelpool.HandleInfo
}

type Server struct {
	pool           Pool
	store          *session.Store
	broadcaster    *Broadcaster
	recorder       *session.Recorder
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            *logrus.Entry
}

func NewServer(pool Pool, store *session.Store, broadcaster *Broadcaster, recorder *session.Recorder, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		pool:           pool,
		store:          store,
		broadcaster:    broadcaster,
		recorder:       recorder,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		log:            logging.WithComponent("http"),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	mux.HandleFunc("/api/pool", s.handlePool)
}

// Handler returns the routes wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade error")
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		s.log.WithField("remote", r.RemoteAddr).Warn("ws client rejected: too many connections")
		return
	}
	s.log.WithField("remote", r.RemoteAddr).Info("ws client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.WithField("remote", r.RemoteAddr).Info("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.broadcaster.FilterSessions(s.store.GetAll()))
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	payload := PoolPayload{
		NumSessions: s.pool.NumSessions(),
		Handles:     s.pool.HandleStatistics(),
		Channels:    s.pool.ChannelStatistics(),
	}
	if s.recorder != nil {
		payload.Counters = s.recorder.Counters()
	}
	if ps, err := processStats(); err == nil {
		payload.Process = ps
	} else {
		s.log.WithError(err).Debug("process stats unavailable")
	}
	writeJSON(w, payload)
}

func processStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	ps := &ProcessStats{PID: p.Pid}
	if mem, err := p.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if n, err := p.NumFDs(); err == nil {
		ps.NumFDs = n
	}
	if n, err := p.NumThreads(); err == nil {
		ps.NumThreads = n
	}
	return ps, nil
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id}[/close]
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.Atoi(parts[0])
	if err != nil || id <= 0 {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1 || parts[1] == "":
		s.handleSession(w, r, id)
	case parts[1] == "close":
		s.handleClose(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	filtered := s.broadcaster.FilterSessions([]*session.SessionState{st})
	if len(filtered) == 0 {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, filtered[0])
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, id int) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	err := s.pool.CloseHandle(id)
	switch {
	case errors.Is(err, sessionpool.ErrHandleNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("close failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.WithField("handle", id).Info("handle closed via api")
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Session-Pool-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// ListenAndServe serves handler until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.WithComponent("http").WithField("addr", addr).Info("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
