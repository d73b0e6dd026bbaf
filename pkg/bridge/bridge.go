// Package bridge lets generation run outside the process, typically in a
// browser page or a script runtime. Workers connect over WebSocket, receive
// generation requests and send replies back; replies land in the shared
// reply queue where the agent is waiting for them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uaserver/uabot/pkg/agent"
	"github.com/uaserver/uabot/pkg/correlator"
	"github.com/uaserver/uabot/pkg/logger"
	"github.com/uaserver/uabot/pkg/providers"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 1 << 20
	workerSendSize = 16

	FrameRequest = "request"
	FrameReply   = "reply"
	FrameError   = "error"
)

var ErrNoWorker = errors.New("bridge: no worker connected")

// Frame is the JSON message exchanged with workers.
type Frame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Channel   string              `json:"channel,omitempty"`
	ChatID    string              `json:"chat_id,omitempty"`
	Messages  []providers.Message `json:"messages,omitempty"`
	ReplyText string              `json:"reply_text,omitempty"`
	Error     string              `json:"error,omitempty"`

	// DeadlineMS is the unix time in milliseconds after which a reply is
	// no longer read. Workers may skip requests already past it.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

type Options struct {
	Listen         string
	AuthToken      string
	AllowedOrigins []string
	Replies        *correlator.Queue
}

type Server struct {
	listen    string
	authToken string
	replies   *correlator.Queue
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	workers []*workerConn
	next    int
	seq     atomic.Uint64

	httpServer *http.Server
	listener   net.Listener
}

type workerConn struct {
	id     string
	conn   *websocket.Conn
	send   chan Frame
	closed chan struct{}
	once   sync.Once
}

func (w *workerConn) close() {
	w.once.Do(func() {
		close(w.closed)
		_ = w.conn.Close()
	})
}

func NewServer(opts Options) *Server {
	s := &Server{
		listen:    opts.Listen,
		authToken: opts.AuthToken,
		replies:   opts.Replies,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(opts.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[strings.TrimRight(origin, "/")]
		}
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bridge/ws", s.handleWS)
	mux.HandleFunc("POST /bridge/reply", s.handleReply)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("bridge", "Bridge server stopped", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("bridge", "Bridge listening", map[string]any{
		"addr": ln.Addr().String(),
	})
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	for _, w := range workers {
		w.close()
	}

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}

func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Submit hands req to the next connected worker, round robin. It does not
// wait for the reply.
func (s *Server) Submit(ctx context.Context, req agent.GenerateRequest) error {
	w := s.pickWorker()
	if w == nil {
		return ErrNoWorker
	}

	f := Frame{
		Type:      FrameRequest,
		RequestID: req.RequestID,
		Channel:   req.Channel,
		ChatID:    req.ChatID,
		Messages:  req.Messages,
	}
	if !req.Deadline.IsZero() {
		f.DeadlineMS = req.Deadline.UnixMilli()
	}
	select {
	case w.send <- f:
		logger.DebugCF("bridge", "Request dispatched", map[string]any{
			"worker":     w.id,
			"request_id": req.RequestID,
		})
		return nil
	case <-w.closed:
		return fmt.Errorf("bridge worker %s disconnected", w.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) pickWorker() *workerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) == 0 {
		return nil
	}
	w := s.workers[s.next%len(s.workers)]
	s.next++
	return w
}

func (s *Server) register(w *workerConn) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	n := len(s.workers)
	s.mu.Unlock()
	logger.InfoCF("bridge", "Worker connected", map[string]any{
		"worker":  w.id,
		"workers": n,
	})
}

func (s *Server) unregister(w *workerConn) {
	s.mu.Lock()
	for i, cur := range s.workers {
		if cur == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
	n := len(s.workers)
	s.mu.Unlock()
	w.close()
	logger.InfoCF("bridge", "Worker disconnected", map[string]any{
		"worker":  w.id,
		"workers": n,
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); token == s.authToken {
		return true
	}
	return r.URL.Query().Get("token") == s.authToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("bridge", "WebSocket upgrade failed", map[string]any{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	wc := &workerConn{
		id:     fmt.Sprintf("w%d", s.seq.Add(1)),
		conn:   conn,
		send:   make(chan Frame, workerSendSize),
		closed: make(chan struct{}),
	}
	s.register(wc)
	go s.writePump(wc)
	s.readPump(wc)
}

func (s *Server) writePump(w *workerConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closed:
			return
		case f := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteJSON(f); err != nil {
				logger.WarnCF("bridge", "Failed to write request to worker", map[string]any{
					"worker":     w.id,
					"request_id": f.RequestID,
					"error":      err.Error(),
				})
				w.close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				w.close()
				return
			}
		}
	}
}

func (s *Server) readPump(w *workerConn) {
	defer s.unregister(w)

	w.conn.SetReadLimit(maxFrameBytes)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := w.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("bridge", "Worker read failed", map[string]any{
					"worker": w.id,
					"error":  err.Error(),
				})
			}
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Type {
		case FrameReply:
			s.deliver(w.id, f.RequestID, f.ReplyText)
		case FrameError:
			logger.ErrorCF("bridge", "Worker reported generation error", map[string]any{
				"worker":     w.id,
				"request_id": f.RequestID,
				"error":      f.Error,
			})
			s.deliver(w.id, f.RequestID, s.replies.Fallback())
		default:
			logger.DebugCF("bridge", "Ignoring unknown frame", map[string]any{
				"worker": w.id,
				"type":   f.Type,
			})
		}
	}
}

func (s *Server) deliver(source, requestID, text string) {
	delivered, err := s.replies.Put(correlator.ReplyRecord{RequestID: requestID, ReplyText: text})
	if err != nil {
		logger.WarnCF("bridge", "Reply rejected", map[string]any{
			"source":     source,
			"request_id": requestID,
			"error":      err.Error(),
		})
		return
	}
	logger.DebugCF("bridge", "Reply queued", map[string]any{
		"source":     source,
		"request_id": requestID,
		"delivered":  delivered,
	})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var rec correlator.ReplyRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, "invalid reply: "+err.Error(), http.StatusBadRequest)
		return
	}

	delivered, err := s.replies.Put(rec)
	switch {
	case errors.Is(err, correlator.ErrEmptyRequestID):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, correlator.ErrDuplicateReply):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": rec.RequestID,
		"delivered":  delivered,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.Workers(),
		"queued":  s.replies.Len(),
		"waiting": s.replies.Waiting(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
