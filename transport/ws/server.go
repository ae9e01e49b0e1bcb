// Package ws exposes a request service over HTTP and websockets.
//
// Clients connected to /ws receive every request event as a JSON [Message]
// and may start and cancel requests over the same connection. Requests can
// also be started and canceled with plain HTTP calls:
//
//	GET    /ws            websocket: commands in, events out
//	POST   /requests      start a request (body: StartRequest)
//	DELETE /requests/:id  cancel a pending request
//	GET    /healthz       liveness and queue depth
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/meigma/charon"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

// Controller is the request API the server drives. *charon.Service
// implements it.
type Controller interface {
	Submit(id, filePath string, virtualPaths []string) error
	CancelRequest(id string)
	Pending() (pending, running int)
}

// Server implements charon.Handler by broadcasting events to every
// connected websocket client.
type Server struct {
	ctrl         Controller
	upgrader     websocket.Upgrader
	sendBuffer   int
	writeTimeout time.Duration
	logger       *slog.Logger

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

var _ charon.Handler = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for connection events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckOrigin sets the websocket origin check. By default only
// same-origin upgrades are accepted.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithSendBuffer sets how many messages may queue for one client before the
// client is disconnected as too slow. Defaults to 256.
func WithSendBuffer(n int) Option {
	return func(s *Server) {
		s.sendBuffer = n
	}
}

// WithWriteTimeout bounds each websocket write. Defaults to 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// New creates a server. Bind must be called before it serves requests.
func New(opts ...Option) *Server {
	s := &Server{
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sendBuffer = max(s.sendBuffer, 1)
	return s
}

// Bind sets the controller requests are forwarded to. The server is
// usually the controller's event handler, so it is created first.
func (s *Server) Bind(ctrl Controller) {
	s.ctrl = ctrl
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.POST("/requests", s.handleStart)
	router.DELETE("/requests/:id", s.handleCancel)
	router.GET("/healthz", s.handleHealth)
	return router
}

// RequestData broadcasts a request_data event.
func (s *Server) RequestData(id string, data map[string][]byte) {
	s.broadcast(Message{Type: TypeRequestData, ID: id, Data: data})
}

// RequestCompleted broadcasts a request_completed event.
func (s *Server) RequestCompleted(id string) {
	s.broadcast(Message{Type: TypeRequestCompleted, ID: id})
}

// RequestError broadcasts a request_error event.
func (s *Server) RequestError(id, message string) {
	s.broadcast(Message{Type: TypeRequestError, ID: id, Message: message})
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		s.dropLocked(c)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "invalid request body"})
		return
	}
	if req.ID == "" || req.FilePath == "" {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: "id and file_path are required"})
		return
	}
	if err := s.ctrl.Submit(req.ID, req.FilePath, req.VirtualPaths); err != nil {
		writeJSON(w, statusFor(err), statusResponse{Status: "rejected", ID: req.ID, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted", ID: req.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.ctrl.CancelRequest(ps.ByName("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	pending, running := s.ctrl.Pending()
	clients := s.Clients()
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Pending: &pending, Running: &running, Clients: &clients})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, charon.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, charon.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
