// Package web serves the run-monitoring API: recorded runs and their stage
// timings over HTTP, live stage events over a websocket.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"parallax/internal/pipeline"
	"parallax/internal/storage"
)

// Server exposes recorded pipeline runs and streams live stage events.
type Server struct {
	addr   string
	store  *storage.Store
	log    *slog.Logger
	hub    *hub
	server *http.Server
}

// New creates a Server backed by the given run-record store.
func New(addr string, store *storage.Store, log *slog.Logger) *Server {
	return &Server{
		addr:  addr,
		store: store,
		log:   log,
		hub:   newHub(log),
	}
}

// Publish forwards a stage event to all connected websocket clients.
func (s *Server) Publish(ev pipeline.StageEvent) {
	payload, err := json.Marshal(stageEventJSON{
		Scene:   ev.Scene,
		Stage:   string(ev.Stage),
		Status:  string(ev.Status),
		Seconds: ev.Duration.Seconds(),
		Error:   ev.Error,
		Time:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	s.hub.publish(payload)
}

type stageEventJSON struct {
	Scene   string    `json:"scene"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Seconds float64   `json:"seconds"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/runs", s.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/runs/{id}/stages", s.handleRunStages).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.hub.run()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.hub.stop()
	}()

	s.log.Info("web server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleRunStages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stages, err := s.store.RunStages(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stages)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.register <- conn
	// Reader loop only to detect disconnects.
	go func() {
		defer func() { s.hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// hub fans broadcast messages out to the connected websocket clients.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	once       sync.Once
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) publish(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
	}
}

func (h *hub) stop() {
	h.once.Do(func() { close(h.done) })
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			return
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.unregister:
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
		case payload := <-h.broadcast:
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
		}
	}
}
