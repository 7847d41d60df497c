package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/fieldsync/internal/config"
	"github.com/zangezia/fieldsync/internal/monitor"
	"github.com/zangezia/fieldsync/internal/queue"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	syncengine "github.com/zangezia/fieldsync/internal/sync"
	"github.com/zangezia/fieldsync/internal/warmup"
	"github.com/zangezia/fieldsync/pkg/models"
)

// WebSocket message types
const (
	MsgSync    = "sync"
	MsgWarmup  = "warmup"
	MsgNetwork = "network"
	MsgMetrics = "metrics"
	MsgLog     = "log"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the server only listens on the device
	},
}

// Deps are the components the server exposes
type Deps struct {
	Queue   *queue.Queue
	Engine  *syncengine.Engine
	Loader  *warmup.Loader
	Sync    *state.SyncStore
	Warmup  *state.WarmupStore
	Network *state.NetworkStore
	Monitor *monitor.Service

	// UserID returns the signed-in user, "" when signed out
	UserID func() string
}

// Server is the local HTTP and WebSocket surface of the agent
type Server struct {
	cfg  config.Web
	deps Deps
	mux  *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logs   chan models.LogMessage

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	metricsMu   sync.RWMutex
	lastMetrics *models.DeviceMetrics
}

// NewServer creates a new web server
func NewServer(cfg config.Web, deps Deps) *Server {
	if deps.UserID == nil {
		deps.UserID = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		logs:    make(chan models.LogMessage, 64),
		clients: make(map[*websocket.Conn]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleGetStatus)
	mux.HandleFunc("POST /api/measurements", s.handleEnqueue(models.KindCreateBulk))
	mux.HandleFunc("PATCH /api/measurements/bulkUpdate", s.handleEnqueue(models.KindUpdateBulk))
	mux.HandleFunc("GET /api/queue/failed", s.handleGetFailed)
	mux.HandleFunc("POST /api/queue/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleDiscard)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("POST /api/sync/resume", s.handleResume)
	mux.HandleFunc("POST /api/warmup", s.handleWarmup)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux = mux

	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Log queues a record for the "log" stream. It never blocks, so it is safe
// to call from a logging hook.
func (s *Server) Log(msg models.LogMessage) {
	select {
	case s.logs <- msg:
	default:
	}
}

// Run starts the observer fan-out without listening, for embedding the
// handler elsewhere. It returns a func that stops it.
func (s *Server) Run() func() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(s.ctx)
	}()
	return s.shutdown
}

func (s *Server) shutdown() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	stop := s.Run()
	defer stop()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("Starting web server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("web server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down web server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pump forwards store changes, device metrics and log records to every
// WebSocket client
func (s *Server) pump(ctx context.Context) {
	syncCh, cancelSync := s.deps.Sync.Subscribe()
	defer cancelSync()
	warmCh, cancelWarm := s.deps.Warmup.Subscribe()
	defer cancelWarm()
	netCh, cancelNet := s.deps.Network.Subscribe()
	defer cancelNet()

	var metricsCh <-chan models.DeviceMetrics
	if s.deps.Monitor != nil {
		metricsCh = s.deps.Monitor.Start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-syncCh:
			s.broadcast(models.WSMessage{Type: MsgSync, Payload: st})
		case st := <-warmCh:
			s.broadcast(models.WSMessage{Type: MsgWarmup, Payload: st})
		case st := <-netCh:
			s.broadcast(models.WSMessage{Type: MsgNetwork, Payload: st})
		case m, ok := <-metricsCh:
			if !ok {
				metricsCh = nil
				continue
			}
			s.metricsMu.Lock()
			s.lastMetrics = &m
			s.metricsMu.Unlock()
			s.broadcast(models.WSMessage{Type: MsgMetrics, Payload: m})
		case msg := <-s.logs:
			s.broadcast(models.WSMessage{Type: MsgLog, Payload: msg})
		}
	}
}

func (s *Server) metrics() models.DeviceMetrics {
	s.metricsMu.RLock()
	last := s.lastMetrics
	s.metricsMu.RUnlock()
	if last != nil {
		return *last
	}
	if s.deps.Monitor != nil {
		return s.deps.Monitor.GetMetrics()
	}
	return models.DeviceMetrics{}
}

func (s *Server) status(ctx context.Context) (models.Status, error) {
	stats, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		return models.Status{}, err
	}
	return models.Status{
		Sync:    s.deps.Sync.Snapshot(),
		Warmup:  s.deps.Warmup.Snapshot(),
		Network: s.deps.Network.Snapshot(),
		Queue:   stats,
		Metrics: s.metrics(),
	}, nil
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read queue stats")
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEnqueue(kind models.EntryKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		id, err := s.deps.Queue.Enqueue(r.Context(), kind, body)
		var verr *queue.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return
		case errors.Is(err, queue.ErrInsufficientSpace):
			writeError(w, http.StatusInsufficientStorage, err.Error())
			return
		case err != nil:
			log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to enqueue")
			writeError(w, http.StatusInternalServerError, "failed to enqueue")
			return
		}

		if s.deps.Engine != nil {
			s.deps.Engine.Trigger("enqueue")
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func (s *Server) handleGetFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Queue.Failed(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list failed entries")
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Queue.Retry(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}
	if s.deps.Engine != nil {
		s.deps.Engine.Trigger("retry")
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "pending"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Queue.Discard(r.Context(), id); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, queue.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("Queue operation failed")
		writeError(w, http.StatusInternalServerError, "queue operation failed")
	}
}

// handleSync requests a drain. With ?wait=true it runs the drain inline and
// reports its result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync engine not running")
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		s.deps.Engine.Trigger("manual")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
		return
	}

	res, err := s.deps.Engine.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncengine.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, syncengine.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, syncengine.ErrAuthPaused):
		writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		log.Error().Err(err).Msg("Manual sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// handleResume lifts an auth pause after the token was replaced
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync engine not running")
		return
	}
	s.deps.Engine.Resume()

	// a fresh sign-in also refreshes the reference data for that user
	resp := map[string]string{"status": "resumed"}
	if user := s.deps.UserID(); user != "" && s.deps.Loader != nil {
		resp["warmup"] = s.startWarmUp(user)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loader == nil {
		writeError(w, http.StatusServiceUnavailable, "warm-up not available")
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}
	user := strings.TrimSpace(req.UserID)
	if user == "" {
		user = s.deps.UserID()
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, warmup.ErrNoUser.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": s.startWarmUp(user)})
}

// startWarmUp loads the cache for user in the background unless a warm-up
// is already running. It returns "started" or "running".
func (s *Server) startWarmUp(user string) string {
	if s.deps.Warmup != nil && s.deps.Warmup.Snapshot().IsWarming {
		return "running"
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.deps.Loader.WarmUp(s.ctx, user); err != nil {
			log.Warn().Err(err).Str("user", user).Msg("Warm-up failed")
		}
	}()
	return "started"
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	// initial snapshots go out before the client joins the broadcast set so
	// they cannot interleave with a concurrent broadcast
	s.mu.Lock()
	for _, msg := range []models.WSMessage{
		{Type: MsgSync, Payload: s.deps.Sync.Snapshot()},
		{Type: MsgWarmup, Payload: s.deps.Warmup.Snapshot()},
		{Type: MsgNetwork, Payload: s.deps.Network.Snapshot()},
		{Type: MsgMetrics, Payload: s.metrics()},
	} {
		s.sendToClient(conn, msg)
	}
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
			log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast writes under the client lock; gorilla connections allow only one
// concurrent writer.
func (s *Server) broadcast(msg models.WSMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		s.sendToClient(client, msg)
	}
}

func (s *Server) sendToClient(conn *websocket.Conn, msg models.WSMessage) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		// debug: a warning here would be forwarded back into the log stream
		log.Debug().Err(err).Msg("Failed to send WebSocket message")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
