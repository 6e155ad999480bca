// Package relay implements the simlink hub: one simulator connection bridged
// to any number of client connections.
//
// Every message from the simulator is broadcast to all clients in arrival
// order. Every message from a client is forwarded to the simulator only.
// Messages are relayed as-is; the hub never re-encodes them.
package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/util"
)

var (
	// ErrDuplicateSimulator rejects a simulator while another one is attached.
	// The existing session is unaffected.
	ErrDuplicateSimulator = stderrors.New("simulator already connected")
	// ErrNoSimulator is returned when forwarding with no simulator attached.
	ErrNoSimulator = stderrors.New("simulator not connected")
	// ErrSimulatorBusy is returned when the simulator's queue stays full for
	// the whole forward timeout.
	ErrSimulatorBusy = stderrors.New("simulator busy")
	ErrHubClosed     = stderrors.New("hub closed")
)

// Config tunes a Hub. Zero values take defaults.
type Config struct {
	// ClientQueueSize bounds each client's outbound queue. A client whose
	// queue overflows is disconnected.
	ClientQueueSize    int
	SimulatorQueueSize int
	WriteTimeout       time.Duration
	ForwardTimeout     time.Duration
	Metrics            *Metrics
	CheckOrigin        func(r *http.Request) bool
}

const (
	DefaultClientQueueSize    = 64
	DefaultSimulatorQueueSize = 256
	DefaultWriteTimeout       = 10 * time.Second
	DefaultForwardTimeout     = 2 * time.Second
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	SessionID          string `json:"session_id"`
	SimulatorConnected bool   `json:"simulator_connected"`
	Clients            int    `json:"clients"`
	Sessions           uint64 `json:"sessions"`
}

// Hub owns the current Session. Hubs are independent; a process may run
// several.
type Hub struct {
	cfg      Config
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	session  *Session
	sessions uint64
	closed   bool

	taps *util.Subscribers[[]byte]
}

func NewHub(cfg Config) *Hub {
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = DefaultClientQueueSize
	}
	if cfg.SimulatorQueueSize <= 0 {
		cfg.SimulatorQueueSize = DefaultSimulatorQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	h := &Hub{
		cfg:     cfg,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		taps: util.NewSubscribers[[]byte]("tap"),
	}
	h.session = h.newSession()
	return h
}

func (h *Hub) newSession() *Session {
	s := newSession()
	s.broadcaster.SetGreeting(statusMessage(false, "waiting for simulator"))
	return s
}

func statusMessage(connected bool, msg string) []byte {
	return protocol.MustEncode(protocol.New(protocol.Status{Connected: connected, Message: msg}))
}

func errorMessage(err error, code, correlationID string) []byte {
	return protocol.MustEncode(protocol.New(protocol.Error{Message: err.Error(), Code: code}).WithCorrelationID(correlationID))
}

// ServeSimulator upgrades r as the session's simulator. It answers 409 with
// an error envelope when a simulator is already attached.
func (h *Hub) ServeSimulator(w http.ResponseWriter, r *http.Request) {
	if err := h.reserveSimulator(); err != nil {
		h.reject(w, err)
		return
	}
	h.runSimulator(w, r)
}

// ServeClient upgrades r as a client of the current session.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.reject(w, ErrHubClosed)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Warn("Client upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newConn(ws, RoleClient, h.cfg.WriteTimeout)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	s := h.session
	queue := s.broadcaster.Subscribe(conn.id, h.cfg.ClientQueueSize)
	s.clients[conn.id] = conn
	total := len(s.clients)
	h.mu.Unlock()

	h.metrics.connOpened(RoleClient)
	util.GetLogger().Info("Client connected", "id", conn.id, "session", s.id, "remote", conn.remote, "clients", total)

	go conn.writePump(queue)
	conn.readPump(func(msg []byte) { h.fromClient(s, conn, msg) })
	h.detachClient(s, conn)
}

// ServeAuto serves the single-endpoint form. The role query parameter pins
// the role; without it the connection becomes the simulator when none is
// attached, and a client otherwise.
func (h *Hub) ServeAuto(w http.ResponseWriter, r *http.Request) {
	switch strings.ToLower(r.URL.Query().Get("role")) {
	case string(RoleSimulator), "browser":
		h.ServeSimulator(w, r)
		return
	case string(RoleClient):
		h.ServeClient(w, r)
		return
	case "":
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	if h.reserveSimulator() == nil {
		h.runSimulator(w, r)
		return
	}
	h.ServeClient(w, r)
}

func (h *Hub) reserveSimulator() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if h.session.hasSimulator() {
		return ErrDuplicateSimulator
	}
	h.session.reserved = true
	return nil
}

func (h *Hub) reject(w http.ResponseWriter, err error) {
	status, code := http.StatusServiceUnavailable, ""
	if stderrors.Is(err, ErrDuplicateSimulator) {
		status, code = http.StatusConflict, protocol.CodeDuplicateSimulator
		h.metrics.rejected.WithLabelValues(protocol.CodeDuplicateSimulator).Inc()
		util.GetLogger().Warn("Rejecting second simulator")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errorMessage(err, code, ""))
}

func (h *Hub) runSimulator(w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mu.Lock()
		h.session.reserved = false
		h.mu.Unlock()
		logger.Warn("Simulator upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newConn(ws, RoleSimulator, h.cfg.WriteTimeout)
	queue := make(chan []byte, h.cfg.SimulatorQueueSize)

	status := statusMessage(true, "simulator connected")
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	s := h.session
	s.reserved = false
	s.simulator = conn
	s.simQueue = queue
	h.sessions++
	s.broadcaster.SetGreeting(status)
	h.dropClientsLocked(s, s.broadcaster.Broadcast(status))
	clients := len(s.clients)
	h.mu.Unlock()

	h.metrics.connOpened(RoleSimulator)
	h.metrics.sessions.Inc()
	h.emitTap(status)
	logger.Info("Simulator connected", "id", conn.id, "session", s.id, "remote", conn.remote, "clients", clients)

	go conn.writePump(queue)
	conn.readPump(func(msg []byte) { h.fromSimulator(s, msg) })
	h.detachSimulator(s, conn)
}

func (h *Hub) fromSimulator(s *Session, msg []byte) {
	if dropped := s.broadcaster.Broadcast(msg); len(dropped) > 0 {
		h.mu.Lock()
		h.dropClientsLocked(s, dropped)
		h.mu.Unlock()
	}
	h.metrics.messages.WithLabelValues(directionToClients).Inc()
	h.emitTap(msg)
}

func (h *Hub) fromClient(s *Session, conn *Conn, msg []byte) {
	err := h.forward(context.Background(), s, msg)
	if err == nil {
		return
	}

	code := protocol.CodeNoSimulator
	if stderrors.Is(err, ErrSimulatorBusy) {
		code = protocol.CodeSimulatorBusy
	}
	h.metrics.forwardErrors.WithLabelValues(code).Inc()
	util.GetLogger().Warn("Cannot forward client message", "id", conn.id, "error", err)

	if !s.broadcaster.SendTo(conn.id, errorMessage(err, code, correlationID(msg))) {
		util.GetLogger().Debug("Error reply not queued", "id", conn.id)
	}
}

// ForwardToSimulator sends msg to the current simulator as if a client had
// sent it.
func (h *Hub) ForwardToSimulator(ctx context.Context, msg []byte) error {
	h.mu.Lock()
	s := h.session
	h.mu.Unlock()
	return h.forward(ctx, s, msg)
}

func (h *Hub) forward(ctx context.Context, s *Session, msg []byte) error {
	h.mu.Lock()
	sim, queue, ended := s.simulator, s.simQueue, s.ended
	h.mu.Unlock()
	if sim == nil || ended {
		return ErrNoSimulator
	}

	timer := time.NewTimer(h.cfg.ForwardTimeout)
	defer timer.Stop()

	select {
	case queue <- msg:
		h.metrics.messages.WithLabelValues(directionToSimulator).Inc()
		return nil
	case <-sim.Done():
		return ErrNoSimulator
	case <-timer.C:
		return ErrSimulatorBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dropClientsLocked disconnects clients the broadcaster dropped as slow.
func (h *Hub) dropClientsLocked(s *Session, ids []string) {
	for _, id := range ids {
		if c, ok := s.clients[id]; ok {
			delete(s.clients, id)
			c.Close()
			h.metrics.dropped.WithLabelValues(dropReasonSlow).Inc()
			util.GetLogger().Warn("Disconnected slow client", "id", id, "session", s.id)
		}
	}
}

func (h *Hub) detachClient(s *Session, conn *Conn) {
	h.mu.Lock()
	delete(s.clients, conn.id)
	h.mu.Unlock()

	s.broadcaster.Unsubscribe(conn.id)
	h.metrics.connClosed(RoleClient)
	util.GetLogger().Info("Client disconnected", "id", conn.id, "session", s.id)
}

// detachSimulator ends s: clients get a final status message and are
// closed once it is flushed, and the hub moves on to a fresh session.
func (h *Hub) detachSimulator(s *Session, conn *Conn) {
	h.mu.Lock()
	if s.simulator != conn {
		h.mu.Unlock()
		return
	}
	s.ended = true
	clients := len(s.clients)
	if h.session == s && !h.closed {
		h.session = h.newSession()
	}
	h.mu.Unlock()

	status := statusMessage(false, "simulator disconnected")
	s.broadcaster.Broadcast(status)
	s.broadcaster.Close()

	h.metrics.connClosed(RoleSimulator)
	h.metrics.dropped.WithLabelValues(dropReasonSession).Add(float64(clients))
	h.emitTap(status)
	util.GetLogger().Info("Simulator disconnected, session ended", "id", conn.id, "session", s.id, "clients_closed", clients)
}

// Tap registers fn to observe every message the simulator sends, plus the
// hub's own status messages. fn runs on the simulator's read goroutine and
// must not block.
func (h *Hub) Tap(fn func(msg []byte)) (cancel func()) {
	return h.taps.Add(fn)
}

// emitTap runs taps in registration order. A panicking tap is logged.
func (h *Hub) emitTap(msg []byte) {
	h.taps.Emit(msg)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		SessionID:          h.session.id,
		SimulatorConnected: h.session.simulator != nil,
		Clients:            len(h.session.clients),
		Sessions:           h.sessions,
	}
}

// Close disconnects everyone and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	s := h.session
	sim := s.simulator
	clients := make([]*Conn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	s.broadcaster.Close()
	if sim != nil {
		sim.Close()
	}
	for _, c := range clients {
		c.Close()
	}
	util.GetLogger().Info("Hub closed", "session", s.id)
}

func correlationID(msg []byte) string {
	var head struct {
		CorrelationID string `json:"correlation_id"`
	}
	if json.Unmarshal(msg, &head) != nil {
		return ""
	}
	return head.CorrelationID
}
