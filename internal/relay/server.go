package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dremian/simlink/internal/util"
	"github.com/dremian/simlink/internal/version"
)

// ServerConfig is the relay's listening configuration.
type ServerConfig struct {
	Host string
	Port int
	// ProxyProtocol accepts PROXY protocol v1/v2 headers from a fronting
	// load balancer so logs show the real peer address.
	ProxyProtocol bool
	// Gatherer serves /metrics. nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server exposes a Hub over HTTP.
type Server struct {
	cfg        ServerConfig
	hub        *Hub
	router     chi.Router
	httpServer *http.Server

	mu        sync.RWMutex
	listener  net.Listener
	startTime time.Time
}

func NewServer(cfg ServerConfig, hub *Hub) *Server {
	s := &Server{cfg: cfg, hub: hub}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(loggingMiddleware)

	r.Get("/", s.hub.ServeAuto)
	r.Get("/simulator", s.hub.ServeSimulator)
	r.Get("/client", s.hub.ServeClient)
	r.Get("/healthz", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the listening socket. Failing to bind is the relay's only
// fatal error.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: 5 * time.Second}
	}

	s.mu.Lock()
	s.listener = ln
	s.startTime = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket connections are long-lived.
		ReadTimeout:  0,
		WriteTimeout: 0,
	}
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Stop. It returns http.ErrServerClosed
// after a clean stop.
func (s *Server) Serve() error {
	s.mu.RLock()
	ln, srv := s.listener, s.httpServer
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("server is not listening")
	}
	return srv.Serve(ln)
}

// Start is Listen followed by Serve.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every relay connection and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.hub.Close()

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		util.GetLogger().Warn("HTTP server shutdown error", "error", err)
		if err := srv.Close(); err != nil {
			return errors.Wrap(err, "force close http server")
		}
	}
	util.GetLogger().Info("Relay stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()

	resp := struct {
		Status          string `json:"status"`
		Version         string `json:"version"`
		ProtocolVersion string `json:"protocol_version"`
		Uptime          string `json:"uptime,omitempty"`
		Stats
	}{
		Status:          "ok",
		Version:         version.Version,
		ProtocolVersion: version.ProtocolVersion,
		Stats:           s.hub.Stats(),
	}
	if !started.IsZero() {
		resp.Uptime = time.Since(started).Round(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

// Hijack is required by the websocket upgrader.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	if lw.status == 0 {
		lw.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		util.GetLogger().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
