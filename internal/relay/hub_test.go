package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dremian/simlink/internal/protocol"
)

type testRelay struct {
	hub     *Hub
	metrics *Metrics
	server  *httptest.Server
}

func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg.Metrics = NewMetrics(reg)
	hub := NewHub(cfg)
	srv := httptest.NewServer(NewServer(ServerConfig{Gatherer: reg}, hub).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testRelay{hub: hub, metrics: cfg.Metrics, server: srv}
}

func (r *testRelay) url(path string) string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + path
}

func (r *testRelay) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.url(path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (r *testRelay) dialSimulator(t *testing.T) *websocket.Conn {
	t.Helper()
	ws := r.dial(t, "/simulator")
	require.Eventually(t, func() bool { return r.hub.Stats().SimulatorConnected }, 2*time.Second, 5*time.Millisecond)
	return ws
}

// dialClient connects a client and consumes the status greeting, which
// guarantees the client is subscribed.
func (r *testRelay) dialClient(t *testing.T, wantConnected bool) *websocket.Conn {
	t.Helper()
	ws := r.dial(t, "/client")
	st := readStatus(t, ws)
	require.Equal(t, wantConnected, st.Connected)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func readStatus(t *testing.T, ws *websocket.Conn) protocol.Status {
	t.Helper()
	env := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeStatus, env.Type)
	return env.Payload.(protocol.Status)
}

func send(t *testing.T, ws *websocket.Conn, e protocol.Envelope) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(e)))
}

func telemetryAt(alt float64) protocol.Envelope {
	return protocol.New(protocol.Telemetry{Position: protocol.Fields{"altitude": alt}})
}

func TestBroadcastFanOutInOrder(t *testing.T) {
	r := newTestRelay(t, Config{})
	sim := r.dialSimulator(t)

	clients := make([]*websocket.Conn, 3)
	for i := range clients {
		clients[i] = r.dialClient(t, true)
	}

	const n = 20
	for i := 0; i < n; i++ {
		send(t, sim, telemetryAt(float64(i)))
	}

	for _, c := range clients {
		for i := 0; i < n; i++ {
			env := readEnvelope(t, c)
			require.Equal(t, protocol.TypeTelemetry, env.Type)
			assert.Equal(t, float64(i), env.Payload.(protocol.Telemetry).Position["altitude"])
		}
	}

	// Exactly one delivery each: nothing else is queued.
	for _, c := range clients {
		c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, err := c.ReadMessage()
		assert.Error(t, err)
	}
	assert.Equal(t, float64(n), testutil.ToFloat64(r.metrics.messages.WithLabelValues(directionToClients)))
}

func TestClientMessagesReachSimulatorOnly(t *testing.T) {
	r := newTestRelay(t, Config{})
	sim := r.dialSimulator(t)
	a := r.dialClient(t, true)
	b := r.dialClient(t, true)

	raw := protocol.MustEncode(protocol.New(protocol.Control{Throttle: 0.5}))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, raw))

	sim.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := sim.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, raw, got, "relayed verbatim")

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = b.ReadMessage()
	assert.Error(t, err, "other clients do not see client traffic")
}

func TestClientWithoutSimulatorGetsError(t *testing.T) {
	r := newTestRelay(t, Config{})
	c := r.dialClient(t, false)

	send(t, c, protocol.New(protocol.CameraParamsRequest{}).WithCorrelationID("req-42"))

	env := readEnvelope(t, c)
	require.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "req-42", env.CorrelationID)
	assert.Equal(t, protocol.CodeNoSimulator, env.Payload.(protocol.Error).Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.forwardErrors.WithLabelValues(protocol.CodeNoSimulator)))
}

func TestDuplicateSimulatorRejected(t *testing.T) {
	r := newTestRelay(t, Config{})
	sim := r.dialSimulator(t)
	c := r.dialClient(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(r.url("/simulator"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	env, err := protocol.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeDuplicateSimulator, env.Payload.(protocol.Error).Code)

	// The existing session keeps working.
	send(t, sim, telemetryAt(7))
	env = readEnvelope(t, c)
	assert.Equal(t, 7.0, env.Payload.(protocol.Telemetry).Position["altitude"])
	assert.True(t, r.hub.Stats().SimulatorConnected)
	assert.Equal(t, 1, r.hub.Stats().Clients)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.rejected.WithLabelValues(protocol.CodeDuplicateSimulator)))
}

func TestSimulatorDisconnectEndsSession(t *testing.T) {
	r := newTestRelay(t, Config{})
	sim := r.dialSimulator(t)
	first := r.hub.Stats().SessionID
	c := r.dialClient(t, true)

	require.NoError(t, sim.Close())

	st := readStatus(t, c)
	assert.False(t, st.Connected)

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		s := r.hub.Stats()
		return !s.SimulatorConnected && s.Clients == 0 && s.SessionID != first
	}, 2*time.Second, 5*time.Millisecond)

	// A new simulator starts a new session.
	r.dialSimulator(t)
	assert.Equal(t, uint64(2), r.hub.Stats().Sessions)
}

func TestClientDisconnectLeavesOthers(t *testing.T) {
	r := newTestRelay(t, Config{})
	sim := r.dialSimulator(t)
	a := r.dialClient(t, true)
	b := r.dialClient(t, true)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return r.hub.Stats().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	send(t, sim, telemetryAt(1))
	assert.Equal(t, protocol.TypeTelemetry, readEnvelope(t, b).Type)
	assert.True(t, r.hub.Stats().SimulatorConnected)
}

func TestSlowClientDropped(t *testing.T) {
	r := newTestRelay(t, Config{ClientQueueSize: 4, WriteTimeout: time.Minute})
	sim := r.dialSimulator(t)
	fast := r.dialClient(t, true)
	slow := r.dialClient(t, true)
	_ = slow // never read again

	const n = 300
	frame := protocol.MustEncode(protocol.New(protocol.CameraFrame{Data: strings.Repeat("A", 128<<10)}))

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		fast.SetReadDeadline(time.Now().Add(20 * time.Second))
		for received < n {
			if _, _, err := fast.ReadMessage(); err != nil {
				return
			}
			received++
		}
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, sim.WriteMessage(websocket.TextMessage, frame))
	}
	wg.Wait()

	assert.Equal(t, n, received, "healthy client gets every message")
	require.Eventually(t, func() bool { return r.hub.Stats().Clients == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.dropped.WithLabelValues(dropReasonSlow)))
}

func TestAutoRoleDetection(t *testing.T) {
	r := newTestRelay(t, Config{})

	sim := r.dial(t, "/")
	require.Eventually(t, func() bool { return r.hub.Stats().SimulatorConnected }, 2*time.Second, 5*time.Millisecond)

	c := r.dial(t, "/")
	assert.True(t, readStatus(t, c).Connected)
	assert.Equal(t, 1, r.hub.Stats().Clients)

	send(t, sim, telemetryAt(3))
	assert.Equal(t, protocol.TypeTelemetry, readEnvelope(t, c).Type)

	_, resp, err := websocket.DefaultDialer.Dial(r.url("/?role=simulator"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(r.url("/?role=pilot"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTapAndForwardToSimulator(t *testing.T) {
	r := newTestRelay(t, Config{ForwardTimeout: 100 * time.Millisecond})

	err := r.hub.ForwardToSimulator(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoSimulator)

	var mu sync.Mutex
	var tapped []string
	cancel := r.hub.Tap(func(msg []byte) {
		mu.Lock()
		tapped = append(tapped, string(msg))
		mu.Unlock()
	})
	defer cancel()

	sim := r.dialSimulator(t)
	send(t, sim, telemetryAt(9))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tapped) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Contains(t, tapped[0], `"connected":true`)
	assert.Contains(t, tapped[1], `"telemetry"`)
	mu.Unlock()

	cmd := protocol.MustEncode(protocol.New(protocol.CameraStop{}))
	require.NoError(t, r.hub.ForwardToSimulator(context.Background(), cmd))
	sim.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := sim.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestHubCloseRefusesConnections(t *testing.T) {
	r := newTestRelay(t, Config{})
	r.dialSimulator(t)
	c := r.dialClient(t, true)

	r.hub.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	_, resp, err := websocket.DefaultDialer.Dial(r.url("/client"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	r := newTestRelay(t, Config{})
	r.dialSimulator(t)
	r.dialClient(t, true)

	resp, err := http.Get(r.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["simulator_connected"])
	assert.Equal(t, 1.0, health["clients"])

	resp, err = http.Get(r.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `simlink_relay_connections{role="client"} 1`)
	assert.Contains(t, string(body), `simlink_relay_sessions_total 1`)
}

func TestServerProxyProtocol(t *testing.T) {
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0, ProxyProtocol: true}, NewHub(Config{}))
	require.NoError(t, srv.Listen())
	go srv.Serve()
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	header := &proxyproto.Header{
		Version:           1,
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000},
		DestinationAddr:   &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8080},
	}
	_, err = header.WriteTo(conn)
	require.NoError(t, err)
	fmt.Fprintf(conn, "GET /healthz HTTP/1.1\r\nHost: relay\r\nConnection: close\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: port}, NewHub(Config{}))
	assert.ErrorContains(t, srv.Listen(), "failed to listen")
}

func TestTapsRunInRegistrationOrder(t *testing.T) {
	hub := NewHub(Config{})
	t.Cleanup(hub.Close)

	var calls []int
	cancels := make([]func(), 0, 4)
	for i := range 4 {
		cancels = append(cancels, hub.Tap(func([]byte) { calls = append(calls, i) }))
	}
	hub.Tap(func([]byte) { panic("boom") })

	for range 20 {
		calls = calls[:0]
		hub.emitTap([]byte(`{"type":"status","connected":true}`))
		require.Equal(t, []int{0, 1, 2, 3}, calls)
	}

	cancels[1]()
	calls = calls[:0]
	hub.emitTap([]byte(`{}`))
	assert.Equal(t, []int{0, 2, 3}, calls)
}
