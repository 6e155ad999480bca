// Package client is the simlink protocol engine: it owns one connection to
// the relay, sends commands, and turns inbound messages into state updates,
// video frames and request completions.
//
// The engine is cooperative. ReceiveMessages runs the only read loop and
// invokes every callback on its own goroutine, in message-arrival order. A
// slow callback delays the messages behind it; callers that need concurrent
// processing must hand work off themselves.
package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/dremian/simlink/internal/correlator"
	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/telemetry"
	"github.com/dremian/simlink/internal/util"
	"github.com/dremian/simlink/internal/video"
)

var (
	// ErrTransport marks connection-level failures. The engine is
	// Disconnected afterwards.
	ErrTransport = stderrors.New("transport error")
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = stderrors.New("not connected")
)

// ConnState is the engine's connection state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// Config configures a Client. Zero values take the defaults below.
type Config struct {
	URL string
	// RequestTimeout bounds get-camera-parameters requests. Default 5s.
	RequestTimeout time.Duration
	// CameraAck makes camera start/stop correlated requests that wait for
	// the simulator to echo their correlation id.
	CameraAck        bool
	CameraAckTimeout time.Duration
	Clock            clock.WithDelayedExecution
	Dial             DialFunc
}

const (
	DefaultURL            = "ws://localhost:8080/client"
	DefaultRequestTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.CameraAckTimeout <= 0 {
		c.CameraAckTimeout = DefaultRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Dial == nil {
		c.Dial = WebsocketDialer(nil)
	}
	return c
}

// session is one live connection and its in-flight requests.
type session struct {
	transport Transport
	requests  *correlator.Correlator
	closing   atomic.Bool
	failed    atomic.Pointer[error] // first write failure
}

// Client is a simlink protocol engine.
type Client struct {
	cfg     Config
	decoder *telemetry.Decoder
	video   *video.Buffer

	state    atomic.Int32
	mu       sync.Mutex
	sess     *session
	snapshot atomic.Pointer[telemetry.DroneState]

	stateSubs  *util.Subscribers[*telemetry.DroneState]
	statusSubs *util.Subscribers[protocol.Status]
	errorSubs  *util.Subscribers[protocol.Error]
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		decoder:    telemetry.NewDecoder(cfg.Clock),
		video:      video.NewBuffer(),
		stateSubs:  util.NewSubscribers[*telemetry.DroneState]("state"),
		statusSubs: util.NewSubscribers[protocol.Status]("status"),
		errorSubs:  util.NewSubscribers[protocol.Error]("error"),
	}
}

// ConnState returns the current connection state.
func (c *Client) ConnState() ConnState {
	return ConnState(c.state.Load())
}

// Connect opens the transport. On failure the engine stays Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return errors.Errorf("connect: engine is %s", c.ConnState())
	}

	logger := util.GetLogger()
	logger.Info("Connecting to relay", "url", c.cfg.URL)

	t, err := c.cfg.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s := &session{transport: t}
	s.requests = correlator.New(func(ctx context.Context, env protocol.Envelope) error {
		return c.write(ctx, s, env)
	}, c.cfg.Clock)

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	c.state.Store(int32(Connected))

	logger.Info("Connected to relay", "url", c.cfg.URL)
	return nil
}

// Disconnect closes the connection. Pending requests fail immediately and a
// running ReceiveMessages returns nil.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	c.state.Store(int32(Disconnected))
	s.closing.Store(true)
	s.requests.Close(ErrNotConnected)

	util.GetLogger().Info("Disconnected from relay", "url", c.cfg.URL)
	return s.transport.Close()
}

// SendControl transmits stick inputs, clamped into range. It returns once
// the message is handed to the transport.
func (c *Client) SendControl(ctx context.Context, roll, pitch, yaw, throttle float64) error {
	cmd := protocol.Control{Roll: roll, Pitch: pitch, Yaw: yaw, Throttle: throttle}.Clamp()
	return c.send(ctx, protocol.New(cmd))
}

// SendPosition teleports the drone. Fire-and-forget.
func (c *Client) SendPosition(ctx context.Context, p protocol.PositionSet) error {
	return c.send(ctx, protocol.New(p))
}

// StartCamera turns the camera stream on. Zero fields of p take the
// simulator defaults. With Config.CameraAck the call waits for the
// simulator's acknowledgement.
func (c *Client) StartCamera(ctx context.Context, p protocol.CameraStart) error {
	def := protocol.DefaultCameraStart()
	if p.Width <= 0 || p.Height <= 0 {
		p.Width, p.Height = def.Width, def.Height
	}
	if p.Rate <= 0 {
		p.Rate = def.Rate
	}
	if p.Quality <= 0 || p.Quality > 1 {
		p.Quality = def.Quality
	}
	return c.cameraCommand(ctx, protocol.New(p))
}

// StopCamera turns the camera stream off.
func (c *Client) StopCamera(ctx context.Context) error {
	return c.cameraCommand(ctx, protocol.New(protocol.CameraStop{}))
}

func (c *Client) cameraCommand(ctx context.Context, env protocol.Envelope) error {
	if !c.cfg.CameraAck {
		return c.send(ctx, env)
	}
	_, err := c.request(ctx, env, c.cfg.CameraAckTimeout)
	return err
}

// GetCameraParameters asks the simulator for its camera calibration. It
// fails with correlator.ErrRequestTimedOut when no answer arrives within
// Config.RequestTimeout. ReceiveMessages must be running.
func (c *Client) GetCameraParameters(ctx context.Context) (protocol.CameraParams, error) {
	resp, err := c.request(ctx, protocol.New(protocol.CameraParamsRequest{}), c.cfg.RequestTimeout)
	if err != nil {
		return protocol.CameraParams{}, err
	}
	params, ok := resp.Payload.(protocol.CameraParams)
	if !ok {
		return protocol.CameraParams{}, errors.Errorf("unexpected %s response", resp.Type)
	}
	return params, nil
}

// SetStateCallback registers the single state callback, replacing any
// previous one. It runs for every telemetry message that decodes.
func (c *Client) SetStateCallback(fn func(*telemetry.DroneState)) {
	c.stateSubs.Set(fn)
}

// OnState adds a state subscriber alongside the SetStateCallback one.
func (c *Client) OnState(fn func(*telemetry.DroneState)) (cancel func()) {
	return c.stateSubs.Add(fn)
}

// OnStatus subscribes to relay status messages (simulator presence).
func (c *Client) OnStatus(fn func(protocol.Status)) (cancel func()) {
	return c.statusSubs.Add(fn)
}

// OnError subscribes to error messages not tied to a pending request.
func (c *Client) OnError(fn func(protocol.Error)) (cancel func()) {
	return c.errorSubs.Add(fn)
}

// State returns the latest drone state, or nil before the first telemetry.
func (c *Client) State() *telemetry.DroneState {
	return c.snapshot.Load()
}

// Video returns the frame buffer fed by camera_frame messages.
func (c *Client) Video() *video.Buffer {
	return c.video
}

// ReceiveMessages runs the read loop until the connection ends or ctx is
// done. It returns nil after Disconnect or a clean close by the relay,
// ctx.Err() when ctx ends, and an error matching ErrTransport otherwise. Either way the engine is
// Disconnected on return and pending requests have failed.
func (c *Client) ReceiveMessages(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() {
		s.closing.Store(true)
		s.transport.Close()
	})
	defer stop()

	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			return c.endSession(ctx, s, err)
		}
		c.dispatch(s, raw)
	}
}

func (c *Client) endSession(ctx context.Context, s *session, readErr error) error {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state.Store(int32(Disconnected))
	}
	c.mu.Unlock()

	logger := util.GetLogger()
	switch {
	case ctx.Err() != nil:
		s.requests.Close(ctx.Err())
		s.transport.Close()
		return ctx.Err()
	case s.failed.Load() != nil:
		return *s.failed.Load()
	case s.closing.Load() || isNormalClose(readErr):
		s.requests.Close(ErrNotConnected)
		s.transport.Close()
		logger.Info("Connection closed", "url", c.cfg.URL)
		return nil
	}

	err := fmt.Errorf("%w: %w", ErrTransport, readErr)
	s.requests.Close(err)
	s.transport.Close()
	logger.Warn("Connection lost", "url", c.cfg.URL, "error", readErr)
	return err
}

func (c *Client) dispatch(s *session, raw []byte) {
	logger := util.GetLogger()

	env, err := protocol.Decode(raw)
	if err != nil {
		logger.Warn("Dropping malformed message", "error", err)
		return
	}

	// Any envelope echoing a pending request's id may complete it.
	resolved := env.CorrelationID != "" && s.requests.Resolve(env)

	switch p := env.Payload.(type) {
	case protocol.Telemetry:
		prev := c.snapshot.Load()
		next, err := c.decoder.Decode(prev, p)
		if err != nil {
			logger.Warn("Telemetry decode warning", "error", err)
			return
		}
		c.snapshot.Store(next)
		c.stateSubs.Emit(next)

	case protocol.CameraFrame:
		frame, err := video.DecodeFrame(p)
		if err != nil {
			logger.Warn("Dropping camera frame", "error", err)
			return
		}
		c.video.Put(frame)

	case protocol.CameraParams:
		if !resolved && !s.requests.Resolve(env) {
			logger.Debug("Discarding unsolicited camera parameters", "correlation_id", env.CorrelationID)
		}

	case protocol.Status:
		logger.Debug("Relay status", "connected", p.Connected, "message", p.Message)
		c.statusSubs.Emit(p)

	case protocol.Error:
		if resolved {
			return
		}
		logger.Warn("Error from relay", "code", p.Code, "message", p.Message)
		c.errorSubs.Emit(p)

	default:
		if !resolved {
			logger.Warn("Dropping unexpected message", "type", env.Type)
		}
	}
}

func (c *Client) current() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.ConnState() != Connected {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return c.write(ctx, s, env)
}

func (c *Client) write(ctx context.Context, s *session, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := s.transport.WriteMessage(ctx, data); err != nil {
		err = fmt.Errorf("%w: send %s: %w", ErrTransport, env.Type, err)
		c.failSession(s, err)
		return err
	}
	util.GetLogger().Debug("Sent message", "type", env.Type, "correlation_id", env.CorrelationID)
	return nil
}

// failSession ends s after a write failure. A failed write leaves the
// websocket unusable, so the engine goes Disconnected even when no read loop
// is running, and a running one returns err.
func (c *Client) failSession(s *session, err error) {
	if !s.failed.CompareAndSwap(nil, &err) {
		return
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state.Store(int32(Disconnected))
	}
	c.mu.Unlock()

	s.requests.Close(err)
	s.transport.Close()
	if !s.closing.Load() {
		util.GetLogger().Warn("Connection lost", "url", c.cfg.URL, "error", err)
	}
}

func (c *Client) request(ctx context.Context, env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	s, err := c.current()
	if err != nil {
		return protocol.Envelope{}, err
	}
	h, err := s.requests.Issue(ctx, env, timeout)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return h.Wait(ctx)
}
