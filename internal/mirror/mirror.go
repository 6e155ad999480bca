// Package mirror bridges a relay hub to an MQTT broker. Simulator telemetry
// and hub status are published to the broker; command envelopes received on
// the command topic are forwarded to the simulator.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/telemetry"
	"github.com/dremian/simlink/internal/util"
)

type Config struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte

	ConnectTimeout time.Duration
	ForwardTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "simlink-" + uniuri.NewLen(8)
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "simlink"
	}
	if c.QoS > 2 {
		c.QoS = 2
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 5 * time.Second
	}
	return c
}

func (c Config) TelemetryTopic() string { return c.TopicPrefix + "/telemetry" }
func (c Config) StatusTopic() string    { return c.TopicPrefix + "/status" }
func (c Config) CommandTopic() string   { return c.TopicPrefix + "/command" }

// Hub is the part of relay.Hub the mirror uses.
type Hub interface {
	Tap(fn func(msg []byte)) (cancel func())
	ForwardToSimulator(ctx context.Context, msg []byte) error
}

// Publisher is the part of mqtt.Client the mirror uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// commandTypes are the envelopes accepted from the broker.
var commandTypes = map[protocol.Type]bool{
	protocol.TypeControl:     true,
	protocol.TypePositionSet: true,
	protocol.TypeCameraStart: true,
	protocol.TypeCameraStop:  true,
}

type Mirror struct {
	cfg     Config
	hub     Hub
	pub     Publisher
	client  mqtt.Client
	decoder *telemetry.Decoder

	mu    sync.Mutex
	state *telemetry.DroneState
	untap func()
}

// New creates a mirror publishing through pub. Use Dial to connect to a
// real broker.
func New(cfg Config, hub Hub, pub Publisher) *Mirror {
	return &Mirror{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		pub:     pub,
		decoder: telemetry.NewDecoder(nil),
	}
}

// Dial connects to the configured broker and returns a started mirror.
func Dial(cfg Config, hub Hub) (*Mirror, error) {
	cfg = cfg.withDefaults()
	logger := util.GetLogger()

	mqtt.ERROR = util.GetCompatLoggerAt(slog.LevelError).With("component", "mqtt")
	mqtt.CRITICAL = util.GetCompatLoggerAt(slog.LevelError).With("component", "mqtt")
	mqtt.WARN = util.GetCompatLoggerAt(slog.LevelWarn).With("component", "mqtt")

	m := &Mirror{cfg: cfg, hub: hub, decoder: telemetry.NewDecoder(nil)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetWill(cfg.StatusTopic(), string(protocol.MustEncode(protocol.New(protocol.Status{
		Connected: false,
		Message:   "relay offline",
	}))), cfg.QoS, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("MQTT connected", "broker", cfg.Broker)
		if err := m.subscribe(); err != nil {
			logger.Error("MQTT subscribe failed", "topic", cfg.CommandTopic(), "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	m.client = client
	m.pub = client

	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, errors.Errorf("connect to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to MQTT broker %s", cfg.Broker)
	}

	m.Start()
	return m, nil
}

// Start attaches the mirror to the hub's simulator traffic.
func (m *Mirror) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.untap == nil {
		m.untap = m.hub.Tap(m.HandleSimulatorMessage)
	}
}

// Stop detaches from the hub and disconnects from the broker.
func (m *Mirror) Stop() {
	m.mu.Lock()
	untap := m.untap
	m.untap = nil
	m.mu.Unlock()

	if untap != nil {
		untap()
	}
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

func (m *Mirror) subscribe() error {
	token := m.pub.Subscribe(m.cfg.CommandTopic(), m.cfg.QoS, m.handleCommand)
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return errors.New("subscribe timed out")
	}
	return token.Error()
}

// HandleSimulatorMessage mirrors one simulator message. Telemetry is
// published as a decoded drone state and status as a retained message.
// Other messages, camera frames included, stay off the broker.
func (m *Mirror) HandleSimulatorMessage(msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		return
	}

	switch p := env.Payload.(type) {
	case protocol.Telemetry:
		m.mu.Lock()
		next, err := m.decoder.Decode(m.state, p)
		if err == nil {
			m.state = next
		}
		m.mu.Unlock()
		if err != nil {
			util.GetLogger().Debug("Skipping malformed telemetry", "error", err)
			return
		}
		body, err := json.Marshal(next)
		if err != nil {
			return
		}
		m.publish(m.cfg.TelemetryTopic(), false, body)

	case protocol.Status:
		if !p.Connected {
			m.mu.Lock()
			m.state = nil
			m.mu.Unlock()
		}
		m.publish(m.cfg.StatusTopic(), true, msg)
	}
}

// publish must not block: it runs on the hub's simulator read loop.
func (m *Mirror) publish(topic string, retained bool, payload []byte) {
	token := m.pub.Publish(topic, m.cfg.QoS, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			util.GetLogger().Warn("MQTT publish failed", "topic", topic, "error", err)
		}
	default:
	}
}

func (m *Mirror) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	logger := util.GetLogger()

	raw, err := m.command(msg.Payload())
	if err != nil {
		logger.Warn("Rejected MQTT command", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ForwardTimeout)
	defer cancel()
	if err := m.hub.ForwardToSimulator(ctx, raw); err != nil {
		logger.Warn("MQTT command not forwarded", "topic", msg.Topic(), "error", err)
		return
	}
	logger.Debug("Forwarded MQTT command", "topic", msg.Topic())
}

// command validates a command payload and re-encodes it in the canonical
// form. Control values are clamped.
func (m *Mirror) command(payload []byte) ([]byte, error) {
	env, err := protocol.Decode(payload)
	if err != nil {
		return nil, err
	}
	if !commandTypes[env.Type] {
		return nil, fmt.Errorf("type %q is not a command", env.Type)
	}
	if c, ok := env.Payload.(protocol.Control); ok {
		env.Payload = c.Clamp()
	}
	return protocol.Encode(env)
}
