package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useFresh swaps in a viper instance that never read a config file.
func useFresh(t *testing.T) {
	t.Helper()
	old := v
	v = newViper()
	t.Cleanup(func() { v = old })
}

func TestDefaults(t *testing.T) {
	useFresh(t)

	assert.Equal(t, "localhost", GetRelayHost())
	assert.Equal(t, 8080, GetRelayPort())
	assert.Equal(t, 64, GetClientQueueSize())
	assert.Equal(t, 256, GetSimulatorQueueSize())
	assert.Equal(t, 10*time.Second, GetWriteTimeout())
	assert.Equal(t, 2*time.Second, GetForwardTimeout())
	assert.False(t, GetProxyProtocol())
	assert.True(t, GetMetricsEnabled())
	assert.Equal(t, "info", GetLogLevel())
	assert.Equal(t, "ws://localhost:8080/client", GetClientURL())
	assert.Equal(t, 5*time.Second, GetRequestTimeout())
	assert.False(t, GetCameraAck())
	assert.Equal(t, 5*time.Second, GetCameraAckTimeout())
	assert.Empty(t, GetMQTTBroker())
	assert.Empty(t, GetMQTTClientID())
	assert.Equal(t, "simlink", GetMQTTTopicPrefix())
	assert.Equal(t, byte(0), GetMQTTQoS())
}

func TestEnvironmentOverrides(t *testing.T) {
	useFresh(t)
	t.Setenv("SIMLINK_RELAY_PORT", "9090")
	t.Setenv("SIMLINK_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("SIMLINK_CLIENT_REQUEST_TIMEOUT", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	assert.Equal(t, 9090, GetRelayPort())
	assert.Equal(t, "tcp://broker:1883", GetMQTTBroker())
	assert.Equal(t, 250*time.Millisecond, GetRequestTimeout())
	assert.Equal(t, "debug", GetLogLevel())
}

func TestLoad(t *testing.T) {
	useFresh(t)

	path := filepath.Join(t.TempDir(), "simlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay:
  host: 0.0.0.0
  port: 7000
  proxy_protocol: true
client:
  camera_ack: true
mqtt:
  topic_prefix: drones/alpha
  qos: 5
`), 0600))

	require.NoError(t, Load(path))

	assert.Equal(t, path, ConfigFile())
	assert.Equal(t, "0.0.0.0", GetRelayHost())
	assert.Equal(t, 7000, GetRelayPort())
	assert.True(t, GetProxyProtocol())
	assert.True(t, GetCameraAck())
	assert.Equal(t, "drones/alpha", GetMQTTTopicPrefix())
	assert.Equal(t, byte(2), GetMQTTQoS())
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 64, GetClientQueueSize())
}

func TestLoadMissingFile(t *testing.T) {
	useFresh(t)

	err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestBindFlag(t *testing.T) {
	useFresh(t)

	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	BindFlag("relay.port", flags.Lookup("port"))
	BindFlag("relay.host", nil)

	assert.Equal(t, 8080, GetRelayPort())

	require.NoError(t, flags.Parse([]string{"--port", "6000"}))
	assert.Equal(t, 6000, GetRelayPort())
	assert.Equal(t, "localhost", GetRelayHost())
}
