package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = newViper()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	// Set default values
	v.SetDefault("relay.host", "localhost")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.client_queue_size", 64)
	v.SetDefault("relay.simulator_queue_size", 256)
	v.SetDefault("relay.write_timeout", 10*time.Second)
	v.SetDefault("relay.forward_timeout", 2*time.Second)
	v.SetDefault("relay.proxy_protocol", false)
	v.SetDefault("relay.metrics", true)

	v.SetDefault("log.level", "info")

	v.SetDefault("client.url", "ws://localhost:8080/client")
	v.SetDefault("client.request_timeout", 5*time.Second)
	v.SetDefault("client.camera_ack", false)
	v.SetDefault("client.camera_ack_timeout", 5*time.Second)

	// An empty broker disables the MQTT mirror. An empty client id is
	// generated at connect time.
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "simlink")
	v.SetDefault("mqtt.qos", 0)

	// Environment variables: SIMLINK_RELAY_PORT, SIMLINK_MQTT_BROKER, ...
	v.SetEnvPrefix("SIMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("log.level", "SIMLINK_LOG_LEVEL", "LOG_LEVEL")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "simlink"),
		"/etc/simlink",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	return v
}

// Load reads an explicit config file, replacing any file found on the
// search path.
func Load(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

// ConfigFile returns the config file in use, or "" when running on defaults.
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// BindFlag makes a command-line flag override the config key when the flag
// is set.
func BindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		return
	}
	v.BindPFlag(key, flag)
}

// GetRelayHost returns the interface the relay listens on
func GetRelayHost() string {
	return v.GetString("relay.host")
}

// GetRelayPort returns the relay's TCP port
func GetRelayPort() int {
	return v.GetInt("relay.port")
}

func GetClientQueueSize() int {
	return v.GetInt("relay.client_queue_size")
}

func GetSimulatorQueueSize() int {
	return v.GetInt("relay.simulator_queue_size")
}

func GetWriteTimeout() time.Duration {
	return v.GetDuration("relay.write_timeout")
}

// GetForwardTimeout returns how long a client message may wait for room in
// the simulator's queue
func GetForwardTimeout() time.Duration {
	return v.GetDuration("relay.forward_timeout")
}

func GetProxyProtocol() bool {
	return v.GetBool("relay.proxy_protocol")
}

// GetMetricsEnabled reports whether the relay serves /metrics
func GetMetricsEnabled() bool {
	return v.GetBool("relay.metrics")
}

func GetLogLevel() string {
	return v.GetString("log.level")
}

// GetClientURL returns the relay endpoint the CLI client commands dial
func GetClientURL() string {
	return v.GetString("client.url")
}

func GetRequestTimeout() time.Duration {
	return v.GetDuration("client.request_timeout")
}

// GetCameraAck reports whether camera start/stop wait for the simulator to
// acknowledge
func GetCameraAck() bool {
	return v.GetBool("client.camera_ack")
}

func GetCameraAckTimeout() time.Duration {
	return v.GetDuration("client.camera_ack_timeout")
}

// GetMQTTBroker returns the MQTT broker URL, empty when the mirror is off
func GetMQTTBroker() string {
	return v.GetString("mqtt.broker")
}

func GetMQTTClientID() string {
	return v.GetString("mqtt.client_id")
}

func GetMQTTUsername() string {
	return v.GetString("mqtt.username")
}

func GetMQTTPassword() string {
	return v.GetString("mqtt.password")
}

func GetMQTTTopicPrefix() string {
	return v.GetString("mqtt.topic_prefix")
}

// GetMQTTQoS returns the MQTT quality of service, clamped to 0..2
func GetMQTTQoS() byte {
	qos := v.GetInt("mqtt.qos")
	switch {
	case qos < 0:
		return 0
	case qos > 2:
		return 2
	}
	return byte(qos)
}
