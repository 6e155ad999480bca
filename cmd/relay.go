package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dremian/simlink/config"
	"github.com/dremian/simlink/internal/mirror"
	"github.com/dremian/simlink/internal/relay"
	"github.com/dremian/simlink/internal/util"
)

// NewRelayCommand creates the 'relay' command
func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay hub",
		Long: `Run the relay hub in the foreground. One simulator and any number of clients connect over websockets:
  /simulator  the simulator endpoint (a second simulator is refused)
  /client     the client endpoint
  /           picks a role: simulator if none is attached, client otherwise`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelayInForeground()
		},
		Example: `  # Start the relay on the default port
  simlink relay

  # Listen on all interfaces behind a PROXY protocol load balancer
  simlink relay --host 0.0.0.0 --proxy-protocol

  # Mirror telemetry to an MQTT broker
  simlink relay --mqtt-broker tcp://localhost:1883`,
	}

	flags := cmd.Flags()
	flags.String("host", "localhost", "Interface to listen on")
	flags.IntP("port", "p", 8080, "Relay port")
	flags.Bool("proxy-protocol", false, "Accept PROXY protocol headers")
	flags.Bool("metrics", true, "Serve Prometheus metrics on /metrics")
	flags.String("mqtt-broker", "", "MQTT broker URL for the telemetry mirror (disabled when empty)")
	flags.String("mqtt-topic-prefix", "simlink", "MQTT topic prefix")

	config.BindFlag("relay.host", flags.Lookup("host"))
	config.BindFlag("relay.port", flags.Lookup("port"))
	config.BindFlag("relay.proxy_protocol", flags.Lookup("proxy-protocol"))
	config.BindFlag("relay.metrics", flags.Lookup("metrics"))
	config.BindFlag("mqtt.broker", flags.Lookup("mqtt-broker"))
	config.BindFlag("mqtt.topic_prefix", flags.Lookup("mqtt-topic-prefix"))

	return cmd
}

func runRelayInForeground() error {
	logger := util.GetLogger()

	var gatherer prometheus.Gatherer
	metrics := relay.NewMetrics(nil)
	if config.GetMetricsEnabled() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = relay.NewMetrics(reg)
		gatherer = reg
	}

	hub := relay.NewHub(relay.Config{
		ClientQueueSize:    config.GetClientQueueSize(),
		SimulatorQueueSize: config.GetSimulatorQueueSize(),
		WriteTimeout:       config.GetWriteTimeout(),
		ForwardTimeout:     config.GetForwardTimeout(),
		Metrics:            metrics,
	})
	server := relay.NewServer(relay.ServerConfig{
		Host:          config.GetRelayHost(),
		Port:          config.GetRelayPort(),
		ProxyProtocol: config.GetProxyProtocol(),
		Gatherer:      gatherer,
	}, hub)

	if err := server.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.Serve(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var m *mirror.Mirror
	if broker := config.GetMQTTBroker(); broker != "" {
		var err error
		m, err = mirror.Dial(mirror.Config{
			Broker:      broker,
			ClientID:    config.GetMQTTClientID(),
			Username:    config.GetMQTTUsername(),
			Password:    config.GetMQTTPassword(),
			TopicPrefix: config.GetMQTTTopicPrefix(),
			QoS:         config.GetMQTTQoS(),
		}, hub)
		if err != nil {
			// The relay is useful without the mirror.
			logger.Error("MQTT mirror disabled", "error", err)
		}
	}

	addr := server.Addr().String()
	fmt.Printf("%s %s %s\n", color.GreenString("🚁 simlink relay"), color.CyanString("➜"), color.BlueString("ws://%s", addr))
	fmt.Printf("   simulator: %s\n", color.CyanString("ws://%s/simulator", addr))
	fmt.Printf("   clients:   %s\n", color.CyanString("ws://%s/client", addr))
	if m != nil {
		fmt.Printf("   mqtt:      %s\n", color.CyanString("%s", config.GetMQTTBroker()))
	}
	fmt.Printf("Press %s to stop...\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case <-sigChan:
		logger.Info("Shutting down relay...")
	case serveErr = <-errChan:
		serveErr = errors.Wrap(serveErr, "relay stopped serving")
	}

	if m != nil {
		m.Stop()
	}
	if err := server.Stop(); err != nil {
		logger.Error("Error stopping relay", "error", err)
	}
	return serveErr
}
