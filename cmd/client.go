package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dremian/simlink/config"
	"github.com/dremian/simlink/internal/client"
	"github.com/dremian/simlink/internal/util"
)

// addClientFlags adds the flags shared by every command that talks to a
// running relay.
func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("url", client.DefaultURL, "Relay client endpoint")
	flags.Bool("camera-ack", false, "Wait for the simulator to acknowledge camera commands")
}

// clientURL returns --url when given, otherwise the configured endpoint.
func clientURL(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("url"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.GetClientURL()
}

func newClient(cmd *cobra.Command) *client.Client {
	url := clientURL(cmd)
	cameraAck := config.GetCameraAck()
	if f := cmd.Flags().Lookup("camera-ack"); f != nil && f.Changed {
		cameraAck = f.Value.String() == "true"
	}

	return client.New(client.Config{
		URL:              url,
		RequestTimeout:   config.GetRequestTimeout(),
		CameraAck:        cameraAck,
		CameraAckTimeout: config.GetCameraAckTimeout(),
	})
}

// session connects c and runs its read loop in the background. The
// returned stop func disconnects and waits for the read loop to exit.
func session(ctx context.Context, c *client.Client) (stop func(), err error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.ReceiveMessages(ctx); err != nil && ctx.Err() == nil {
			util.GetLogger().Warn("Read loop ended", "error", err)
		}
	}()

	return func() {
		c.Disconnect()
		<-done
	}, nil
}
