package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/telemetry"
	"github.com/dremian/simlink/internal/video"
)

func NewMonitorCommand() *cobra.Command {
	var (
		outputJSON bool
		camera     bool
		snapshot   string
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print live telemetry from the simulator",
		Long: `Connect to the relay as a client and print every telemetry update until interrupted.
With --camera the camera stream is started and frame statistics are printed once per second.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := newClient(cmd)
			c.SetStateCallback(func(s *telemetry.DroneState) {
				if outputJSON {
					out, _ := json.Marshal(s)
					fmt.Println(string(out))
					return
				}
				printState(s)
			})
			c.OnStatus(func(s protocol.Status) {
				if outputJSON {
					return
				}
				if s.Connected {
					fmt.Println(color.GreenString("● simulator connected"))
				} else {
					fmt.Printf("%s %s\n", color.New(color.Faint).Sprint("○ simulator not connected"), s.Message)
				}
			})
			c.OnError(func(e protocol.Error) {
				fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("relay error:"), e.Message)
			})

			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Disconnect()

			if camera {
				go reportFrames(ctx, c.Video())
				go func() {
					if err := c.StartCamera(ctx, protocol.CameraStart{}); err != nil {
						fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("camera start failed:"), err)
					}
				}()
			}

			if !outputJSON {
				fmt.Printf("Watching %s. Press %s to stop...\n",
					color.CyanString("%s", clientURL(cmd)),
					color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
			}

			err := c.ReceiveMessages(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			if snapshot != "" {
				if werr := writeSnapshot(c.Video(), snapshot); werr != nil {
					return werr
				}
			}
			return err
		},
		Example: `  # Human readable telemetry
  simlink monitor

  # One JSON state per line, for piping into jq
  simlink monitor --json

  # Start the camera and keep the last frame
  simlink monitor --camera --snapshot last.jpg`,
	}

	flags := cmd.Flags()
	flags.BoolVar(&outputJSON, "json", false, "Print each state as a JSON line")
	flags.BoolVar(&camera, "camera", false, "Start the camera stream and report frame rate")
	flags.StringVar(&snapshot, "snapshot", "", "Write the last camera frame to this file on exit")
	addClientFlags(cmd)

	return cmd
}

func printState(s *telemetry.DroneState) {
	label := color.New(color.Faint)
	ts := time.UnixMilli(s.Timestamp).Format("15:04:05.000")
	fmt.Printf("%s %s %.6f, %.6f  %s %.1fm  %s r%.1f p%.1f y%.1f  %s %.1f/%.1f/%.1f\n",
		label.Sprint(ts),
		color.CyanString("pos"), s.Position.Latitude, s.Position.Longitude,
		color.CyanString("alt"), s.Position.Altitude,
		color.CyanString("att"), s.Orientation.Roll, s.Orientation.Pitch, s.Orientation.Yaw,
		color.CyanString("vel"), s.Velocity.VX, s.Velocity.VY, s.Velocity.VZ)
}

func reportFrames(ctx context.Context, buf *video.Buffer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := buf.FrameCount()
			f, ok := buf.Latest()
			if !ok {
				continue
			}
			fmt.Printf("%s %d fps, %dx%d %s, %d bytes, #%d\n",
				color.MagentaString("camera"), count-last, f.Width, f.Height, f.Encoding, len(f.Data), f.Sequence)
			last = count
		}
	}
}

func writeSnapshot(buf *video.Buffer, path string) error {
	f, ok := buf.Latest()
	if !ok {
		return errors.New("no camera frame received")
	}
	if err := os.WriteFile(path, f.Data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write snapshot %s", path)
	}
	fmt.Printf("%s %s (%d bytes)\n", color.GreenString("✓ saved frame to"), path, len(f.Data))
	return nil
}
