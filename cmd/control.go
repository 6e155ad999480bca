package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dremian/simlink/internal/protocol"
)

func NewControlCommand() *cobra.Command {
	var (
		roll, pitch, yaw, throttle float64
		repeat                     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "control",
		Short: "Send stick inputs to the simulator",
		Long: `Send one control message through the relay. Roll, pitch and yaw are clamped to [-1, 1] and throttle to [0, 1].
With --repeat the message is resent at that interval until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c := newClient(cmd)
			stop, err := session(ctx, c)
			if err != nil {
				return err
			}
			defer stop()

			send := func() error {
				sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return c.SendControl(sendCtx, roll, pitch, yaw, throttle)
			}

			if err := send(); err != nil {
				return errors.Wrap(err, "send control")
			}
			sent := protocol.Control{Roll: roll, Pitch: pitch, Yaw: yaw, Throttle: throttle}.Clamp()
			fmt.Printf("%s roll=%.2f pitch=%.2f yaw=%.2f throttle=%.2f\n",
				color.GreenString("✓ sent"), sent.Roll, sent.Pitch, sent.Yaw, sent.Throttle)

			if repeat <= 0 {
				return nil
			}
			ticker := time.NewTicker(repeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := send(); err != nil {
						return errors.Wrap(err, "send control")
					}
				}
			}
		},
		Example: `  # Level hover at half throttle
  simlink control --throttle 0.5

  # Bank right, resending every 100ms until Ctrl+C
  simlink control --roll 0.3 --throttle 0.6 --repeat 100ms`,
	}

	flags := cmd.Flags()
	flags.Float64Var(&roll, "roll", 0, "Roll input [-1, 1]")
	flags.Float64Var(&pitch, "pitch", 0, "Pitch input [-1, 1]")
	flags.Float64Var(&yaw, "yaw", 0, "Yaw input [-1, 1]")
	flags.Float64Var(&throttle, "throttle", 0, "Throttle input [0, 1]")
	flags.DurationVar(&repeat, "repeat", 0, "Resend interval (0 sends once)")
	addClientFlags(cmd)

	return cmd
}

func NewPositionCommand() *cobra.Command {
	var (
		lat, lon, alt    float64
		roll, pitch, yaw float64
	)

	cmd := &cobra.Command{
		Use:   "position",
		Short: "Teleport the drone",
		Long:  `Move the drone to a geodetic position. Without --alt the simulator places the drone on the terrain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("lat") || !flags.Changed("lon") {
				return errors.New("--lat and --lon are required")
			}

			p := protocol.PositionSet{Position: protocol.Position{Latitude: lat, Longitude: lon}}
			if flags.Changed("alt") {
				p.Position.Altitude = &alt
			}
			if flags.Changed("roll") || flags.Changed("pitch") || flags.Changed("yaw") {
				p.Orientation = &protocol.Orientation{Roll: roll, Pitch: pitch, Yaw: yaw}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			c := newClient(cmd)
			stop, err := session(ctx, c)
			if err != nil {
				return err
			}
			defer stop()

			if err := c.SendPosition(ctx, p); err != nil {
				return errors.Wrap(err, "send position")
			}
			fmt.Printf("%s %.6f, %.6f\n", color.GreenString("✓ teleported to"), lat, lon)
			return nil
		},
		Example: `  simlink position --lat 50.45 --lon 30.52 --alt 100 --yaw 90`,
	}

	flags := cmd.Flags()
	flags.Float64Var(&lat, "lat", 0, "Latitude in degrees")
	flags.Float64Var(&lon, "lon", 0, "Longitude in degrees")
	flags.Float64Var(&alt, "alt", 0, "Altitude in meters")
	flags.Float64Var(&roll, "roll", 0, "Roll in degrees")
	flags.Float64Var(&pitch, "pitch", 0, "Pitch in degrees")
	flags.Float64Var(&yaw, "yaw", 0, "Heading in degrees (0 = north, 90 = east)")
	addClientFlags(cmd)

	return cmd
}

func NewCameraCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Turn the simulator camera stream on or off",
	}

	var start protocol.CameraStart
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the camera stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCameraCommand(cmd, func(ctx context.Context, c cameraClient) error {
				return c.StartCamera(ctx, start)
			}, "camera started")
		},
	}
	startFlags := startCmd.Flags()
	startFlags.IntVar(&start.Width, "width", 0, "Frame width (default 640)")
	startFlags.IntVar(&start.Height, "height", 0, "Frame height (default 480)")
	startFlags.IntVar(&start.Rate, "rate", 0, "Frames per second (default 60)")
	startFlags.Float64Var(&start.Quality, "quality", 0, "JPEG quality in (0, 1] (default 0.8)")
	addClientFlags(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the camera stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCameraCommand(cmd, func(ctx context.Context, c cameraClient) error {
				return c.StopCamera(ctx)
			}, "camera stopped")
		},
	}
	addClientFlags(stopCmd)

	cmd.AddCommand(startCmd, stopCmd)
	return cmd
}

type cameraClient interface {
	StartCamera(ctx context.Context, p protocol.CameraStart) error
	StopCamera(ctx context.Context) error
}

func runCameraCommand(cmd *cobra.Command, do func(context.Context, cameraClient) error, done string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	c := newClient(cmd)
	stop, err := session(ctx, c)
	if err != nil {
		return err
	}
	defer stop()

	if err := do(ctx, c); err != nil {
		return err
	}
	fmt.Println(color.GreenString("✓ %s", done))
	return nil
}
