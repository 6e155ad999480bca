package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dremian/simlink/internal/correlator"
	"github.com/dremian/simlink/internal/protocol"
)

func NewCameraParamsCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "camera-params",
		Short: "Print the simulator camera calibration",
		Long:  `Request the camera intrinsics and distortion coefficients from the simulator and print them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			c := newClient(cmd)
			stop, err := session(ctx, c)
			if err != nil {
				return err
			}
			defer stop()

			params, err := c.GetCameraParameters(ctx)
			if errors.Is(err, correlator.ErrRequestTimedOut) {
				return errors.Wrap(err, "simulator did not answer")
			}
			var remote *correlator.RemoteError
			if errors.As(err, &remote) {
				return errors.Errorf("simulator refused: %s", remote.Message)
			}
			if err != nil {
				return err
			}

			if outputJSON {
				out, err := json.MarshalIndent(params, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			printCameraParams(params)
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	addClientFlags(cmd)
	return cmd
}

func printCameraParams(p protocol.CameraParams) {
	label := color.New(color.FgCyan)
	fmt.Printf("%s %dx%d\n", label.Sprint("Frame:        "), p.FrameWidth, p.FrameHeight)
	fmt.Println(label.Sprint("Camera matrix:"))
	for _, row := range p.CameraMatrix {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprintf("%12.4f", v)
		}
		fmt.Printf("  [%s ]\n", strings.Join(cells, ""))
	}
	coeffs := make([]string, len(p.DistCoeffs))
	for i, v := range p.DistCoeffs {
		coeffs[i] = fmt.Sprintf("%.6g", v)
	}
	fmt.Printf("%s [%s]\n", label.Sprint("Distortion:   "), strings.Join(coeffs, ", "))
}
