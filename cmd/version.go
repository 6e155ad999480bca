package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dremian/simlink/internal/version"
)

func NewVersionCommand() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Info()
			if outputJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			label := color.New(color.Faint)
			fmt.Printf("%s %s\n", label.Sprint("Version:     "), info["Version"])
			fmt.Printf("%s %s\n", label.Sprint("Protocol:    "), info["ProtocolVersion"])
			fmt.Printf("%s %s\n", label.Sprint("Git commit:  "), info["GitCommit"])
			fmt.Printf("%s %s\n", label.Sprint("Built:       "), info["FormattedTime"])
			fmt.Printf("%s %s\n", label.Sprint("Go version:  "), info["GoVersion"])
			fmt.Printf("%s %s/%s\n", label.Sprint("OS/Arch:     "), info["OS"], info["Arch"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}
