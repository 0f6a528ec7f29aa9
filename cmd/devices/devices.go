// Package devices lists audio capture devices for configuration.
package devices

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easwatch/easwatch/internal/source"
)

// Command creates the devices command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Long:  "Enumerate the capture devices the device source kind can open.\nUse a listed name in the sources[].device configuration field.",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := source.ListCaptureDevices()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(devices) == 0 {
				fmt.Fprintln(w, "No capture devices found")
				return nil
			}
			for _, d := range devices {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Fprintf(w, "%s %2d  %s\n", marker, d.Index, d.Name)
			}
			fmt.Fprintln(w, "\n* = system default")
			return nil
		},
	}
}
