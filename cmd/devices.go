package cmd

import (
	"fmt"
	"time"

	"github.com/powerlab/protorec/internal/device"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List configured devices",
	Long: `List the devices from the configuration file. With --probe, each device
is opened briefly to report its actual health.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetBool("probe")

		fmt.Printf("Configured devices (%d):\n\n", len(cfg.Devices))

		handles, err := device.FromConfig(cfg, simulate)
		if err != nil {
			return err
		}

		for i, h := range handles {
			dc := cfg.Devices[i]
			line := fmt.Sprintf("  %s  [%s]", h.ID(), h.Kind())
			switch h.Kind() {
			case device.KindCamera:
				line += fmt.Sprintf("  element=%s %dx%d@%dfps", dc.Element, dc.Width, dc.Height, dc.Framerate)
			case device.KindIMU:
				line += fmt.Sprintf("  path=%s rate=%dHz", dc.Path, dc.SampleRate)
			}

			if probe {
				if err := h.Open(); err != nil {
					line += fmt.Sprintf("  health=DEAD (%v)", err)
				} else {
					// Give the device a moment to produce before judging.
					time.Sleep(200 * time.Millisecond)
					line += fmt.Sprintf("  health=%s", h.Health())
					h.Close()
				}
			}

			fmt.Println(line)
		}

		return nil
	},
}

func init() {
	devicesCmd.Flags().Bool("probe", false, "open each device and report health")
}
