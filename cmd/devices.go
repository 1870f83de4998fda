package cmd

import (
	"fmt"

	"github.com/Technologic101/resonance-detector-sub000/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend := audio.NewCaptureBackend()
		devices, err := backend.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list capture devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No capture devices found")
			return nil
		}
		fmt.Printf("Capture devices (%s backend):\n", backend.Name())
		for i, name := range devices {
			fmt.Printf("  %d: %s\n", i, name)
		}
		return nil
	},
}
