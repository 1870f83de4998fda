package cmd

import (
	"fmt"

	"github.com/Technologic101/resonance-detector-sub000/internal/service"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := service.NewStore(cfg.Output.Directory)
		if err != nil {
			return err
		}
		recordings, err := store.List()
		if err != nil {
			return err
		}
		if len(recordings) == 0 {
			fmt.Printf("No recordings in %s\n", store.Dir())
			return nil
		}

		for _, rec := range recordings {
			marker := " "
			if rec.AnalysisPath != "" {
				marker = "*"
			}
			fmt.Printf("%s %-40s %10s  %s\n", marker, rec.Name, rec.SizeHuman, rec.ModTime.Format("2006-01-02 15:04:05"))
		}
		fmt.Println("\n* has analysis sidecar")
		return nil
	},
}
