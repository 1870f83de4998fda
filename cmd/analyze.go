package cmd

import (
	"fmt"

	"github.com/Technologic101/resonance-detector-sub000/internal/service"

	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file.wav]",
	Short: "Run the analysis chain over an existing recording",
	Long: `Analyze a WAV file offline with the same chain the live recording
uses. The file is scanned window by window and the loudest window's
analysis is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		analysis, err := service.AnalyzeWAV(args[0], cfg)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		fmt.Printf("Analysis of %s\n", args[0])
		printAnalysis(analysis)
		return nil
	},
}
