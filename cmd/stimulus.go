package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/audio"

	"github.com/spf13/cobra"
)

var stimulusDuration time.Duration

var stimulusCmd = &cobra.Command{
	Use:   "stimulus [kind]",
	Short: "Play a test stimulus without recording",
	Long: `Play a test stimulus through the speakers, for checking the output
chain before a measurement. Kinds: ambient, sweep-linear, sweep-log,
noise-white, noise-pink, impulse.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseStimulusKind(args[0])
		if err != nil {
			return err
		}

		player := audio.NewStimulusPlayer(cfg.Audio.SampleRate, cfg.Stimulus.AssetDirectory, nil)
		prepared, err := player.Prepare(audio.StimulusSpec{Kind: kind, Duration: stimulusDuration})
		if err != nil {
			return fmt.Errorf("failed to prepare stimulus: %w", err)
		}

		done, err := player.Play(prepared)
		if err != nil {
			return fmt.Errorf("failed to play stimulus: %w", err)
		}
		slog.Info("playing stimulus", "kind", kind, "duration", prepared.Duration())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case <-done:
		case <-sigChan:
			player.Halt()
		}
		return nil
	},
}

func init() {
	stimulusCmd.Flags().DurationVarP(&stimulusDuration, "duration", "d", 0, "stimulus duration (0 uses the kind's default)")
}
