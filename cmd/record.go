package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/audio"
	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
	"github.com/Technologic101/resonance-detector-sub000/internal/service"

	"github.com/spf13/cobra"
)

var (
	recordStimulus string
	recordDuration time.Duration
	recordOutput   string
)

var recordCmd = &cobra.Command{
	Use:   "record [label]",
	Short: "Record from the capture device with live analysis",
	Long: `Record from the default capture device while the analysis loop
prints input level and quality. With --stimulus a reference signal plays
through the speakers and the recording stops automatically when it ends.

Press Ctrl+C to stop manually. The recording and its analysis are saved
in the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]

		var spec *audio.StimulusSpec
		if recordStimulus != "" {
			kind, err := parseStimulusKind(recordStimulus)
			if err != nil {
				return err
			}
			spec = &audio.StimulusSpec{Kind: kind, Duration: recordDuration}
		}

		outputDir := cfg.Output.Directory
		if recordOutput != "" {
			outputDir = recordOutput
		}
		store, err := service.NewStore(outputDir)
		if err != nil {
			return err
		}

		backend := audio.NewCaptureBackend()
		player := audio.NewStimulusPlayer(cfg.Audio.SampleRate, cfg.Stimulus.AssetDirectory, nil)
		controller := audio.NewController(cfg, backend, player)
		controller.SetObservers(
			func(ch audio.StateChange) {
				if ch.Fault != nil {
					slog.Error("session fault", "state", ch.State, "fault", ch.Fault)
					return
				}
				slog.Debug("session", "state", ch.State, "duration", ch.Duration.Round(100*time.Millisecond), "level", fmt.Sprintf("%.2f", ch.InputLevel))
			},
			func(a dsp.AudioAnalysis) {
				slog.Debug("analysis", "score", a.Score, "grade", a.Grade, "dominant_hz", fmt.Sprintf("%.0f", a.Metrics.DominantFrequency), "peaks", len(a.Frequency.Peaks))
			},
		)

		if err := controller.Initialize(); err != nil {
			return fmt.Errorf("failed to acquire capture device: %w", err)
		}
		defer controller.Dispose()

		if err := controller.Start(spec); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("recording... press Ctrl+C to stop", "label", label, "stimulus", recordStimulus)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		var result *audio.RecordingResult
		for result == nil {
			select {
			case result = <-controller.Result():
				// Auto-stop fired.
			case <-sigChan:
				result, err = controller.Stop()
				if err != nil {
					var fault *audio.Fault
					if errors.As(err, &fault) && fault.Kind == audio.FaultTooShort {
						slog.Warn("recording too short, keep going or Ctrl+C again after the minimum", "error", err)
						continue
					}
					return fmt.Errorf("failed to stop recording: %w", err)
				}
			}
		}

		stored, err := store.Save(label, result)
		if err != nil {
			return err
		}

		fmt.Printf("Saved %s (%s, %s)\n", stored.Path, stored.SizeHuman, result.Duration.Round(time.Millisecond))
		printAnalysis(&result.Analysis)
		return nil
	},
}

func parseStimulusKind(s string) (audio.StimulusKind, error) {
	for _, kind := range audio.StimulusKinds() {
		if string(kind) == s {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown stimulus %q, supported: %v", s, audio.StimulusKinds())
}

func printAnalysis(a *dsp.AudioAnalysis) {
	fmt.Printf("Quality: %d/100 (%s)\n", a.Score, a.Grade)
	fmt.Printf("Dominant: %.1f Hz  RMS: %.4f  SNR: %.1f dB  THD: %.1f%%\n",
		a.Metrics.DominantFrequency, a.Metrics.RMS, a.Frequency.SNR, a.Frequency.THD)
	if a.Frequency.FundamentalFrequency > 0 {
		fmt.Printf("Fundamental: %.1f Hz with %d harmonics\n",
			a.Frequency.FundamentalFrequency, len(a.Frequency.Harmonics))
	}
	for i, peak := range a.Frequency.Peaks {
		if i >= 5 {
			fmt.Printf("  ... %d more peaks\n", len(a.Frequency.Peaks)-i)
			break
		}
		fmt.Printf("  peak %d: %.1f Hz (%s) amplitude %.0f prominence %.0f\n",
			peak.ID, peak.Frequency, peak.Classification, peak.Amplitude, peak.Prominence)
	}
}

func init() {
	recordCmd.Flags().StringVarP(&recordStimulus, "stimulus", "s", "", "test stimulus to play: ambient, sweep-linear, sweep-log, noise-white, noise-pink, impulse")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "d", 0, "stimulus duration (0 uses the kind's default)")
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "output directory (overrides config)")
}
