package service

import (
	"fmt"
	"os"

	"github.com/Technologic101/resonance-detector-sub000/internal/config"
	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
	"github.com/go-audio/wav"
)

// AnalyzeWAV runs the live analysis chain over a recording on disk. The file
// is scanned window by window and the window with the highest RMS is
// reported, so a quiet lead-in does not mask the signal of interest.
func AnalyzeWAV(path string, cfg *config.Config) (*dsp.AudioAnalysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode recording: %w", err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("recording contains no samples")
	}

	samples := downmix(buf.AsFloat32Buffer().Data, buf.Format.NumChannels)

	extractor := dsp.NewMetricsExtractor(buf.Format.SampleRate, cfg.Analysis.WindowSize)
	detector := dsp.NewPeakDetector(buf.Format.SampleRate, cfg.Analysis.PeakThreshold, cfg.Analysis.MinPeakDistance)

	windowSize := cfg.Analysis.WindowSize
	var best *dsp.AudioAnalysis
	for off := 0; off < len(samples); off += windowSize {
		end := off + windowSize
		if end > len(samples) {
			end = len(samples)
		}
		window := make([]float64, end-off)
		for i, s := range samples[off:end] {
			window[i] = float64(s)
		}

		metrics, spectrum := extractor.Analyze(window)
		freq := detector.Analyze(spectrum)
		score, grade := dsp.ScoreQuality(metrics, freq)

		if best == nil || metrics.RMS > best.Metrics.RMS {
			best = &dsp.AudioAnalysis{
				Metrics:   metrics,
				Frequency: freq,
				Score:     score,
				Grade:     grade,
			}
		}
	}
	return best, nil
}

func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	mono := make([]float32, 0, len(interleaved)/channels)
	for i := 0; i+channels <= len(interleaved); i += channels {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i+ch]
		}
		mono = append(mono, sum/float32(channels))
	}
	return mono
}
