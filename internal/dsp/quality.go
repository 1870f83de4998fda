package dsp

// Grade is the derived four-tier signal quality rating.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
)

// AudioAnalysis is the per-tick union of metrics, frequency analysis and the
// derived quality grade. This is the value streamed to observers.
type AudioAnalysis struct {
	Metrics   AudioMetrics      `json:"metrics" yaml:"metrics"`
	Frequency FrequencyAnalysis `json:"frequency" yaml:"frequency"`
	Score     int               `json:"score" yaml:"score"`
	Grade     Grade             `json:"grade" yaml:"grade"`
}

// ScoreQuality maps metrics plus peak analysis into a 0-100 score and its
// grade. Pure and deterministic: identical inputs always yield the same
// result. Each of the four factors contributes up to 25 points.
func ScoreQuality(metrics AudioMetrics, freq FrequencyAnalysis) (int, Grade) {
	score := scoreRMS(metrics.RMS) +
		scorePeak(metrics.Peak) +
		scoreSNR(freq.SNR) +
		scorePeakCount(len(freq.Peaks))

	return score, gradeFor(score)
}

func gradeFor(score int) Grade {
	switch {
	case score >= 85:
		return GradeExcellent
	case score >= 70:
		return GradeGood
	case score >= 50:
		return GradeFair
	default:
		return GradePoor
	}
}

func scoreRMS(rmsLevel float64) int {
	switch {
	case rmsLevel > 0.1:
		return 25
	case rmsLevel > 0.05:
		return 20
	case rmsLevel > 0.02:
		return 15
	case rmsLevel > 0.01:
		return 10
	default:
		return 5
	}
}

// scorePeak rewards a comfortably loud signal that is not clipping.
func scorePeak(peak float64) int {
	switch {
	case peak > 0.3 && peak < 0.95:
		return 25
	case peak >= 0.95:
		return 10 // clipping risk
	case peak > 0.15:
		return 20
	case peak > 0.05:
		return 15
	default:
		return 5
	}
}

func scoreSNR(snr float64) int {
	switch {
	case snr > 40:
		return 25
	case snr > 30:
		return 20
	case snr > 20:
		return 15
	case snr > 10:
		return 10
	default:
		return 5
	}
}

func scorePeakCount(count int) int {
	switch {
	case count > 5:
		return 25
	case count > 3:
		return 20
	case count > 1:
		return 15
	case count == 1:
		return 10
	default:
		return 5
	}
}
