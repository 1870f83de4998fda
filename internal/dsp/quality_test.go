package dsp

import "testing"

func TestScoreQuality_AllFactorsMaxed(t *testing.T) {
	metrics := AudioMetrics{RMS: 0.2, Peak: 0.6}
	freq := FrequencyAnalysis{
		SNR:   50,
		Peaks: make([]Peak, 6),
	}

	score, grade := ScoreQuality(metrics, freq)
	if score != 100 {
		t.Errorf("Expected score 100, got %d", score)
	}
	if grade != GradeExcellent {
		t.Errorf("Expected grade excellent, got %s", grade)
	}
}

func TestScoreQuality_SilenceIsPoor(t *testing.T) {
	score, grade := ScoreQuality(AudioMetrics{}, FrequencyAnalysis{})
	if score != 20 {
		t.Errorf("Expected minimum score 20, got %d", score)
	}
	if grade != GradePoor {
		t.Errorf("Expected grade poor, got %s", grade)
	}
}

func TestScoreQuality_ClippingPenalized(t *testing.T) {
	clean := AudioMetrics{RMS: 0.2, Peak: 0.6}
	clipped := AudioMetrics{RMS: 0.2, Peak: 0.99}
	freq := FrequencyAnalysis{SNR: 50, Peaks: make([]Peak, 6)}

	cleanScore, _ := ScoreQuality(clean, freq)
	clippedScore, _ := ScoreQuality(clipped, freq)

	if clippedScore >= cleanScore {
		t.Errorf("Expected clipped signal to score below clean: clean=%d clipped=%d", cleanScore, clippedScore)
	}
}

func TestScoreQuality_Deterministic(t *testing.T) {
	metrics := AudioMetrics{RMS: 0.07, Peak: 0.4, ZeroCrossingRate: 0.1}
	freq := FrequencyAnalysis{
		SNR:        35,
		THD:        12,
		NoiseFloor: 8,
		Peaks:      make([]Peak, 4),
	}

	firstScore, firstGrade := ScoreQuality(metrics, freq)
	for i := 0; i < 10; i++ {
		score, grade := ScoreQuality(metrics, freq)
		if score != firstScore || grade != firstGrade {
			t.Fatalf("ScoreQuality not deterministic: run %d gave (%d, %s), want (%d, %s)",
				i, score, grade, firstScore, firstGrade)
		}
	}
}

func TestGradeThresholds(t *testing.T) {
	tests := []struct {
		score int
		want  Grade
	}{
		{100, GradeExcellent},
		{85, GradeExcellent},
		{84, GradeGood},
		{70, GradeGood},
		{69, GradeFair},
		{50, GradeFair},
		{49, GradePoor},
		{0, GradePoor},
	}

	for _, tt := range tests {
		if got := gradeFor(tt.score); got != tt.want {
			t.Errorf("gradeFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
