package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// Byte-spectrum dB mapping range. Magnitudes are folded into the 0-255
// domain over [-100, -30] dBFS; peak thresholds elsewhere are calibrated
// against this scale, so it must not be changed to true dB.
const (
	spectrumMinDB = -100.0
	spectrumMaxDB = -30.0
	spectrumScale = 255.0
)

// NumCepstralCoefficients is the length of the cepstral vector in AudioMetrics.
const NumCepstralCoefficients = 13

// AudioMetrics holds the per-window time and frequency domain measurements.
// A new value is produced on every analysis tick; only the latest matters.
type AudioMetrics struct {
	RMS                  float64   `json:"rms" yaml:"rms"`
	Peak                 float64   `json:"peak" yaml:"peak"`
	DominantFrequency    float64   `json:"dominant_frequency" yaml:"dominant_frequency"`
	SpectralCentroid     float64   `json:"spectral_centroid" yaml:"spectral_centroid"`
	SpectralRolloff      float64   `json:"spectral_rolloff" yaml:"spectral_rolloff"`
	ZeroCrossingRate     float64   `json:"zero_crossing_rate" yaml:"zero_crossing_rate"`
	CepstralCoefficients []float64 `json:"cepstral_coefficients" yaml:"cepstral_coefficients"`
}

// MetricsExtractor computes AudioMetrics and the byte-scaled magnitude
// spectrum from a fixed-size window of time-domain samples.
type MetricsExtractor struct {
	sampleRate int
	windowSize int
	hann       []float64
	mel        *melCepstrum
	freqBins   []float64
}

// NewMetricsExtractor creates an extractor for the given sample rate and
// analysis window size. The window size must match the sample slices passed
// to Analyze.
func NewMetricsExtractor(sampleRate, windowSize int) *MetricsExtractor {
	bins := windowSize / 2
	e := &MetricsExtractor{
		sampleRate: sampleRate,
		windowSize: windowSize,
		hann:       make([]float64, windowSize),
		mel:        newMelCepstrum(sampleRate, bins, NumCepstralCoefficients),
		freqBins:   make([]float64, bins),
	}
	for i := range e.hann {
		e.hann[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(windowSize-1)))
	}
	for i := range e.freqBins {
		e.freqBins[i] = float64(i) * float64(sampleRate) / float64(bins*2)
	}
	return e
}

// WindowSize returns the expected input window length in samples.
func (e *MetricsExtractor) WindowSize() int { return e.windowSize }

// Analyze computes the byte spectrum and all metrics for one window. Short
// windows are zero-padded; the returned spectrum has windowSize/2 bins in
// the 0-255 domain.
func (e *MetricsExtractor) Analyze(samples []float64) (AudioMetrics, []float64) {
	frame := samples
	if len(frame) > e.windowSize {
		frame = frame[len(frame)-e.windowSize:]
	}

	windowed := make([]float64, e.windowSize)
	for i := 0; i < len(frame); i++ {
		windowed[i] = frame[i] * e.hann[i]
	}

	spectrum := e.byteSpectrum(windowed)

	metrics := AudioMetrics{
		RMS:                  rms(frame),
		Peak:                 peakAmplitude(frame),
		DominantFrequency:    e.dominantFrequency(spectrum),
		SpectralCentroid:     e.spectralCentroid(spectrum),
		SpectralRolloff:      e.spectralRolloff(spectrum, 0.85),
		ZeroCrossingRate:     zeroCrossingRate(frame),
		CepstralCoefficients: e.mel.compute(spectrum),
	}

	return metrics, spectrum
}

// byteSpectrum computes the magnitude spectrum and maps it into 0-255.
func (e *MetricsExtractor) byteSpectrum(windowed []float64) []float64 {
	bins := e.windowSize / 2
	complexSpectrum := fft.FFTReal(windowed)

	spectrum := make([]float64, bins)
	for i := 0; i < bins; i++ {
		mag := cmplxAbs(complexSpectrum[i]) * 2.0 / float64(e.windowSize)
		db := spectrumMinDB
		if mag > 0 {
			db = 20.0 * math.Log10(mag)
		}
		scaled := spectrumScale * (db - spectrumMinDB) / (spectrumMaxDB - spectrumMinDB)
		spectrum[i] = math.Max(0, math.Min(spectrumScale, scaled))
	}
	return spectrum
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func rms(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func peakAmplitude(frame []float64) float64 {
	peak := 0.0
	for _, s := range frame {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// zeroCrossingRate returns the fraction of adjacent sample pairs that
// change sign, normalized to [0, 1].
func zeroCrossingRate(frame []float64) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0 && frame[i] < 0) || (frame[i-1] < 0 && frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

func (e *MetricsExtractor) dominantFrequency(spectrum []float64) float64 {
	maxIdx := 0
	maxVal := 0.0
	for i, v := range spectrum {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if maxVal == 0 {
		return 0
	}
	return e.freqBins[maxIdx]
}

func (e *MetricsExtractor) spectralCentroid(spectrum []float64) float64 {
	numerator := 0.0
	denominator := 0.0
	for i, v := range spectrum {
		numerator += e.freqBins[i] * v
		denominator += v
	}
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// spectralRolloff returns the frequency below which the given fraction of
// total spectral energy lies.
func (e *MetricsExtractor) spectralRolloff(spectrum []float64, threshold float64) float64 {
	totalEnergy := 0.0
	for _, v := range spectrum {
		totalEnergy += v * v
	}
	if totalEnergy == 0 {
		return 0
	}

	targetEnergy := threshold * totalEnergy
	cumulative := 0.0
	for i, v := range spectrum {
		cumulative += v * v
		if cumulative >= targetEnergy {
			return e.freqBins[i]
		}
	}
	return e.freqBins[len(e.freqBins)-1]
}
