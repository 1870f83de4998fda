package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BandClass labels the frequency band a peak falls into.
type BandClass string

const (
	BandSubBass    BandClass = "sub-bass"
	BandBass       BandClass = "bass"
	BandLowMid     BandClass = "low-mid"
	BandMid        BandClass = "mid"
	BandHighMid    BandClass = "high-mid"
	BandPresence   BandClass = "presence"
	BandBrilliance BandClass = "brilliance"
)

// ClassifyFrequency maps a frequency in Hz to its band.
func ClassifyFrequency(freq float64) BandClass {
	switch {
	case freq < 100:
		return BandSubBass
	case freq < 250:
		return BandBass
	case freq < 500:
		return BandLowMid
	case freq < 2000:
		return BandMid
	case freq < 4000:
		return BandHighMid
	case freq < 8000:
		return BandPresence
	default:
		return BandBrilliance
	}
}

// Peak is one detected spectral peak. Amplitude, prominence and bandwidth's
// magnitude component stay in the spectrum's native 0-255 domain.
type Peak struct {
	ID             int       `json:"id" yaml:"id"`
	Frequency      float64   `json:"frequency" yaml:"frequency"`
	Amplitude      float64   `json:"amplitude" yaml:"amplitude"`
	Prominence     float64   `json:"prominence" yaml:"prominence"`
	Bandwidth      float64   `json:"bandwidth" yaml:"bandwidth"`
	Classification BandClass `json:"classification" yaml:"classification"`
}

// FrequencyAnalysis is the full per-window spectral peak breakdown.
type FrequencyAnalysis struct {
	Peaks                []Peak  `json:"peaks" yaml:"peaks"`
	FundamentalFrequency float64 `json:"fundamental_frequency" yaml:"fundamental_frequency"`
	Harmonics            []Peak  `json:"harmonics" yaml:"harmonics"`
	NoiseFloor           float64 `json:"noise_floor" yaml:"noise_floor"`
	SNR                  float64 `json:"snr" yaml:"snr"`
	THD                  float64 `json:"thd" yaml:"thd"`
}

// PeakDetector scans byte-scaled magnitude spectra for local maxima and
// derives fundamental, harmonics, noise floor, SNR and THD.
type PeakDetector struct {
	sampleRate  int
	threshold   float64
	minDistance int
}

// NewPeakDetector creates a detector. threshold is an absolute magnitude in
// the 0-255 domain; minDistance is the local-maximum radius in bins.
func NewPeakDetector(sampleRate int, threshold float64, minDistance int) *PeakDetector {
	if minDistance < 1 {
		minDistance = 1
	}
	return &PeakDetector{
		sampleRate:  sampleRate,
		threshold:   threshold,
		minDistance: minDistance,
	}
}

// Analyze detects peaks in the magnitude spectrum and computes the derived
// measures. The bin-to-frequency mapping is freq(i) = i*sampleRate/(bins*2).
func (d *PeakDetector) Analyze(spectrum []float64) FrequencyAnalysis {
	peaks := d.detectPeaks(spectrum)
	fundamental := findFundamental(peaks)
	harmonics := matchHarmonics(peaks, fundamental)
	noiseFloor := d.noiseFloor(spectrum)

	return FrequencyAnalysis{
		Peaks:                peaks,
		FundamentalFrequency: fundamental,
		Harmonics:            harmonics,
		NoiseFloor:           noiseFloor,
		SNR:                  computeSNR(peaks, noiseFloor),
		THD:                  computeTHD(peaks, fundamental, harmonics),
	}
}

func (d *PeakDetector) binFrequency(i, bins int) float64 {
	return float64(i) * float64(d.sampleRate) / float64(bins*2)
}

// detectPeaks finds strict local maxima above the threshold within the
// minDistance radius, sorted by descending amplitude.
func (d *PeakDetector) detectPeaks(spectrum []float64) []Peak {
	bins := len(spectrum)
	var peaks []Peak

	for i := d.minDistance; i < bins-d.minDistance; i++ {
		if spectrum[i] < d.threshold {
			continue
		}

		isMax := true
		for j := 1; j <= d.minDistance; j++ {
			if spectrum[i] <= spectrum[i-j] || spectrum[i] <= spectrum[i+j] {
				isMax = false
				break
			}
		}
		if !isMax {
			continue
		}

		peaks = append(peaks, Peak{
			ID:             len(peaks),
			Frequency:      d.binFrequency(i, bins),
			Amplitude:      spectrum[i],
			Prominence:     prominence(spectrum, i),
			Bandwidth:      d.bandwidth(spectrum, i),
			Classification: ClassifyFrequency(d.binFrequency(i, bins)),
		})
	}

	sort.Slice(peaks, func(a, b int) bool {
		return peaks[a].Amplitude > peaks[b].Amplitude
	})
	return peaks
}

// prominence is the peak magnitude minus the larger of the two nearest local
// minima, scanning outward until the magnitude rises above half the peak.
func prominence(spectrum []float64, peak int) float64 {
	peakMag := spectrum[peak]
	half := peakMag / 2.0

	leftMin := peakMag
	for i := peak - 1; i >= 0; i-- {
		if spectrum[i] < leftMin {
			leftMin = spectrum[i]
		}
		if spectrum[i] > half && spectrum[i] > leftMin {
			break
		}
	}

	rightMin := peakMag
	for i := peak + 1; i < len(spectrum); i++ {
		if spectrum[i] < rightMin {
			rightMin = spectrum[i]
		}
		if spectrum[i] > half && spectrum[i] > rightMin {
			break
		}
	}

	return peakMag - math.Max(leftMin, rightMin)
}

// bandwidth is the distance in Hz between the nearest bins on either side
// where the magnitude first drops to half the peak value.
func (d *PeakDetector) bandwidth(spectrum []float64, peak int) float64 {
	bins := len(spectrum)
	half := spectrum[peak] / 2.0

	left := peak
	for left > 0 && spectrum[left] > half {
		left--
	}
	right := peak
	for right < bins-1 && spectrum[right] > half {
		right++
	}

	return d.binFrequency(right, bins) - d.binFrequency(left, bins)
}

// findFundamental picks the strongest peak below 2000 Hz, falling back to
// the strongest peak overall, or 0 when no peaks exist.
func findFundamental(peaks []Peak) float64 {
	if len(peaks) == 0 {
		return 0
	}
	for _, p := range peaks {
		if p.Frequency < 2000 {
			return p.Frequency
		}
	}
	return peaks[0].Frequency
}

// matchHarmonics accepts, for each integer multiple 2..10 of the
// fundamental, the first peak within 10% relative tolerance.
func matchHarmonics(peaks []Peak, fundamental float64) []Peak {
	if fundamental <= 0 {
		return nil
	}

	var harmonics []Peak
	for multiple := 2; multiple <= 10; multiple++ {
		expected := fundamental * float64(multiple)
		for _, p := range peaks {
			if math.Abs(p.Frequency-expected)/expected <= 0.10 {
				harmonics = append(harmonics, p)
				break
			}
		}
	}
	return harmonics
}

// noiseFloor is the 10th percentile of the magnitude array, floored at 1.
func (d *PeakDetector) noiseFloor(spectrum []float64) float64 {
	if len(spectrum) == 0 {
		return 1
	}
	sorted := make([]float64, len(spectrum))
	copy(sorted, spectrum)
	sort.Float64s(sorted)

	floor := stat.Quantile(0.10, stat.Empirical, sorted, nil)
	if floor < 1 {
		floor = 1
	}
	return floor
}

// computeSNR is 20*log10(strongest/noiseFloor) clamped to [-20, 80] dB, 0
// with no peaks or a non-finite ratio.
func computeSNR(peaks []Peak, noiseFloor float64) float64 {
	if len(peaks) == 0 || noiseFloor <= 0 {
		return 0
	}
	ratio := peaks[0].Amplitude / noiseFloor
	if ratio <= 0 {
		return 0
	}
	snr := 20.0 * math.Log10(ratio)
	if math.IsNaN(snr) || math.IsInf(snr, 0) {
		return 0
	}
	return math.Max(-20, math.Min(80, snr))
}

// computeTHD is 100*sqrt(sum(harmonic^2)/fundamental^2) clamped to [0, 100],
// 0 when there is no fundamental or no harmonics.
func computeTHD(peaks []Peak, fundamental float64, harmonics []Peak) float64 {
	if fundamental <= 0 || len(harmonics) == 0 {
		return 0
	}

	fundamentalAmp := 0.0
	for _, p := range peaks {
		if p.Frequency == fundamental {
			fundamentalAmp = p.Amplitude
			break
		}
	}
	if fundamentalAmp <= 0 {
		return 0
	}

	harmonicEnergy := 0.0
	for _, h := range harmonics {
		harmonicEnergy += h.Amplitude * h.Amplitude
	}

	thd := 100.0 * math.Sqrt(harmonicEnergy/(fundamentalAmp*fundamentalAmp))
	if math.IsNaN(thd) || math.IsInf(thd, 0) {
		return 0
	}
	return math.Max(0, math.Min(100, thd))
}
