package dsp

import "math"

const numMelFilters = 26

// melCepstrum computes a small vector of mel-frequency cepstral coefficients
// from a magnitude spectrum: mel filter bank, log compression, then DCT-II.
type melCepstrum struct {
	numCoefficients int
	filterBank      [][]float64
	dctMatrix       [][]float64
}

func newMelCepstrum(sampleRate, bins, numCoefficients int) *melCepstrum {
	mc := &melCepstrum{numCoefficients: numCoefficients}
	mc.filterBank = buildMelFilterBank(numMelFilters, bins, sampleRate)
	mc.dctMatrix = buildDCTMatrix(numCoefficients, numMelFilters)
	return mc
}

func (mc *melCepstrum) compute(spectrum []float64) []float64 {
	// Power spectrum
	power := make([]float64, len(spectrum))
	for i, mag := range spectrum {
		power[i] = mag * mag
	}

	// Mel filter bank energies with a log floor to avoid log(0)
	logMel := make([]float64, len(mc.filterBank))
	for f, filter := range mc.filterBank {
		energy := 0.0
		for i := 0; i < len(filter) && i < len(power); i++ {
			energy += filter[i] * power[i]
		}
		if energy > 0 {
			logMel[f] = math.Log(energy)
		} else {
			logMel[f] = math.Log(1e-10)
		}
	}

	coeffs := make([]float64, mc.numCoefficients)
	for k := range coeffs {
		sum := 0.0
		for n := 0; n < len(logMel); n++ {
			sum += mc.dctMatrix[k][n] * logMel[n]
		}
		coeffs[k] = sum
	}
	return coeffs
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// buildMelFilterBank creates triangular filters spaced evenly on the mel
// scale between 0 Hz and Nyquist.
func buildMelFilterBank(numFilters, bins, sampleRate int) [][]float64 {
	lowMel := hzToMel(0)
	highMel := hzToMel(float64(sampleRate) / 2.0)

	// numFilters+2 points: filter edges plus centers
	melPoints := make([]float64, numFilters+2)
	for i := range melPoints {
		melPoints[i] = lowMel + (highMel-lowMel)*float64(i)/float64(numFilters+1)
	}

	binPoints := make([]int, len(melPoints))
	for i, mel := range melPoints {
		hz := melToHz(mel)
		binPoints[i] = int(hz * float64(bins*2) / float64(sampleRate))
		if binPoints[i] >= bins {
			binPoints[i] = bins - 1
		}
	}

	filters := make([][]float64, numFilters)
	for f := 0; f < numFilters; f++ {
		filters[f] = make([]float64, bins)
		left, center, right := binPoints[f], binPoints[f+1], binPoints[f+2]

		for i := left; i < center && i < bins; i++ {
			if center > left {
				filters[f][i] = float64(i-left) / float64(center-left)
			}
		}
		for i := center; i <= right && i < bins; i++ {
			if right > center {
				filters[f][i] = float64(right-i) / float64(right-center)
			} else if i == center {
				filters[f][i] = 1.0
			}
		}
	}
	return filters
}

// buildDCTMatrix creates an orthonormal DCT-II matrix.
func buildDCTMatrix(numCoefficients, numFilters int) [][]float64 {
	matrix := make([][]float64, numCoefficients)
	for k := 0; k < numCoefficients; k++ {
		matrix[k] = make([]float64, numFilters)
		for n := 0; n < numFilters; n++ {
			matrix[k][n] = math.Cos(math.Pi * float64(k) * (float64(n) + 0.5) / float64(numFilters))
			if k == 0 {
				matrix[k][n] *= math.Sqrt(1.0 / float64(numFilters))
			} else {
				matrix[k][n] *= math.Sqrt(2.0 / float64(numFilters))
			}
		}
	}
	return matrix
}
