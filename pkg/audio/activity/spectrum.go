package activity

import "math"

// Display-scale dB window. Magnitudes are mapped from this range onto
// [MinBarHeight, MaxBarHeight]; anything quieter than minDecibels clamps to
// the bottom of the scale.
const (
	minDecibels = -90.0
	maxDecibels = -10.0
)

// analyser computes per-band energy over a fixed-size frequency window.
// It keeps exponentially smoothed bin magnitudes across calls so that the
// displayed bars do not flicker frame to frame.
//
// analyser is not safe for concurrent use; the detector calls it from its
// single analysis goroutine.
type analyser struct {
	fftSize   int
	bands     int
	smoothing float64
	minBar    float64
	maxBar    float64

	window   []float64 // precomputed Hann window coefficients
	smoothed []float64 // smoothed magnitude per bin, length fftSize/2

	// scratch buffers reused across calls to avoid per-tick allocation.
	re, im []float64
}

func newAnalyser(cfg Config) *analyser {
	a := &analyser{
		fftSize:   cfg.FFTSize,
		bands:     cfg.Bands,
		smoothing: cfg.SmoothingTimeConstant,
		minBar:    cfg.MinBarHeight,
		maxBar:    cfg.MaxBarHeight,
		window:    make([]float64, cfg.FFTSize),
		smoothed:  make([]float64, cfg.FFTSize/2),
		re:        make([]float64, cfg.FFTSize),
		im:        make([]float64, cfg.FFTSize),
	}
	for i := range a.window {
		a.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(cfg.FFTSize-1)))
	}
	return a
}

// analyse runs one FFT pass over samples (most recent fftSize mono PCM16
// samples), updates the smoothed magnitudes, and reduces them to bands bar
// heights in [minBar, maxBar] plus their scalar average.
//
// The bars slice is owned by the caller.
func (a *analyser) analyse(samples []int16) (bars []float64, avg float64) {
	for i := 0; i < a.fftSize; i++ {
		var s float64
		if i < len(samples) {
			s = float64(samples[i]) / 32768.0
		}
		a.re[i] = s * a.window[i]
		a.im[i] = 0
	}

	fft(a.re, a.im)

	// Smoothed magnitude per bin: s = τ·s_prev + (1-τ)·|X[k]|, normalised by
	// the window length so magnitudes are independent of fftSize.
	tau := a.smoothing
	n := float64(a.fftSize)
	for k := 0; k < a.fftSize/2; k++ {
		mag := 2 * math.Hypot(a.re[k], a.im[k]) / n
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
	}

	bars = make([]float64, a.bands)
	binsPerBand := (a.fftSize / 2) / a.bands
	if binsPerBand < 1 {
		binsPerBand = 1
	}
	var sum float64
	for b := 0; b < a.bands; b++ {
		var bandMag float64
		lo := b * binsPerBand
		hi := lo + binsPerBand
		if hi > a.fftSize/2 {
			hi = a.fftSize / 2
		}
		for k := lo; k < hi; k++ {
			bandMag += a.smoothed[k]
		}
		if hi > lo {
			bandMag /= float64(hi - lo)
		}
		bars[b] = a.barHeight(bandMag)
		sum += bars[b]
	}
	return bars, sum / float64(a.bands)
}

// reset clears all smoothing history, so the next analyse starts cold.
func (a *analyser) reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

// barHeight maps a linear magnitude onto the display scale: dBFS clamped to
// [minDecibels, maxDecibels], then scaled linearly into [minBar, maxBar].
func (a *analyser) barHeight(mag float64) float64 {
	if mag <= 0 {
		return a.minBar
	}
	db := 20 * math.Log10(mag)
	if db < minDecibels {
		db = minDecibels
	}
	if db > maxDecibels {
		db = maxDecibels
	}
	norm := (db - minDecibels) / (maxDecibels - minDecibels)
	return a.minBar + norm*(a.maxBar-a.minBar)
}

// fft performs an in-place iterative radix-2 Cooley-Tukey transform on the
// complex signal (re, im). len(re) must equal len(im) and be a power of two.
func fft(re, im []float64) {
	n := len(re)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wRe, wIm := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			half := length / 2
			for k := 0; k < half; k++ {
				i, j := start+k, start+k+half
				tRe := re[j]*curRe - im[j]*curIm
				tIm := re[j]*curIm + im[j]*curRe
				re[j] = re[i] - tRe
				im[j] = im[i] - tIm
				re[i] += tRe
				im[i] += tIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}
