// Package noise estimates per-pixel noise levels and autoregressive
// calcium-transient parameters from fluorescence traces.
//
// The noise level is read off the high-frequency part of the power spectral
// density, where calcium transients carry little power and the spectrum of
// white measurement noise is flat.
package noise

import (
	"math"
	"math/cmplx"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/trose-neuro/CaImAn/pkg/matrix"
)

// Method selects how in-band PSD values are averaged.
type Method string

const (
	Mean    Method = "mean"
	Median  Method = "median"
	LogMExp Method = "logmexp"
)

// Options controls noise estimation.
type Options struct {
	// Band is [lo, hi] as fractions of the Nyquist frequency
	Band [2]float64

	// Method averages the in-band PSD
	Method Method

	// Window is the requested Welch segment length. Shorter traces use a
	// segment covering the whole trace.
	Window int

	// Workers bounds the goroutines used by PixelNoise
	Workers int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{Band: [2]float64{0.5, 1.0}, Method: LogMExp, Window: 256, Workers: runtime.NumCPU()}
}

// Welch returns the one-sided power spectral density of y (sampling rate 1)
// and the frequencies of each bin as fractions of Nyquist. Segments are
// Hann-windowed, overlap by half and have their mean removed.
func Welch(y []float64, window int) (psd, freqs []float64) {
	n := len(y)
	if n == 0 {
		return nil, nil
	}
	seg := window
	if seg <= 0 || seg > n {
		seg = n
	}
	step := seg / 2
	if step == 0 {
		step = 1
	}

	win := hann(seg)
	var winPower float64
	for _, w := range win {
		winPower += w * w
	}
	if winPower == 0 {
		// A single-sample segment
		win[0], winPower = 1, 1
	}

	fft := fourier.NewFFT(seg)
	bins := seg/2 + 1
	psd = make([]float64, bins)
	coeffs := make([]complex128, bins)
	buf := make([]float64, seg)

	segments := 0
	for start := 0; start+seg <= n; start += step {
		part := y[start : start+seg]
		mean := floats.Sum(part) / float64(seg)
		for i := range buf {
			buf[i] = (part[i] - mean) * win[i]
		}
		fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			psd[k] += real(c * cmplx.Conj(c))
		}
		segments++
	}

	scale := 1 / (winPower * float64(segments))
	freqs = make([]float64, bins)
	for k := range psd {
		psd[k] *= scale
		// One-sided spectrum: fold negative frequencies except DC and Nyquist
		if k != 0 && !(seg%2 == 0 && k == bins-1) {
			psd[k] *= 2
		}
		freqs[k] = 2 * float64(k) / float64(seg)
	}
	return psd, freqs
}

// hann returns a periodic Hann window, as used for spectral estimation.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// TraceNoise estimates the noise standard deviation of a single trace from
// its in-band PSD. A trace too short to have any in-band bin returns its
// sample standard deviation.
func TraceNoise(y []float64, opts Options) float64 {
	psd, freqs := Welch(y, opts.Window)
	var band []float64
	for k, f := range freqs {
		if f > opts.Band[0] && f <= opts.Band[1] {
			band = append(band, psd[k]/2)
		}
	}
	if len(band) == 0 {
		if len(y) < 2 {
			return 0
		}
		return stat.StdDev(y, nil)
	}
	return math.Sqrt(averagePSD(band, opts.Method))
}

// averagePSD combines half-PSD values. logmexp is the geometric mean, which
// is robust to the occasional spectral peak.
func averagePSD(band []float64, method Method) float64 {
	switch method {
	case Mean:
		return stat.Mean(band, nil)
	case Median:
		sorted := append([]float64(nil), band...)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	default:
		var sum float64
		for _, v := range band {
			sum += math.Log(v + 1e-10)
		}
		return math.Exp(sum / float64(len(band)))
	}
}

// PixelNoise estimates the noise level of every pixel of m. Pixels are split
// into contiguous chunks processed by a bounded number of goroutines.
func PixelNoise(m matrix.Movie, opts Options) []float64 {
	d, _ := m.Dims()
	sn := make([]float64, d)
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunk := (d + workers - 1) / workers
	if chunk == 0 {
		return sn
	}

	var wg sync.WaitGroup
	for start := 0; start < d; start += chunk {
		end := min(start+chunk, d)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			var row []float64
			for p := start; p < end; p++ {
				row = m.Row(p, row)
				sn[p] = TraceNoise(row, opts)
			}
		}(start, end)
	}
	wg.Wait()
	return sn
}
