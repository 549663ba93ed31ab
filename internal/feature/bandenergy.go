package feature

import (
	"math"

	"github.com/callscore/platform/internal/status"
)

// BandEnergyConfig configures the reference extractor.
type BandEnergyConfig struct {
	// SampleRate of the input audio in Hz.
	SampleRate float64

	// FrameSize is the analysis frame length in samples.
	FrameSize int

	// Bands is the number of frequency bands; the output vector is
	// Bands+1 wide (log frame energy first, then one log band power each).
	Bands int

	// MinFreq and MaxFreq bound the band centers. MaxFreq is clamped to
	// the Nyquist frequency.
	MinFreq float64
	MaxFreq float64
}

// DefaultBandEnergyConfig returns extractor settings for 16 kHz audio with
// 13-dimensional output vectors.
func DefaultBandEnergyConfig() BandEnergyConfig {
	return BandEnergyConfig{
		SampleRate: 16000,
		FrameSize:  512,
		Bands:      12,
		MinFreq:    200,
		MaxFreq:    7600,
	}
}

// BandEnergyExtractor is the default Extractor: per frame it emits the log
// frame energy followed by log-compressed Goertzel band powers at
// log-spaced center frequencies, computed over a Hamming-windowed frame.
// Deterministic and allocation-light; a stand-in wherever a full cepstral
// frontend is not wired.
type BandEnergyExtractor struct {
	cfg     BandEnergyConfig
	window  []float32
	centers []float64
}

// NewBandEnergyExtractor validates the config and precomputes the analysis
// window and band centers.
func NewBandEnergyExtractor(cfg BandEnergyConfig) (*BandEnergyExtractor, error) {
	if cfg.SampleRate <= 0 {
		return nil, status.Newf(status.InvalidParams, "sample rate %v must be positive", cfg.SampleRate)
	}
	if cfg.FrameSize <= 0 {
		return nil, status.Newf(status.InvalidParams, "frame size %d must be positive", cfg.FrameSize)
	}
	if cfg.Bands <= 0 {
		return nil, status.Newf(status.InvalidParams, "band count %d must be positive", cfg.Bands)
	}

	nyquist := cfg.SampleRate / 2
	if cfg.MinFreq <= 0 {
		cfg.MinFreq = 100
	}
	if cfg.MaxFreq <= cfg.MinFreq || cfg.MaxFreq > nyquist {
		cfg.MaxFreq = nyquist
	}

	e := &BandEnergyExtractor{
		cfg:     cfg,
		window:  make([]float32, cfg.FrameSize),
		centers: make([]float64, cfg.Bands),
	}

	for i := range e.window {
		e.window[i] = float32(0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(cfg.FrameSize-1)))
	}

	// Log-spaced band centers between MinFreq and MaxFreq.
	ratio := math.Log(cfg.MaxFreq / cfg.MinFreq)
	for i := range e.centers {
		t := float64(i) / float64(cfg.Bands-1)
		if cfg.Bands == 1 {
			t = 0
		}
		e.centers[i] = cfg.MinFreq * math.Exp(ratio*t)
	}

	return e, nil
}

// FrameSize implements Extractor.
func (e *BandEnergyExtractor) FrameSize() int { return e.cfg.FrameSize }

// Coefficients implements Extractor.
func (e *BandEnergyExtractor) Coefficients() int { return e.cfg.Bands + 1 }

// Extract implements Extractor.
func (e *BandEnergyExtractor) Extract(samples []float32, hopSize int) ([][]float32, error) {
	if hopSize <= 0 {
		return nil, status.Newf(status.InvalidParams, "hop size %d must be positive", hopSize)
	}
	if len(samples) < e.cfg.FrameSize {
		return nil, nil
	}

	frames := 1 + (len(samples)-e.cfg.FrameSize)/hopSize
	out := make([][]float32, 0, frames)

	windowed := make([]float32, e.cfg.FrameSize)
	for f := 0; f < frames; f++ {
		frame := samples[f*hopSize : f*hopSize+e.cfg.FrameSize]

		var energy float64
		for i, s := range frame {
			w := s * e.window[i]
			windowed[i] = w
			energy += float64(w) * float64(w)
		}
		energy /= float64(e.cfg.FrameSize)

		vec := make([]float32, e.cfg.Bands+1)
		vec[0] = logCompress(energy)
		for b, center := range e.centers {
			vec[b+1] = logCompress(e.goertzelPower(windowed, center))
		}
		out = append(out, vec)
	}

	return out, nil
}

// goertzelPower evaluates the normalized signal power at one frequency.
func (e *BandEnergyExtractor) goertzelPower(frame []float32, freq float64) float64 {
	n := float64(len(frame))
	k := math.Round(freq * n / e.cfg.SampleRate)
	omega := 2 * math.Pi * k / n
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, x := range frame {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	power := s1*s1 + s2*s2 - coeff*s1*s2
	return power / (n * n)
}

// logCompress maps a power value onto a bounded log scale.
func logCompress(power float64) float32 {
	const floor = 1e-10
	if power < floor {
		power = floor
	}
	return float32(math.Log(power))
}
