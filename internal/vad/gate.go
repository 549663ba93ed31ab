// Package vad implements the voice activity gate: a state machine that
// classifies fixed-duration audio windows into silence and voice segments
// with onset hysteresis and a hangover period.
package vad

import (
	"time"

	"github.com/callscore/platform/internal/status"
)

// State is the gate's position in the silence/voice cycle.
type State int

const (
	// Silence is the initial state and the resting state between utterances.
	Silence State = iota

	// VoiceCandidate means energy crossed the threshold but has not yet
	// persisted for MinSoundDuration.
	VoiceCandidate

	// VoiceActive means a confirmed utterance is in progress.
	VoiceActive

	// Hangover is the grace period after energy drops, still reported as
	// active so trailing sound is not clipped.
	Hangover
)

func (s State) String() string {
	switch s {
	case Silence:
		return "silence"
	case VoiceCandidate:
		return "voice_candidate"
	case VoiceActive:
		return "voice_active"
	case Hangover:
		return "hangover"
	}
	return "unknown"
}

// Config for the gate. The energy threshold is static: the configured value
// is used as-is for every window, never re-estimated from the signal.
type Config struct {
	// WindowDuration is the fixed duration one Process call represents.
	WindowDuration time.Duration

	// MinSoundDuration is how long energy must persist above threshold
	// before the gate reports active.
	MinSoundDuration time.Duration

	// PostBuffer is how long the gate stays in hangover after energy drops
	// before returning to silence.
	PostBuffer time.Duration

	// EnergyThreshold is the mean-squared energy level separating voice
	// from silence.
	EnergyThreshold float32
}

// DefaultConfig returns gate settings tuned for 16 kHz speech.
func DefaultConfig() Config {
	return Config{
		WindowDuration:   10 * time.Millisecond,
		MinSoundDuration: 100 * time.Millisecond,
		PostBuffer:       150 * time.Millisecond,
		EnergyThreshold:  0.0001,
	}
}

// Result is the gate's per-window output.
type Result struct {
	// Energy is the mean-squared energy of the window.
	Energy float32

	// Threshold is the threshold the window was compared against.
	Threshold float32

	// Active reports whether the window belongs to a voice segment.
	// True in both VoiceActive and Hangover.
	Active bool

	// ActiveDuration is the elapsed time since voice onset, zero when
	// inactive. Measured on the gate's virtual clock.
	ActiveDuration time.Duration

	// State is the gate state after processing this window.
	State State
}

// Gate classifies successive audio windows. Not safe for concurrent use;
// one gate belongs to one analysis goroutine.
//
// Time advances on a virtual clock: each Process call moves it forward by
// exactly one WindowDuration, so classification is independent of wall-clock
// drift and identical for live and replayed audio.
type Gate struct {
	cfg Config

	state           State
	candidateFrames int
	onsetFrame      uint64
	lastActiveFrame uint64
	frame           uint64
}

// NewGate creates a gate in the Silence state.
func NewGate(cfg Config) *Gate {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = DefaultConfig().WindowDuration
	}
	return &Gate{cfg: cfg}
}

// State returns the current gate state.
func (g *Gate) State() State { return g.state }

// Reset returns the gate to Silence and rewinds the virtual clock.
func (g *Gate) Reset() {
	g.state = Silence
	g.candidateFrames = 0
	g.onsetFrame = 0
	g.lastActiveFrame = 0
	g.frame = 0
}

// Process classifies one window. An empty window is a caller contract
// violation and is rejected with InvalidParams.
func (g *Gate) Process(window []float32) (Result, error) {
	if len(window) == 0 {
		return Result{}, status.New(status.InvalidParams, "empty vad window")
	}

	energy := meanSquaredEnergy(window)
	voiced := energy > g.cfg.EnergyThreshold

	g.frame++
	now := g.frame

	switch g.state {
	case Silence:
		if voiced {
			g.state = VoiceCandidate
			g.candidateFrames = 1
			g.onsetFrame = now
			g.lastActiveFrame = now
		}

	case VoiceCandidate:
		if !voiced {
			// No partial credit: any silent window resets the candidate.
			g.state = Silence
			g.candidateFrames = 0
			break
		}
		g.candidateFrames++
		g.lastActiveFrame = now
		if time.Duration(g.candidateFrames)*g.cfg.WindowDuration >= g.cfg.MinSoundDuration {
			g.state = VoiceActive
		}

	case VoiceActive:
		if voiced {
			g.lastActiveFrame = now
		} else {
			g.state = Hangover
		}

	case Hangover:
		if voiced {
			g.state = VoiceActive
			g.lastActiveFrame = now
		} else if g.sinceFrame(g.lastActiveFrame) >= g.cfg.PostBuffer {
			g.state = Silence
			g.candidateFrames = 0
		}
	}

	res := Result{
		Energy:    energy,
		Threshold: g.cfg.EnergyThreshold,
		State:     g.state,
		Active:    g.state == VoiceActive || g.state == Hangover,
	}
	if res.Active {
		res.ActiveDuration = g.sinceFrame(g.onsetFrame) + g.cfg.WindowDuration
	}
	return res, nil
}

// sinceFrame converts a frame delta to virtual elapsed time.
func (g *Gate) sinceFrame(frame uint64) time.Duration {
	return time.Duration(g.frame-frame) * g.cfg.WindowDuration
}

func meanSquaredEnergy(window []float32) float32 {
	var sum float32
	for _, s := range window {
		sum += s * s
	}
	return sum / float32(len(window))
}
