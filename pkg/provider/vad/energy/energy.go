// Package energy implements an adaptive energy voice activity detector.
//
// Each frame's RMS energy is compared to a running estimate of the noise
// floor as a z-score. Two thresholds give hysteresis: an utterance opens when
// z rises above High and closes only after z has stayed below Low for
// MinSilenceMs + ReleaseMs. The floor is frozen during confirmed speech so the
// estimate does not drift toward voice energy.
//
// Usage:
//
//	d, err := energy.New(vad.DefaultConfig())
//	if ev, ok := d.Feed(samples, chunkStartSec); ok && ev.HasEnd {
//	    // utterance finished at ev.End
//	}
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/vad"
)

const (
	// minVariance keeps the z-score finite over a digitally silent floor.
	minVariance = 1e-6

	// quietAlphaCap bounds the floor decay on quiet frames so the floor
	// follows a falling noise level faster than a rising one.
	quietAlphaCap = 0.98
)

// Compile-time assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Detector)(nil)
)

// State is the detector's position in the speech state machine.
type State int

const (
	// StateIdle means no utterance is open.
	StateIdle State = iota

	// StateTriggered means an utterance is open.
	StateTriggered
)

// String returns a human-readable label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Engine creates energy detectors. The zero value is ready to use.
type Engine struct{}

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return New(cfg)
}

// Detector is a single-stream energy VAD. It is not safe for concurrent use.
type Detector struct {
	cfg vad.Config

	attackSamples int64
	padSamples    int64

	state     State
	floorMean float64
	floorVar  float64

	// cursor counts samples consumed into complete frames since Reset.
	cursor int64

	// silenceStart is the cursor of the first sub-Low frame of the current
	// pause; only meaningful while silenceTimer is set.
	silenceStart int64
	silenceTimer bool

	pending []float32
}

// New validates cfg (after filling defaults) and returns a Detector in the
// idle state.
func New(cfg vad.Config) (*Detector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	d := &Detector{
		cfg:           cfg,
		attackSamples: msToSamples(cfg.AttackMs, cfg.SampleRate),
		padSamples:    msToSamples(cfg.PadMs, cfg.SampleRate),
	}
	d.Reset()
	return d, nil
}

func msToSamples(ms, sampleRate int) int64 {
	return int64(math.Floor(float64(ms) / 1000 * float64(sampleRate)))
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Reset returns the detector to its initial state and clears the noise floor.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.floorMean = 0
	d.floorVar = minVariance
	d.cursor = 0
	d.silenceStart = 0
	d.silenceTimer = false
	d.pending = d.pending[:0]
}

// Close implements [vad.SessionHandle]. It is a no-op.
func (d *Detector) Close() error { return nil }

// Feed implements [vad.SessionHandle]. offsetSec is the absolute stream time
// of samples[0]; samples left over from the previous call are placed
// immediately before it.
func (d *Detector) Feed(samples []float32, offsetSec float64) (vad.Event, bool) {
	sr := float64(d.cfg.SampleRate)
	frame := d.cfg.FrameSize

	// Absolute time of pending[0] and the cursor value it corresponds to.
	base := offsetSec - float64(len(d.pending))/sr
	baseCursor := d.cursor
	at := func(cursor int64) float64 {
		return base + float64(cursor-baseCursor)/sr
	}

	d.pending = append(d.pending, samples...)

	var ev vad.Event
	pos := 0
	for len(d.pending)-pos >= frame {
		rms := audio.RMS(d.pending[pos : pos+frame])
		pos += frame
		d.cursor += int64(frame)

		z := d.zscore(rms)
		if d.state == StateIdle || z < d.cfg.Low {
			d.updateFloor(rms, z > d.cfg.Low)
		}

		switch d.state {
		case StateIdle:
			if z > d.cfg.High {
				ev.Start = at(d.cursor - d.attackSamples)
				ev.HasStart = true
				d.state = StateTriggered
				d.silenceTimer = false
			}
		case StateTriggered:
			if z >= d.cfg.Low {
				d.silenceTimer = false
				continue
			}
			if !d.silenceTimer {
				d.silenceStart = d.cursor
				d.silenceTimer = true
			}
			silentMs := float64(d.cursor-d.silenceStart) * 1000 / sr
			if silentMs >= float64(d.cfg.MinSilenceMs+d.cfg.ReleaseMs) {
				ev.End = math.Max(0, at(d.silenceStart-d.padSamples))
				ev.HasEnd = true
				d.state = StateIdle
				d.silenceTimer = false
			}
		}
	}
	d.pending = append(d.pending[:0], d.pending[pos:]...)

	if ev.HasStart && ev.HasEnd && (ev.End-ev.Start)*1000 < float64(d.cfg.MinSpeechMs) {
		return vad.Event{}, false
	}
	return ev, ev.HasStart || ev.HasEnd
}

func (d *Detector) zscore(rms float64) float64 {
	std := math.Sqrt(math.Max(d.floorVar, minVariance))
	return (rms - d.floorMean) / std
}

func (d *Detector) updateFloor(rms float64, noisy bool) {
	a := d.cfg.FloorAlpha
	if !noisy {
		a = math.Min(quietAlphaCap, a)
	}
	mean := d.floorMean*a + rms*(1-a)
	diff := rms - mean
	d.floorMean = mean
	d.floorVar = math.Max(d.floorVar*a+diff*diff*(1-a), minVariance)
}
