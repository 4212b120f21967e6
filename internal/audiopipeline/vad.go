package audiopipeline

import (
	"time"

	"lobby/internal/constants"
)

// VAD is the client-side speaking-state timer: crossing the loudness
// threshold raises speaking immediately, but dropping below it only lowers
// speaking after HoldTime of continuous silence (hysteresis, so short pauses
// between words don't flicker the indicator).
type VAD struct {
	Threshold float64
	HoldTime  time.Duration

	speaking         bool
	lastAboveAt      time.Time
	everObservedLoud bool
}

func NewVAD() *VAD {
	return &VAD{
		Threshold: constants.VADThreshold,
		HoldTime:  constants.VADHoldTime,
	}
}

// Observe feeds one loudness sample (RMS of a processed frame) at time now
// and returns the current speaking state plus whether it just changed.
func (v *VAD) Observe(level float64, now time.Time) (speaking bool, changed bool) {
	if level > v.Threshold {
		v.lastAboveAt = now
		v.everObservedLoud = true
		if !v.speaking {
			v.speaking = true
			return true, true
		}
		return true, false
	}

	if v.speaking && v.everObservedLoud && now.Sub(v.lastAboveAt) >= v.HoldTime {
		v.speaking = false
		return false, true
	}

	return v.speaking, false
}

// ObserveFrame is a convenience wrapper computing RMS loudness from raw samples.
func (v *VAD) ObserveFrame(frame []float32, now time.Time) (speaking bool, changed bool) {
	return v.Observe(rms(frame), now)
}

func (v *VAD) Speaking() bool {
	return v.speaking
}
