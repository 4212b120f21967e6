package audiopipeline

import (
	"testing"
	"time"
)

func TestVADRaisesSpeakingImmediately(t *testing.T) {
	v := NewVAD()
	now := time.Now()

	speaking, changed := v.Observe(v.Threshold+0.1, now)
	if !speaking || !changed {
		t.Fatalf("got speaking=%v changed=%v, want true true", speaking, changed)
	}
}

func TestVADHoldsBeforeReleasing(t *testing.T) {
	v := NewVAD()
	now := time.Now()

	v.Observe(v.Threshold+0.1, now)

	speaking, changed := v.Observe(0, now.Add(v.HoldTime/2))
	if !speaking || changed {
		t.Fatalf("mid-hold: got speaking=%v changed=%v, want true false", speaking, changed)
	}

	speaking, changed = v.Observe(0, now.Add(v.HoldTime+time.Millisecond))
	if speaking || !changed {
		t.Fatalf("past-hold: got speaking=%v changed=%v, want false true", speaking, changed)
	}
}

func TestVADSilenceNeverRaises(t *testing.T) {
	v := NewVAD()
	now := time.Now()

	speaking, changed := v.Observe(0, now)
	if speaking || changed {
		t.Fatalf("got speaking=%v changed=%v, want false false", speaking, changed)
	}
}

func TestVADLoudAgainDuringHoldCancelsRelease(t *testing.T) {
	v := NewVAD()
	now := time.Now()

	v.Observe(v.Threshold+0.1, now)
	v.Observe(0, now.Add(v.HoldTime/2))
	speaking, changed := v.Observe(v.Threshold+0.1, now.Add(v.HoldTime/2+time.Millisecond))
	if !speaking || changed {
		t.Fatalf("got speaking=%v changed=%v, want true false (still speaking, no transition)", speaking, changed)
	}

	// Hold timer should have reset from the renewed loud sample.
	speaking, changed = v.Observe(0, now.Add(v.HoldTime))
	if !speaking || changed {
		t.Fatalf("shortly after renewed loudness: got speaking=%v changed=%v, want true false", speaking, changed)
	}
}
