package audiopipeline

import "testing"

func TestPipelinePassesAudioToDestination(t *testing.T) {
	var got []float32
	p := New(48000, func(frame []float32) { got = frame })

	p.Push([]float32{0.5, -0.5, 0.1})

	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
}

func TestPipelineReconfigureSwapsSuppressor(t *testing.T) {
	p := New(48000, func([]float32) {})
	if p.SuppressorName() != "none" {
		t.Fatalf("got suppressor %q, want none", p.SuppressorName())
	}

	p.Reconfigure(namedSuppressor{"rnnoise"}, nil)
	if p.SuppressorName() != "rnnoise" {
		t.Fatalf("got suppressor %q, want rnnoise", p.SuppressorName())
	}
}

func TestCompressorAttenuatesLoudSignal(t *testing.T) {
	c := NewCompressor(DefaultCompressorParams, 48000)

	loud := make([]float32, 2000)
	for i := range loud {
		loud[i] = 0.9
	}

	out := c.Process(loud)

	if out[len(out)-1] >= loud[len(loud)-1] {
		t.Fatalf("got attenuated sample %v >= input %v, want compression", out[len(out)-1], loud[len(loud)-1])
	}
}

func TestCompressorLeavesQuietSignalUnchanged(t *testing.T) {
	c := NewCompressor(DefaultCompressorParams, 48000)

	quiet := make([]float32, 500)
	for i := range quiet {
		quiet[i] = 0.0001
	}

	out := c.Process(quiet)

	for i, s := range out {
		diff := float64(s) - float64(quiet[i])
		if abs64(diff) > 1e-4 {
			t.Fatalf("sample %d: got %v, want ~%v (below threshold, no compression)", i, s, quiet[i])
		}
	}
}

type namedSuppressor struct{ name string }

func (n namedSuppressor) Name() string                { return n.name }
func (n namedSuppressor) Process(f []float32) []float32 { return f }
