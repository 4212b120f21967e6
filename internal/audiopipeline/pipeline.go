// Package audiopipeline is a Go-native stand-in for the browser's Web Audio
// graph described by the voice client: source -> noise suppressor -> compressor
// -> destination, operating on discrete float32 frames instead of AudioWorklets.
package audiopipeline

import "sync"

// Suppressor is the interface a noise-suppression algorithm implements.
// The spec names rnnoise and speex, both WASM modules in the browser; this
// package only ships the "none" bypass implementation. A real rnnoise/speex
// binding (cgo or a WASM runtime) plugs in here without touching the graph.
type Suppressor interface {
	Name() string
	Process(frame []float32) []float32
}

// NoSuppressor passes audio through unchanged.
type NoSuppressor struct{}

func (NoSuppressor) Name() string                { return "none" }
func (NoSuppressor) Process(f []float32) []float32 { return f }

// CompressorParams mirrors the leveling compressor settings from spec §4.5.
type CompressorParams struct {
	ThresholdDB float64
	Knee        float64
	Ratio       float64
	AttackMS    float64
	ReleaseMS   float64
}

// DefaultCompressorParams are the spec's fixed leveling-compressor settings.
var DefaultCompressorParams = CompressorParams{
	ThresholdDB: -40,
	Knee:        20,
	Ratio:       8,
	AttackMS:    5,
	ReleaseMS:   250,
}

// Compressor is a single-channel feedforward dynamic range compressor with
// exponential attack/release envelope following, operating at the pipeline's
// configured sample rate.
type Compressor struct {
	params     CompressorParams
	sampleRate float64
	envelope   float64
}

func NewCompressor(params CompressorParams, sampleRate float64) *Compressor {
	return &Compressor{params: params, sampleRate: sampleRate}
}

func (c *Compressor) Process(frame []float32) []float32 {
	attackCoeff := timeConstantCoeff(c.params.AttackMS, c.sampleRate)
	releaseCoeff := timeConstantCoeff(c.params.ReleaseMS, c.sampleRate)

	out := make([]float32, len(frame))
	for i, sample := range frame {
		level := abs64(float64(sample))
		if level > c.envelope {
			c.envelope = attackCoeff*c.envelope + (1-attackCoeff)*level
		} else {
			c.envelope = releaseCoeff*c.envelope + (1-releaseCoeff)*level
		}

		gainDB := c.gainReductionDB(linearToDB(c.envelope))
		gain := dbToLinear(gainDB)
		out[i] = float32(float64(sample) * gain)
	}
	return out
}

// gainReductionDB applies a soft-knee downward compression curve, returning
// the gain adjustment (in dB, <= 0) for an input at the given level.
func (c *Compressor) gainReductionDB(levelDB float64) float64 {
	threshold := c.params.ThresholdDB
	knee := c.params.Knee
	ratio := c.params.Ratio

	kneeStart := threshold - knee/2
	kneeEnd := threshold + knee/2

	switch {
	case levelDB < kneeStart:
		return 0
	case levelDB > kneeEnd:
		overshoot := levelDB - threshold
		compressed := threshold + overshoot/ratio
		return compressed - levelDB
	default:
		// Soft-knee: smoothly interpolate the slope across the knee region.
		x := levelDB - kneeStart
		slope := (1/ratio - 1) * (x * x) / (2 * knee)
		return slope
	}
}

func timeConstantCoeff(ms, sampleRate float64) float64 {
	if ms <= 0 || sampleRate <= 0 {
		return 0
	}
	seconds := ms / 1000
	return expNeg(1 / (seconds * sampleRate))
}

// Pipeline chains a suppressor and compressor between a source and a
// destination callback. Reconfigure rebuilds the chain without requiring the
// caller to restart capture (spec §4.5: "reconfiguration is lossless").
type Pipeline struct {
	mu          sync.RWMutex
	suppressor  Suppressor
	compressor  *Compressor
	sampleRate  float64
	destination func(frame []float32)
}

func New(sampleRate float64, destination func(frame []float32)) *Pipeline {
	return &Pipeline{
		suppressor:  NoSuppressor{},
		compressor:  NewCompressor(DefaultCompressorParams, sampleRate),
		sampleRate:  sampleRate,
		destination: destination,
	}
}

// Reconfigure swaps the suppressor and/or compressor parameters. Passing a
// nil suppressor leaves the current one in place; it never tears down the
// destination callback.
func (p *Pipeline) Reconfigure(suppressor Suppressor, compressorParams *CompressorParams) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if suppressor != nil {
		p.suppressor = suppressor
	}
	if compressorParams != nil {
		p.compressor = NewCompressor(*compressorParams, p.sampleRate)
	}
}

// Push feeds one frame of captured audio through the graph to the destination.
func (p *Pipeline) Push(frame []float32) {
	p.mu.RLock()
	suppressor := p.suppressor
	compressor := p.compressor
	dest := p.destination
	p.mu.RUnlock()

	processed := suppressor.Process(frame)
	processed = compressor.Process(processed)
	if dest != nil {
		dest(processed)
	}
}

func (p *Pipeline) SuppressorName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.suppressor.Name()
}
