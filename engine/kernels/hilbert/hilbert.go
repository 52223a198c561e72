// Package hilbert implements the theta-band Hilbert-phase predictor: a
// zero-phase bandpass over a one-second buffer, AR forward-extrapolation
// via a precomputed companion-matrix power, an FFT-based analytic signal,
// and phase-unwrap crossing prediction.
package hilbert

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"

	"github.com/loopfield/fsrt/engine/buffers"
	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "filter.hilbert_theta",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "lfp", Kind: models.KindRef, RefDatatype: models.DatatypeFloat},
			{Name: "reference_channel", Kind: models.KindInt, Default: 0},
			{Name: "sample_rate_hz", Kind: models.KindFloat, Default: 1500.0},
			{Name: "target_phase_rad", Kind: models.KindFloat, Default: 0.0, LiveEditable: true},
			{Name: "ar_order", Kind: models.KindInt, Default: 20},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "filter.hilbert_theta" }
func (k *Kernel) Datatype() string { return string(models.DatatypeBool) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "reference_channel", Kind: "int", Default: 0},
		{Name: "sample_rate_hz", Kind: "float", Default: 1500.0},
		{Name: "target_phase_rad", Kind: "float", Default: 0.0, LiveEditable: true},
		{Name: "ar_order", Kind: "int", Default: 20},
	}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["lfp"]
	if !ok {
		return nil, fmt.Errorf("filter.hilbert_theta: missing lfp subscriber")
	}
	fs := floatParam(params, "sample_rate_hz", 1500.0)
	n := int(fs) // one second buffer
	arOrder := intParam(params, "ar_order", 20)
	trim := int(0.15 * fs)

	return &Instance{
		sub:            sub,
		refChannel:     intParam(params, "reference_channel", 0),
		fs:             fs,
		n:              n,
		trim:           trim,
		arOrder:        arOrder,
		targetPhaseRad: floatParam(params, "target_phase_rad", 0.0),
		raw:            buffers.NewCircular[float64](n),
		timestamps:     buffers.NewCircular[float64](n),
		arProjection:   arForwardMatrix(arOrder, 2*trim),
	}, nil
}

// Instance predicts the next theta-phase crossing of the configured
// target phase. Exactly one true is published per predicted crossing: a
// prediction clears t_next the instant it fires.
type Instance struct {
	sub        *transport.Subscriber
	refChannel int
	fs         float64
	n          int
	trim       int
	arOrder    int

	targetPhaseRad float64

	raw        *buffers.Circular[float64]
	timestamps *buffers.Circular[float64]

	arProjection *mat.Dense

	hasPrediction bool
	tNext         float64
	sampleCount   int
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	env, ok := input.Envelopes["lfp"]
	if !ok {
		return transport.Value{}, false, nil
	}
	x := env.Value.FloatVector
	if in.refChannel >= len(x) {
		return transport.Value{}, false, nil
	}
	sample := x[in.refChannel]
	in.sampleCount++
	ts := float64(in.sampleCount) / in.fs
	in.raw.Push(sample)
	in.timestamps.Push(ts)

	if in.hasPrediction {
		if ts >= in.tNext {
			in.hasPrediction = false
			return transport.BoolValue(true), true, nil
		}
		return transport.BoolValue(false), true, nil
	}

	if in.raw.Len() < in.n {
		return transport.BoolValue(false), true, nil
	}

	buf := in.raw.View()
	filtered := zeroPhaseBandpass(buf, 4, 9, in.fs)
	trimmed := filtered[in.trim : len(filtered)-in.trim]

	extrapolated := in.extrapolate(trimmed)
	full := append(append([]float64{}, trimmed...), extrapolated...)

	phase := unwrappedPhase(full)

	target := in.targetPhaseRad
	idx := -1
	for i := 1; i < len(phase); i++ {
		k := math.Floor(phase[0] / (2 * math.Pi))
		crossing := (k+1)*2*math.Pi + target
		if phase[i-1] < crossing && phase[i] >= crossing {
			idx = i
			break
		}
	}

	if idx > in.trim/4 && idx < in.trim/2 {
		dt := 1.0 / in.fs
		in.tNext = ts + dt*float64(idx)
		in.hasPrediction = true
	}

	return transport.BoolValue(false), true, nil
}

// extrapolate forward-projects the last arOrder samples of trimmed by
// 2*trim steps via one matrix-vector multiply against the precomputed
// companion-matrix power.
func (in *Instance) extrapolate(trimmed []float64) []float64 {
	order := in.arOrder
	if len(trimmed) < order {
		order = len(trimmed)
	}
	last := make([]float64, in.arOrder)
	start := len(trimmed) - order
	copy(last[in.arOrder-order:], trimmed[start:])

	state := mat.NewVecDense(in.arOrder, last)
	var out mat.VecDense
	out.MulVec(in.arProjection, state)

	result := make([]float64, out.Len())
	for i := range result {
		result[i] = out.AtVec(i)
	}
	return result
}

func (in *Instance) UpdateParams(params map[string]any) {
	if v, ok := params["target_phase_rad"]; ok {
		in.targetPhaseRad = toFloat(v, in.targetPhaseRad)
	}
}

func (in *Instance) Telemetry() (map[string]any, bool) { return nil, false }

func (in *Instance) Close() error {
	in.sub.Close()
	return nil
}

// arForwardMatrix builds the (steps x order) projection that maps the
// last `order` samples to the next `steps` samples of a flat AR(order)
// process (coefficients 1/order each, a stand-in linear predictor), via
// successive powers of its companion matrix.
func arForwardMatrix(order, steps int) *mat.Dense {
	companion := mat.NewDense(order, order, nil)
	for i := 0; i < order; i++ {
		companion.Set(0, i, 1.0/float64(order))
	}
	for i := 1; i < order; i++ {
		companion.Set(i, i-1, 1)
	}

	out := mat.NewDense(steps, order, nil)
	var power mat.Dense
	cur := mat.NewDense(order, order, nil)
	cur.Copy(companion)
	for s := 0; s < steps; s++ {
		if s == 0 {
			power.CloneFrom(cur)
		} else {
			power.Mul(&power, companion)
		}
		out.SetRow(s, power.RawRowView(0))
	}
	return out
}

// zeroPhaseBandpass applies a simple forward-backward one-pole-per-edge
// Butterworth-style bandpass: a forward pass then a backward pass of the
// same first-order high-pass/low-pass pair cancels phase distortion.
func zeroPhaseBandpass(x []float64, lowHz, highHz, fs float64) []float64 {
	hp := firstOrderHighpass(x, lowHz, fs)
	bp := firstOrderLowpass(hp, highHz, fs)
	reversed := reverse(bp)
	hp2 := firstOrderHighpass(reversed, lowHz, fs)
	bp2 := firstOrderLowpass(hp2, highHz, fs)
	return reverse(bp2)
}

func firstOrderLowpass(x []float64, cutoffHz, fs float64) []float64 {
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / fs
	alpha := dt / (rc + dt)
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = out[i-1] + alpha*(x[i]-out[i-1])
	}
	return out
}

func firstOrderHighpass(x []float64, cutoffHz, fs float64) []float64 {
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / fs
	alpha := rc / (rc + dt)
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha * (out[i-1] + x[i] - x[i-1])
	}
	return out
}

func reverse(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[len(x)-1-i] = v
	}
	return out
}

// unwrappedPhase returns the unwrapped instantaneous phase of x's
// analytic signal, computed via an FFT-based Hilbert transform.
func unwrappedPhase(x []float64) []float64 {
	n := len(x)
	imagPart := hilbertImaginaryPart(x)
	unwrapped := make([]float64, n)
	prev := math.Atan2(imagPart[0], x[0])
	unwrapped[0] = prev
	for i := 1; i < n; i++ {
		cur := math.Atan2(imagPart[i], x[i])
		delta := cur - prev
		for delta > math.Pi {
			delta -= 2 * math.Pi
		}
		for delta < -math.Pi {
			delta += 2 * math.Pi
		}
		unwrapped[i] = unwrapped[i-1] + delta
		prev = cur
	}
	return unwrapped
}

// hilbertImaginaryPart computes the Hilbert transform of x (the
// imaginary part of its analytic signal): zero the negative-frequency
// half of the spectrum, double the positive half, and inverse transform.
func hilbertImaginaryPart(x []float64) []float64 {
	n := len(x)
	seq := make([]complex128, n)
	for i, v := range x {
		seq[i] = complex(v, 0)
	}

	fft := fourier.NewCmplxFFT(n)
	spectrum := fft.Coefficients(nil, seq)

	h := make([]float64, n)
	h[0] = 1
	if n%2 == 0 {
		h[n/2] = 1
		for i := 1; i < n/2; i++ {
			h[i] = 2
		}
	} else {
		for i := 1; i < (n+1)/2; i++ {
			h[i] = 2
		}
	}
	for i := range spectrum {
		if h[i] == 0 {
			spectrum[i] = 0
		} else {
			spectrum[i] = complex(real(spectrum[i])*h[i], imag(spectrum[i])*h[i])
		}
	}

	analytic := fft.Sequence(nil, spectrum)
	out := make([]float64, n)
	for i, c := range analytic {
		out[i] = imag(c) / float64(n)
	}
	return out
}

func toFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func floatParam(params map[string]any, name string, def float64) float64 {
	return toFloat(params[name], def)
}

func intParam(params map[string]any, name string, def int) int {
	return int(toFloat(params[name], float64(def)))
}
