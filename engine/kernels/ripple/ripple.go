// Package ripple implements the ripple-band envelope estimator: a biquad
// bandpass cascade, FIR envelope extraction, Welford running statistics,
// and z-score threshold detection over an N-channel LFP vector.
package ripple

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/loopfield/fsrt/engine/buffers"
	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "filter.ripple",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "lfp", Kind: models.KindRef, RefDatatype: models.DatatypeFloat},
			{Name: "low_hz", Kind: models.KindFloat, Default: 150.0},
			{Name: "high_hz", Kind: models.KindFloat, Default: 250.0},
			{Name: "sample_rate_hz", Kind: models.KindFloat, Default: 1500.0},
			{Name: "cascade_sections", Kind: models.KindInt, Default: 2},
			{Name: "envelope_window", Kind: models.KindInt, Default: 10},
			{Name: "sd_threshold", Kind: models.KindFloat, Default: 3.0, LiveEditable: true},
			{Name: "n_above_threshold", Kind: models.KindInt, Default: 1, LiveEditable: true},
			{Name: "auto_flag", Kind: models.KindBool, Default: true, LiveEditable: true},
			{Name: "means_manual", Kind: models.KindString, LiveEditable: true},
			{Name: "sigmas_manual", Kind: models.KindString, LiveEditable: true},
			{Name: "display_channel", Kind: models.KindInt, Default: 0, LiveEditable: true},
			{Name: "include_channels", Kind: models.KindString},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

// Kernel is filter.ripple's catalog entry.
type Kernel struct{}

func (k *Kernel) TypeID() string   { return "filter.ripple" }
func (k *Kernel) Datatype() string { return string(models.DatatypeBool) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "low_hz", Kind: "float", Default: 150.0},
		{Name: "high_hz", Kind: "float", Default: 250.0},
		{Name: "sample_rate_hz", Kind: "float", Default: 1500.0},
		{Name: "cascade_sections", Kind: "int", Default: 2},
		{Name: "envelope_window", Kind: "int", Default: 10},
		{Name: "sd_threshold", Kind: "float", Default: 3.0, LiveEditable: true},
		{Name: "n_above_threshold", Kind: "int", Default: 1, LiveEditable: true},
		{Name: "auto_flag", Kind: "bool", Default: true, LiveEditable: true},
		{Name: "display_channel", Kind: "int", Default: 0, LiveEditable: true},
	}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["lfp"]
	if !ok {
		return nil, fmt.Errorf("filter.ripple: missing lfp subscriber")
	}

	low := floatParam(params, "low_hz", 150.0)
	high := floatParam(params, "high_hz", 250.0)
	fs := floatParam(params, "sample_rate_hz", 1500.0)
	sections := intParam(params, "cascade_sections", 2)
	window := intParam(params, "envelope_window", 10)

	return &Instance{
		sub:        sub,
		cascade:    newBandpassCascade(low, high, fs, sections),
		window:     window,
		sdThreshold:     floatParam(params, "sd_threshold", 3.0),
		nAboveThreshold: intParam(params, "n_above_threshold", 1),
		autoFlag:        boolParam(params, "auto_flag", true),
		displayChannel:  intParam(params, "display_channel", 0),
	}, nil
}

// Instance is the running ripple detector. Per-channel state (biquad
// history, envelope window, Welford accumulators) is allocated lazily on
// the first sample, once the channel count is known.
type Instance struct {
	sub     *transport.Subscriber
	cascade *bandpassCascade
	window  int

	sdThreshold     float64
	nAboveThreshold int
	autoFlag        bool
	meansManual     []float64
	sigmasManual    []float64
	displayChannel  int

	envelopeWindows []*buffers.Circular[float64]
	mean            []float64
	m2              []float64
	count           []int64

	lastTelemetry map[string]any
	hasTelemetry  bool
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	env, ok := input.Envelopes["lfp"]
	if !ok {
		return transport.Value{}, false, nil
	}
	x := env.Value.FloatVector
	n := len(x)
	in.ensureAllocated(n)

	y := in.cascade.Apply(x)

	triggered := false
	above := 0
	envelopes := make([]float64, n)
	means := make([]float64, n)
	sds := make([]float64, n)
	thresholds := make([]float64, n)
	for c := 0; c < n; c++ {
		squared := y[c] * y[c]
		in.envelopeWindows[c].Push(squared)
		sumSq := 0.0
		view := in.envelopeWindows[c].View()
		for _, v := range view {
			sumSq += v
		}
		envelope := math.Sqrt(sumSq / float64(len(view)))

		var mean, sd float64
		if in.autoFlag {
			// Welford's one-pass recurrence. While a channel has fewer
			// than two samples its sd is taken as 1, so the first tick
			// never divides by zero.
			if in.count[c] == 0 {
				in.count[c] = 1
			} else {
				in.count[c]++
			}
			delta := envelope - in.mean[c]
			in.mean[c] += delta / float64(in.count[c])
			in.m2[c] += delta * (envelope - in.mean[c])
			mean = in.mean[c]
			sd = math.Sqrt(in.m2[c] / float64(in.count[c]))
			if in.count[c] < 2 {
				sd = 1
			}
		} else {
			mean = paramAt(in.meansManual, c, 0)
			sd = paramAt(in.sigmasManual, c, 1)
			if sd == 0 {
				sd = 1
			}
		}

		envelopes[c] = envelope
		means[c] = mean
		sds[c] = sd
		thresholds[c] = mean + sd*in.sdThreshold

		z := (envelope - mean) / sd
		if z > in.sdThreshold {
			above++
		}
	}
	triggered = above >= in.nAboveThreshold

	in.lastTelemetry = map[string]any{
		"timestamp":                  time.Now(),
		"triggered":                  triggered,
		"displayed_channel_envelope": paramAt(envelopes, in.displayChannel, 0),
		"displayed_mean":             paramAt(means, in.displayChannel, 0),
		"displayed_sd":               paramAt(sds, in.displayChannel, 1),
		"thresholds":                 thresholds,
	}
	in.hasTelemetry = true

	return transport.BoolValue(triggered), true, nil
}

// Telemetry returns the record built by the tick just stepped, consuming
// it so a stalled worker doesn't republish a stale tick.
func (in *Instance) Telemetry() (map[string]any, bool) {
	if !in.hasTelemetry {
		return nil, false
	}
	fields := in.lastTelemetry
	in.lastTelemetry = nil
	in.hasTelemetry = false
	return fields, true
}

func (in *Instance) ensureAllocated(n int) {
	if in.envelopeWindows != nil {
		return
	}
	in.envelopeWindows = make([]*buffers.Circular[float64], n)
	for c := range in.envelopeWindows {
		in.envelopeWindows[c] = buffers.NewCircular[float64](in.window)
	}
	in.mean = make([]float64, n)
	in.m2 = make([]float64, n)
	in.count = make([]int64, n)
}

func (in *Instance) UpdateParams(params map[string]any) {
	if v, ok := params["sd_threshold"]; ok {
		in.sdThreshold = toFloat(v, in.sdThreshold)
	}
	if v, ok := params["n_above_threshold"]; ok {
		in.nAboveThreshold = int(toFloat(v, float64(in.nAboveThreshold)))
	}
	if v, ok := params["auto_flag"]; ok {
		if b, ok := v.(bool); ok {
			in.autoFlag = b
		}
	}
	if v, ok := params["display_channel"]; ok {
		in.displayChannel = int(toFloat(v, float64(in.displayChannel)))
	}
}

func (in *Instance) Close() error {
	in.sub.Close()
	return nil
}

// bandpassCascade is ns identical second-order (biquad) bandpass sections
// cascaded in series, each with its own two-sample history per channel,
// stored as gonum matrices (rows = sections, columns = channels) for the
// shift-register bookkeeping.
type bandpassCascade struct {
	sections []biquadCoeffs
	x1, x2   *mat.Dense // ns x N, lazily resized on first Apply
	y1, y2   *mat.Dense
}

type biquadCoeffs struct {
	b0, b1, b2 float64
	a1, a2     float64
}

func newBandpassCascade(lowHz, highHz, fs float64, sections int) *bandpassCascade {
	f0 := math.Sqrt(lowHz * highHz)
	bandwidth := highHz - lowHz
	q := f0 / bandwidth
	w0 := 2 * math.Pi * f0 / fs
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	a0 := 1 + alpha
	coeffs := biquadCoeffs{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}

	c := &bandpassCascade{sections: make([]biquadCoeffs, sections)}
	for i := range c.sections {
		c.sections[i] = coeffs
	}
	return c
}

// Apply runs x (one sample per channel) through every cascaded section
// and returns the filtered vector.
func (c *bandpassCascade) Apply(x []float64) []float64 {
	n := len(x)
	ns := len(c.sections)
	if c.x1 == nil {
		c.x1 = mat.NewDense(ns, n, nil)
		c.x2 = mat.NewDense(ns, n, nil)
		c.y1 = mat.NewDense(ns, n, nil)
		c.y2 = mat.NewDense(ns, n, nil)
	}

	stage := x
	for k, coef := range c.sections {
		out := make([]float64, n)
		for ch := 0; ch < n; ch++ {
			xn := stage[ch]
			x1 := c.x1.At(k, ch)
			x2 := c.x2.At(k, ch)
			y1 := c.y1.At(k, ch)
			y2 := c.y2.At(k, ch)

			yn := coef.b0*xn + coef.b1*x1 + coef.b2*x2 - coef.a1*y1 - coef.a2*y2

			c.x2.Set(k, ch, x1)
			c.x1.Set(k, ch, xn)
			c.y2.Set(k, ch, y1)
			c.y1.Set(k, ch, yn)
			out[ch] = yn
		}
		stage = out
	}
	return stage
}

func paramAt(v []float64, i int, def float64) float64 {
	if i < len(v) {
		return v[i]
	}
	return def
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

func boolParam(params map[string]any, name string, def bool) bool {
	v, ok := params[name]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
