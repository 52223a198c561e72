// Package decoder implements the Bayesian point-process decoder: at each
// timekeeper tick it folds encoded spikes accumulated since the previous
// tick, together with a no-spike likelihood term and a transition prior,
// into a posterior distribution over covariate bins.
package decoder

import (
	"context"
	"fmt"
	"math"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

const (
	occupancyFloor = 1e-7
	histogramFloor = 1e-7
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "decoder.bayesian",
		Datatype: models.DatatypeDiscreteDistribution,
		Schema: []models.ParamDescriptor{
			{Name: "timekeeper", Kind: models.KindRef, RefDatatype: models.DatatypeBool},
			{Name: "encoded_spikes", Kind: models.KindRef, RefDatatype: models.DatatypeDiscreteDistribution},
			{Name: "bin_id", Kind: models.KindRef, RefDatatype: models.DatatypeBinID},
			{Name: "num_bins", Kind: models.KindInt, Default: 50},
			{Name: "num_groups", Kind: models.KindInt, Default: 1},
			{Name: "tick_interval_s", Kind: models.KindFloat, Default: 0.25},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "decoder.bayesian" }
func (k *Kernel) Datatype() string { return string(models.DatatypeDiscreteDistribution) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "num_bins", Kind: "int", Default: 50},
		{Name: "num_groups", Kind: "int", Default: 1},
		{Name: "tick_interval_s", Kind: "float", Default: 0.25},
	}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	tkSub, ok := deps.Subscribers["timekeeper"]
	if !ok {
		return nil, fmt.Errorf("decoder.bayesian: missing timekeeper subscriber")
	}
	spikesSub, ok := deps.Subscribers["encoded_spikes"]
	if !ok {
		return nil, fmt.Errorf("decoder.bayesian: missing encoded_spikes subscriber")
	}
	binSub, ok := deps.Subscribers["bin_id"]
	if !ok {
		return nil, fmt.Errorf("decoder.bayesian: missing bin_id subscriber")
	}

	numBins := intParam(params, "num_bins", 50)
	numGroups := intParam(params, "num_groups", 1)

	firingCounts := make([][]float64, numGroups)
	for g := range firingCounts {
		firingCounts[g] = onesVector(numBins)
	}

	posterior := uniformVector(numBins)
	transition := uniformTransition(numBins)

	return &Instance{
		tkSub:          tkSub,
		spikesSub:      spikesSub,
		binSub:         binSub,
		numBins:        numBins,
		numGroups:      numGroups,
		tickIntervalS:  floatParam(params, "tick_interval_s", 0.25),
		firingCounts:   firingCounts,
		occupancyCount: make([]float64, numBins),
		groupIndex:     make(map[string]int),
		posterior:      posterior,
		transition:     transition,
	}, nil
}

type observation struct {
	group     int
	binID     int
	histogram []float64
}

// Instance accumulates encoded-spike observations between timekeeper
// ticks and, on each tick, folds them into a new posterior.
type Instance struct {
	tkSub     *transport.Subscriber
	spikesSub *transport.Subscriber
	binSub    *transport.Subscriber

	numBins       int
	numGroups     int
	tickIntervalS float64

	firingCounts   [][]float64 // per group, length numBins
	occupancyCount []float64   // per bin

	currentBin int

	pending    []observation
	groupIndex map[string]int

	posterior  []float64
	transition [][]float64 // B x B

	lastTelemetry map[string]any
	hasTelemetry  bool
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	if env, ok := input.Envelopes["bin_id"]; ok {
		in.currentBin = env.Value.BinID
		if in.currentBin >= 0 && in.currentBin < in.numBins {
			in.occupancyCount[in.currentBin]++
		}
	}

	// "encoded_spikes" is a single ref, so this input carries one
	// encoder's output; its publisher name picks the group slot. Other
	// encoders are not delivered under this key.
	if env, ok := input.Envelopes["encoded_spikes"]; ok {
		obs := observation{
			group:     groupFromPublisher(env.Publisher, in.groupIndex),
			binID:     in.currentBin,
			histogram: env.Value.Distribution,
		}
		in.pending = append(in.pending, obs)
	}

	tkEnv, ok := input.Envelopes["timekeeper"]
	if !ok || !tkEnv.Value.Bool {
		return transport.Value{}, false, nil
	}

	return in.decodeTick(), true, nil
}

func (in *Instance) decodeTick() transport.Value {
	for _, obs := range in.pending {
		if obs.group >= 0 && obs.group < in.numGroups && obs.binID >= 0 && obs.binID < in.numBins {
			in.firingCounts[obs.group][obs.binID]++
		}
	}

	occNorm := normalisedOccupancy(in.occupancyCount, occupancyFloor)

	likelihood := uniformVector(in.numBins)
	for g := 0; g < in.numGroups; g++ {
		lambdaHat := normalise(in.firingCounts[g])
		for b := 0; b < in.numBins; b++ {
			likelihood[b] *= math.Exp(-in.tickIntervalS * lambdaHat[b] / occNorm[b])
		}
		likelihood = normalise(likelihood)
	}

	for _, obs := range in.pending {
		if obs.histogram == nil {
			continue
		}
		h := floorVector(obs.histogram, in.numBins, histogramFloor)
		for b := range likelihood {
			likelihood[b] *= h[b]
		}
		likelihood = normalise(likelihood)
	}

	prior := applyTransition(in.posterior, in.transition)

	post := make([]float64, in.numBins)
	for b := range post {
		post[b] = likelihood[b] * prior[b]
	}
	post = normalise(post)

	piPrev := in.posterior
	in.posterior = post
	in.pending = nil

	in.lastTelemetry = map[string]any{
		"posterior":          post,
		"likelihood":         likelihood,
		"previous_posterior": piPrev,
		"prior":              prior,
		"covariate":          in.currentBin,
	}
	in.hasTelemetry = true

	return transport.DistributionValue(post)
}

// Telemetry returns the (pi_t, L, pi_{t-1}, pi~, covariate) record built by
// the tick just stepped, consuming it so a stalled worker doesn't
// republish a stale tick.
func (in *Instance) Telemetry() (map[string]any, bool) {
	if !in.hasTelemetry {
		return nil, false
	}
	fields := in.lastTelemetry
	in.lastTelemetry = nil
	in.hasTelemetry = false
	return fields, true
}

func (in *Instance) UpdateParams(params map[string]any) {}

func (in *Instance) Close() error {
	in.tkSub.Close()
	in.spikesSub.Close()
	in.binSub.Close()
	return nil
}

// groupFromPublisher assigns each distinct publisher name the next free
// group slot, first-seen order, keeping the firing-count histories of
// different publishers apart. With one encoded_spikes producer per
// decoder, only the first slot is filled.
func groupFromPublisher(publisher string, index map[string]int) int {
	if g, ok := index[publisher]; ok {
		return g
	}
	g := len(index)
	index[publisher] = g
	return g
}

func onesVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func uniformVector(n int) []float64 {
	v := make([]float64, n)
	u := 1.0 / float64(n)
	for i := range v {
		v[i] = u
	}
	return v
}

func uniformTransition(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = uniformVector(n)
	}
	return m
}

func normalise(v []float64) []float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		return uniformVector(len(v))
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / sum
	}
	return out
}

func normalisedOccupancy(counts []float64, floor float64) []float64 {
	norm := normalise(counts)
	out := make([]float64, len(norm))
	for i, v := range norm {
		if v < floor {
			v = floor
		}
		out[i] = v
	}
	return out
}

func floorVector(v []float64, n int, floor float64) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < len(v) {
			out[i] = v[i]
		}
		if out[i] < floor {
			out[i] = floor
		}
	}
	return out
}

// applyTransition computes pi~ = pi_{t-1} . P.
func applyTransition(posterior []float64, transition [][]float64) []float64 {
	n := len(posterior)
	out := make([]float64, n)
	for j := 0; j < n; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += posterior[i] * transition[i][j]
		}
		out[j] = sum
	}
	return out
}

func floatParam(params map[string]any, name string, def float64) float64 {
	switch n := params[name].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func intParam(params map[string]any, name string, def int) int {
	return int(floatParam(params, name, float64(def)))
}
