// Package markspace implements the mark-space kernel density encoder: a
// per-electrode-group joint density between spike marks and a discretised
// covariate, queried as an unnormalised posterior over bins.
package markspace

import (
	"context"
	"fmt"
	"math"

	"github.com/loopfield/fsrt/engine/buffers"
	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

const weightFloor = 1e-20

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "encoder.markspace",
		Datatype: models.DatatypeDiscreteDistribution,
		Schema: []models.ParamDescriptor{
			{Name: "spikes", Kind: models.KindRef, RefDatatype: models.DatatypeSpikes},
			{Name: "bin_id", Kind: models.KindRef, RefDatatype: models.DatatypeBinID},
			{Name: "update_signal", Kind: models.KindRef, RefDatatype: models.DatatypeBool},
			{Name: "num_bins", Kind: models.KindInt, Default: 50},
			{Name: "sigma", Kind: models.KindFloat, Default: 20.0, LiveEditable: true},
			{Name: "n_min", Kind: models.KindInt, Default: 5, LiveEditable: true},
			{Name: "z", Kind: models.KindFloat, Default: 3.0, LiveEditable: true},
			{Name: "voltage_scaling_factor", Kind: models.KindFloat, Default: 1.0, LiveEditable: true},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "encoder.markspace" }
func (k *Kernel) Datatype() string { return string(models.DatatypeDiscreteDistribution) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "num_bins", Kind: "int", Default: 50},
		{Name: "sigma", Kind: "float", Default: 20.0, LiveEditable: true},
		{Name: "n_min", Kind: "int", Default: 5, LiveEditable: true},
		{Name: "z", Kind: "float", Default: 3.0, LiveEditable: true},
		{Name: "voltage_scaling_factor", Kind: "float", Default: 1.0, LiveEditable: true},
	}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	spikesSub, ok := deps.Subscribers["spikes"]
	if !ok {
		return nil, fmt.Errorf("encoder.markspace: missing spikes subscriber")
	}
	binSub, ok := deps.Subscribers["bin_id"]
	if !ok {
		return nil, fmt.Errorf("encoder.markspace: missing bin_id subscriber")
	}
	updateSub, ok := deps.Subscribers["update_signal"]
	if !ok {
		return nil, fmt.Errorf("encoder.markspace: missing update_signal subscriber")
	}

	return &Instance{
		spikesSub:            spikesSub,
		binSub:               binSub,
		updateSub:            updateSub,
		numBins:              intParam(params, "num_bins", 50),
		sigma:                floatParam(params, "sigma", 20.0),
		nMin:                 intParam(params, "n_min", 5),
		z:                    floatParam(params, "z", 3.0),
		voltageScalingFactor: floatParam(params, "voltage_scaling_factor", 1.0),
		groups:               make(map[int]*groupState),
	}, nil
}

// groupState is one electrode group's append-only training history: every
// stored mark and its paired bin id, plus the running occupancy count.
type groupState struct {
	marks     *buffers.Append[[]float64]
	bins      *buffers.Append[int]
	occupancy map[int]int
}

func newGroupState() *groupState {
	return &groupState{
		marks:     buffers.NewAppend[[]float64](0),
		bins:      buffers.NewAppend[int](0),
		occupancy: make(map[int]int),
	}
}

// Instance learns, per electrode group, a joint density between spike
// marks and the current covariate bin, gated by an explicit update
// signal, and answers queries with a kernel-density posterior.
type Instance struct {
	spikesSub *transport.Subscriber
	binSub    *transport.Subscriber
	updateSub *transport.Subscriber

	numBins              int
	sigma                float64
	nMin                 int
	z                     float64
	voltageScalingFactor float64

	groups map[int]*groupState

	currentBin    int
	updateEnabled bool
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	if env, ok := input.Envelopes["update_signal"]; ok {
		in.updateEnabled = env.Value.Bool
	}
	if env, ok := input.Envelopes["bin_id"]; ok {
		in.currentBin = env.Value.BinID
	}

	env, ok := input.Envelopes["spikes"]
	if !ok {
		return transport.Value{}, false, nil
	}

	var out transport.Value
	published := false
	for _, mark := range env.Value.Spikes {
		m := mark.Amplitudes
		scaled := make([]float64, len(m))
		for i, v := range m {
			scaled[i] = v * in.voltageScalingFactor
		}

		if in.updateEnabled {
			in.learn(mark.ElectrodeGroup, scaled, in.currentBin)
			continue
		}

		result, ok := in.query(mark.ElectrodeGroup, scaled)
		if ok {
			out = result
			published = true
		}
	}

	return out, published, nil
}

func (in *Instance) learn(group int, mark []float64, bin int) {
	g, ok := in.groups[group]
	if !ok {
		g = newGroupState()
		in.groups[group] = g
	}
	g.marks.Push(mark)
	g.bins.Push(bin)
	g.occupancy[bin]++
}

// query computes the mark-space kernel density posterior for the given
// mark, or ok=false if the admissibility filter rejects it (too few
// neighbouring marks, or an untrained group).
func (in *Instance) query(group int, mark []float64) (transport.Value, bool) {
	g, ok := in.groups[group]
	if !ok {
		return transport.Value{}, false
	}

	halfWidth := in.z * in.sigma
	admissible := 0
	marksView := g.marks.View()
	binsView := g.bins.View()
	for _, m := range marksView {
		if inHypercube(m, mark, halfWidth) {
			admissible++
		}
	}
	if admissible < in.nMin {
		return transport.Value{}, false
	}

	k1 := 1.0 / (math.Sqrt(2*math.Pi) * in.sigma)
	k2 := -1.0 / (2 * in.sigma * in.sigma)

	weighted := make([]float64, in.numBins)
	for i, m := range marksView {
		d2 := squaredDistance(m, mark)
		w := k1 * math.Exp(k2*d2)
		if w < weightFloor {
			w = 0
		}
		b := binsView[i]
		if b >= 0 && b < in.numBins {
			weighted[b] += w
		}
	}

	occNorm := make([]float64, in.numBins)
	sum, count := 0.0, 0
	for b := 0; b < in.numBins; b++ {
		if c, ok := g.occupancy[b]; ok && c > 0 {
			occNorm[b] = float64(c)
			sum += float64(c)
			count++
		}
	}
	mean := 0.0
	if count > 0 {
		mean = sum / float64(count)
	}
	for b := range occNorm {
		if occNorm[b] == 0 {
			occNorm[b] = mean
		}
	}
	total := sum + mean*float64(in.numBins-count)
	if total > 0 {
		for b := range occNorm {
			occNorm[b] /= total
		}
	}

	result := make([]float64, in.numBins)
	for b := range result {
		if occNorm[b] != 0 {
			result[b] = weighted[b] / occNorm[b]
		}
	}

	return transport.DistributionValue(result), true
}

func inHypercube(a, b []float64, halfWidth float64) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if math.Abs(a[i]-b[i]) > halfWidth {
			return false
		}
	}
	return true
}

func squaredDistance(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func (in *Instance) UpdateParams(params map[string]any) {
	if v, ok := params["sigma"]; ok {
		in.sigma = toFloat(v, in.sigma)
	}
	if v, ok := params["n_min"]; ok {
		in.nMin = int(toFloat(v, float64(in.nMin)))
	}
	if v, ok := params["z"]; ok {
		in.z = toFloat(v, in.z)
	}
	if v, ok := params["voltage_scaling_factor"]; ok {
		in.voltageScalingFactor = toFloat(v, in.voltageScalingFactor)
	}
}

func (in *Instance) Telemetry() (map[string]any, bool) { return nil, false }

func (in *Instance) Close() error {
	in.spikesSub.Close()
	in.binSub.Close()
	in.updateSub.Close()
	return nil
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
