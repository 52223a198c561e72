// Package source implements the three acquisition-feed source kernels:
// source.lfp, source.waveforms, source.position. Each generates its data
// with a mock, in-process signal generator, grounded on the original's
// fsgui/mock and fsgui/simulation stand-ins; no client for a real
// acquisition server is included.
package source

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "source.lfp",
		Datatype: models.DatatypeFloat,
		Schema: []models.ParamDescriptor{
			{Name: "channels", Kind: models.KindInt, Default: 8},
			{Name: "sample_rate_hz", Kind: models.KindFloat, Default: 1500.0},
		},
		New: func() worker.Kernel { return &lfpKernel{} },
	})
}

// noDataWarnEvery is how many consecutive misses a source waits before
// logging a "no data received" warning, per spec.
const noDataWarnEvery = 40

type lfpKernel struct{}

func (k *lfpKernel) TypeID() string           { return "source.lfp" }
func (k *lfpKernel) Datatype() string         { return string(models.DatatypeFloat) }
func (k *lfpKernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "channels", Kind: "int", Default: 8},
		{Name: "sample_rate_hz", Kind: "float", Default: 1500.0},
	}
}

func (k *lfpKernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	channels := intParam(params, "channels", 8)
	rate := floatParam(params, "sample_rate_hz", 1500.0)
	return &lfpInstance{
		channels: channels,
		period:   time.Duration(float64(time.Second) / rate),
		rng:      rand.New(rand.NewSource(1)),
		log:      deps.Log,
	}, nil
}

// lfpInstance generates a synthetic N-channel LFP sample: a slow theta
// component, an intermittent ripple-band burst, and white noise, standing
// in for a real acquisition feed.
type lfpInstance struct {
	channels int
	period   time.Duration
	lastTick time.Time
	t        float64
	rng      *rand.Rand
	misses   int
	log      worker.Logger
}

func (s *lfpInstance) Step(ctx context.Context, in worker.Input) (transport.Value, bool, error) {
	now := time.Now()
	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.period {
		s.misses++
		if s.log != nil && s.misses%noDataWarnEvery == 0 {
			s.log.WarnCtx(ctx, "no data received", "consecutive_misses", s.misses)
		}
		return transport.Value{}, false, nil
	}
	s.misses = 0
	s.lastTick = now
	s.t += s.period.Seconds()

	sample := make([]float64, s.channels)
	theta := 200 * math.Sin(2*math.Pi*7*s.t)
	for c := range sample {
		ripple := 0.0
		if s.rng.Float64() < 0.002 {
			ripple = 150 * math.Sin(2*math.Pi*200*s.t)
		}
		sample[c] = theta + ripple + s.rng.NormFloat64()*20
	}
	return transport.FloatVectorValue(sample), true, nil
}

func (s *lfpInstance) UpdateParams(params map[string]any) {}
func (s *lfpInstance) Telemetry() (map[string]any, bool)  { return nil, false }
func (s *lfpInstance) Close() error                       { return nil }

func intParam(params map[string]any, name string, def int) int {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return def
	}
}

func floatParam(params map[string]any, name string, def float64) float64 {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
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

func stringParam(params map[string]any, name, def string) string {
	v, ok := params[name]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}
