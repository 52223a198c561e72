package source

import (
	"context"
	"math/rand"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "source.waveforms",
		Datatype: models.DatatypeSpikes,
		Schema: []models.ParamDescriptor{
			{Name: "electrode_group", Kind: models.KindInt, Default: 0},
			{Name: "channels_per_group", Kind: models.KindInt, Default: 4},
			{Name: "samples_per_waveform", Kind: models.KindInt, Default: 40},
			{Name: "mean_rate_hz", Kind: models.KindFloat, Default: 5.0},
		},
		New: func() worker.Kernel { return &waveformsKernel{} },
	})
}

type waveformsKernel struct{}

func (k *waveformsKernel) TypeID() string   { return "source.waveforms" }
func (k *waveformsKernel) Datatype() string { return string(models.DatatypeSpikes) }
func (k *waveformsKernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "electrode_group", Kind: "int", Default: 0},
		{Name: "channels_per_group", Kind: "int", Default: 4},
		{Name: "samples_per_waveform", Kind: "int", Default: 40},
		{Name: "mean_rate_hz", Kind: "float", Default: 5.0},
	}
}

func (k *waveformsKernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	return &waveformsInstance{
		group:       intParam(params, "electrode_group", 0),
		channels:    intParam(params, "channels_per_group", 4),
		samples:     intParam(params, "samples_per_waveform", 40),
		meanRateHz:  floatParam(params, "mean_rate_hz", 5.0),
		rng:         rand.New(rand.NewSource(2)),
		log:         deps.Log,
		lastTick:    time.Now(),
	}, nil
}

// waveformsInstance emits a Poisson-process stream of spikes, each carrying
// one peak amplitude per channel of the group (a randomly chosen channel at
// full scale, the others at 30-70% scale), standing in for a real
// spike-detector feed. No per-sample waveform is generated; the samples
// setting is stored but not used.
type waveformsInstance struct {
	group      int
	channels   int
	samples    int
	meanRateHz float64
	rng        *rand.Rand
	lastTick   time.Time
	misses     int
	log        worker.Logger
}

func (s *waveformsInstance) Step(ctx context.Context, in worker.Input) (transport.Value, bool, error) {
	now := time.Now()
	dt := now.Sub(s.lastTick).Seconds()
	s.lastTick = now

	if s.rng.Float64() > s.meanRateHz*dt {
		s.misses++
		if s.log != nil && s.misses%noDataWarnEvery == 0 {
			s.log.WarnCtx(ctx, "no data received", "consecutive_misses", s.misses)
		}
		return transport.Value{}, false, nil
	}
	s.misses = 0

	peakChannel := s.rng.Intn(s.channels)
	amplitudes := make([]float64, s.channels)
	for c := range amplitudes {
		scale := 1.0
		if c != peakChannel {
			scale = 0.3 + 0.4*s.rng.Float64()
		}
		amplitudes[c] = scale * (80 + s.rng.Float64()*40)
	}
	mark := transport.SpikeMark{ElectrodeGroup: s.group, Amplitudes: amplitudes, Timestamp: now}
	return transport.SpikesValue([]transport.SpikeMark{mark}), true, nil
}

func (s *waveformsInstance) UpdateParams(params map[string]any) {}
func (s *waveformsInstance) Telemetry() (map[string]any, bool)  { return nil, false }
func (s *waveformsInstance) Close() error                       { return nil }
