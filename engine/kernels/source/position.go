package source

import (
	"context"
	"math"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "source.position",
		Datatype: models.DatatypePoint2D,
		Schema: []models.ParamDescriptor{
			{Name: "frame_rate_hz", Kind: models.KindFloat, Default: 30.0},
			{Name: "track_radius_cm", Kind: models.KindFloat, Default: 50.0},
		},
		New: func() worker.Kernel { return &positionKernel{} },
	})
}

type positionKernel struct{}

func (k *positionKernel) TypeID() string   { return "source.position" }
func (k *positionKernel) Datatype() string { return string(models.DatatypePoint2D) }
func (k *positionKernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "frame_rate_hz", Kind: "float", Default: 30.0},
		{Name: "track_radius_cm", Kind: "float", Default: 50.0},
	}
}

func (k *positionKernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	rate := floatParam(params, "frame_rate_hz", 30.0)
	return &positionInstance{
		period: time.Duration(float64(time.Second) / rate),
		radius: floatParam(params, "track_radius_cm", 50.0),
		log:    deps.Log,
	}, nil
}

// positionInstance walks a fixed circular track at a constant angular
// speed, standing in for a real camera-tracked animal position feed.
type positionInstance struct {
	period   time.Duration
	radius   float64
	lastTick time.Time
	theta    float64
	misses   int
	log      worker.Logger
}

func (s *positionInstance) Step(ctx context.Context, in worker.Input) (transport.Value, bool, error) {
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
	s.theta += 2 * math.Pi / (20 * float64(time.Second/s.period)) // one lap every ~20s

	x := s.radius * math.Cos(s.theta)
	y := s.radius * math.Sin(s.theta)
	return transport.PointValue(x, y), true, nil
}

func (s *positionInstance) UpdateParams(params map[string]any) {}
func (s *positionInstance) Telemetry() (map[string]any, bool)  { return nil, false }
func (s *positionInstance) Close() error                       { return nil }
