// Package position supplements the raw source.position feed with two
// small filters the original system keeps between the camera tracker
// and the covariate classifiers: an exponential-smoothing filter and a
// speed-from-position derivative filter.
package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "filter.position_smooth",
		Datatype: models.DatatypePoint2D,
		Schema: []models.ParamDescriptor{
			{Name: "position", Kind: models.KindRef, RefDatatype: models.DatatypePoint2D},
			{Name: "alpha", Kind: models.KindFloat, Default: 0.3, LiveEditable: true},
		},
		New: func() worker.Kernel { return &smoothKernel{} },
	})
	catalog.Register(catalog.Entry{
		TypeID:   "filter.speed",
		Datatype: models.DatatypeFloat,
		Schema: []models.ParamDescriptor{
			{Name: "position", Kind: models.KindRef, RefDatatype: models.DatatypePoint2D},
			{Name: "smoothing_window", Kind: models.KindInt, Default: 5},
		},
		New: func() worker.Kernel { return &speedKernel{} },
	})
}

type smoothKernel struct{}

func (k *smoothKernel) TypeID() string   { return "filter.position_smooth" }
func (k *smoothKernel) Datatype() string { return string(models.DatatypePoint2D) }
func (k *smoothKernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{{Name: "alpha", Kind: "float", Default: 0.3, LiveEditable: true}}
}

func (k *smoothKernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["position"]
	if !ok {
		return nil, fmt.Errorf("filter.position_smooth: missing position subscriber")
	}
	return &smoothInstance{sub: sub, alpha: floatParam(params, "alpha", 0.3)}, nil
}

// smoothInstance applies an exponential moving average to each axis
// independently, initialised from the first observed sample.
type smoothInstance struct {
	sub     *transport.Subscriber
	alpha   float64
	x, y    float64
	primed  bool
}

func (s *smoothInstance) Step(ctx context.Context, in worker.Input) (transport.Value, bool, error) {
	env, ok := in.Envelopes["position"]
	if !ok {
		return transport.Value{}, false, nil
	}
	p := env.Value.Point
	if !s.primed {
		s.x, s.y = p.X, p.Y
		s.primed = true
	} else {
		s.x += s.alpha * (p.X - s.x)
		s.y += s.alpha * (p.Y - s.y)
	}
	return transport.PointValue(s.x, s.y), true, nil
}

func (s *smoothInstance) UpdateParams(params map[string]any) {
	if v, ok := params["alpha"]; ok {
		s.alpha = toFloat(v, s.alpha)
	}
}

func (s *smoothInstance) Telemetry() (map[string]any, bool) { return nil, false }

func (s *smoothInstance) Close() error { return s.sub.Close() }

type speedKernel struct{}

func (k *speedKernel) TypeID() string   { return "filter.speed" }
func (k *speedKernel) Datatype() string { return string(models.DatatypeFloat) }
func (k *speedKernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{{Name: "smoothing_window", Kind: "int", Default: 5}}
}

func (k *speedKernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["position"]
	if !ok {
		return nil, fmt.Errorf("filter.speed: missing position subscriber")
	}
	window := intParam(params, "smoothing_window", 5)
	return &speedInstance{sub: sub, window: window, recent: make([]float64, 0, window)}, nil
}

// speedInstance differentiates consecutive position samples and reports
// a moving-average of the instantaneous speed, standing in for the
// original's speed-from-position filter.
type speedInstance struct {
	sub      *transport.Subscriber
	window   int
	hasPrev  bool
	prev     transport.Point2D
	prevTime time.Time
	recent   []float64
}

func (s *speedInstance) Step(ctx context.Context, in worker.Input) (transport.Value, bool, error) {
	env, ok := in.Envelopes["position"]
	if !ok {
		return transport.Value{}, false, nil
	}
	now := env.SentAt
	if now.IsZero() {
		now = time.Now()
	}
	p := env.Value.Point
	if !s.hasPrev {
		s.prev, s.prevTime, s.hasPrev = p, now, true
		return transport.FloatValue(0), true, nil
	}

	dt := now.Sub(s.prevTime).Seconds()
	if dt <= 0 {
		dt = 1e-3
	}
	dist := math.Hypot(p.X-s.prev.X, p.Y-s.prev.Y)
	speed := dist / dt

	s.recent = append(s.recent, speed)
	if len(s.recent) > s.window {
		s.recent = s.recent[len(s.recent)-s.window:]
	}
	sum := 0.0
	for _, v := range s.recent {
		sum += v
	}
	avg := sum / float64(len(s.recent))

	s.prev, s.prevTime = p, now
	return transport.FloatValue(avg), true, nil
}

func (s *speedInstance) UpdateParams(params map[string]any) {}
func (s *speedInstance) Telemetry() (map[string]any, bool)  { return nil, false }
func (s *speedInstance) Close() error                       { return s.sub.Close() }

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
