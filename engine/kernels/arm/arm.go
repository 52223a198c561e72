// Package arm implements a boolean debounce/arming filter: it only
// forwards a rising edge once the input has held true for a configured
// number of consecutive ticks, and re-arms once the input returns false.
package arm

import (
	"context"
	"fmt"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "filter.arm_debounce",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "input", Kind: models.KindRef, RefDatatype: models.DatatypeBool},
			{Name: "debounce_ticks", Kind: models.KindInt, Default: 3, LiveEditable: true},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "filter.arm_debounce" }
func (k *Kernel) Datatype() string { return string(models.DatatypeBool) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{{Name: "debounce_ticks", Kind: "int", Default: 3, LiveEditable: true}}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["input"]
	if !ok {
		return nil, fmt.Errorf("filter.arm_debounce: missing input subscriber")
	}
	return &Instance{sub: sub, debounceTicks: intParam(params, "debounce_ticks", 3)}, nil
}

// Instance is armed (ready to fire) whenever the input is false; it
// fires exactly once per sustained-true run, after debounceTicks
// consecutive true ticks, and does not fire again until the input drops
// back to false and rises again.
type Instance struct {
	sub           *transport.Subscriber
	debounceTicks int
	run           int
	fired         bool
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	env, ok := input.Envelopes["input"]
	if !ok {
		return transport.Value{}, false, nil
	}

	if !env.Value.Bool {
		in.run = 0
		in.fired = false
		return transport.BoolValue(false), true, nil
	}

	in.run++
	if in.run >= in.debounceTicks && !in.fired {
		in.fired = true
		return transport.BoolValue(true), true, nil
	}
	return transport.BoolValue(false), true, nil
}

func (in *Instance) UpdateParams(params map[string]any) {
	if v, ok := params["debounce_ticks"]; ok {
		in.debounceTicks = int(toFloat(v, float64(in.debounceTicks)))
	}
}

func (in *Instance) Telemetry() (map[string]any, bool) { return nil, false }

func (in *Instance) Close() error { return in.sub.Close() }

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

func intParam(params map[string]any, name string, def int) int {
	return int(toFloat(params[name], float64(def)))
}
