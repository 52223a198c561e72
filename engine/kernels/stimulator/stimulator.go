// Package stimulator implements the trigger-tree evaluator and stimulator
// action: it folds a boolean trigger tree (and an optional condition
// tree) over cached leaf values, drives an idle/triggered state machine
// with lockout, and fires hardware requests fire-and-forget.
package stimulator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

type stimState string

const (
	stateIdle      stimState = "idle"
	stateTriggered stimState = "triggered"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "action.stimulator",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "trigger", Kind: models.KindTriggerTree},
			{Name: "condition", Kind: models.KindTriggerTree},
			{Name: "action_enabled", Kind: models.KindBool, Default: true, LiveEditable: true},
			{Name: "off_when_false", Kind: models.KindBool, Default: true, LiveEditable: true},
			{Name: "delay_flag", Kind: models.KindBool, Default: false, LiveEditable: true},
			{Name: "lockout_time_ms", Kind: models.KindInt, Default: 1000, LiveEditable: true},
			{Name: "on_fn", Kind: models.KindInt, Default: 1},
			{Name: "off_fn", Kind: models.KindInt, Default: 2},
			{Name: "function_num", Kind: models.KindInt, Default: 1},
			{Name: "pre_delay", Kind: models.KindInt, Default: 0},
			{Name: "n_pulses", Kind: models.KindInt, Default: 1},
			{Name: "n_trains", Kind: models.KindInt, Default: 1},
			{Name: "train_interval", Kind: models.KindInt, Default: 0},
			{Name: "sequence_period", Kind: models.KindInt, Default: 0},
			{Name: "primary_pin", Kind: models.KindInt, Default: 0},
			{Name: "pulse_length", Kind: models.KindInt, Default: 10},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "action.stimulator" }
func (k *Kernel) Datatype() string { return string(models.DatatypeBool) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{
		{Name: "action_enabled", Kind: "bool", Default: true, LiveEditable: true},
		{Name: "off_when_false", Kind: "bool", Default: true, LiveEditable: true},
		{Name: "delay_flag", Kind: "bool", Default: false, LiveEditable: true},
		{Name: "lockout_time_ms", Kind: "int", Default: 1000, LiveEditable: true},
		{Name: "on_fn", Kind: "int", Default: 1},
		{Name: "off_fn", Kind: "int", Default: 2},
	}
}

// Build wires the trigger/condition trees' leaf subscribers, dials the
// hardware and statescript services, and pushes the templated
// Statescript text once, before returning the running Instance.
func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	trigger, ok := params["trigger"].(models.TriggerTree)
	if !ok {
		return nil, fmt.Errorf("action.stimulator: missing trigger tree")
	}
	var condition *models.TriggerTree
	if c, ok := params["condition"].(models.TriggerTree); ok {
		condition = &c
	}

	hardware, ok := deps.Consumers["hardware"]
	if !ok {
		return nil, fmt.Errorf("action.stimulator: missing hardware consumer")
	}
	statescript, ok := deps.Consumers["statescript"]
	if !ok {
		return nil, fmt.Errorf("action.stimulator: missing statescript consumer")
	}

	script := renderStatescript(params)
	if _, err := statescript.Call(ctx, "statescript.service", transport.TextValue(script)); err != nil {
		return nil, fmt.Errorf("action.stimulator: push statescript: %w", err)
	}

	return &Instance{
		trigger:         trigger,
		condition:       condition,
		hardware:        hardware,
		actionEnabled:   boolParam(params, "action_enabled", true),
		offWhenFalse:    boolParam(params, "off_when_false", true),
		delayFlag:       boolParam(params, "delay_flag", false),
		lockoutTimeMs:   intParam(params, "lockout_time_ms", 1000),
		onFn:            intParam(params, "on_fn", 1),
		offFn:           intParam(params, "off_fn", 2),
		state:           stateIdle,
		cache:           make(map[models.InstanceID]bool),
	}, nil
}

// Instance drives the idle/triggered state machine described by the
// transition table: effective = trigger AND condition, gated by
// action_enabled and a lockout timer since the last trigger.
type Instance struct {
	trigger   models.TriggerTree
	condition *models.TriggerTree

	hardware *transport.Consumer

	actionEnabled bool
	offWhenFalse  bool
	delayFlag     bool
	lockoutTimeMs int
	onFn          int
	offFn         int

	state         stimState
	lastTriggered time.Time
	cache         map[models.InstanceID]bool
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	for name, env := range input.Envelopes {
		if id, err := parseInstanceID(name); err == nil {
			in.cache[id] = env.Value.Bool
		}
	}

	triggerVal := in.trigger.Evaluate(in.cache)
	conditionVal := true
	if in.condition != nil {
		conditionVal = in.condition.Evaluate(in.cache)
	}
	effective := triggerVal && conditionVal

	elapsed := time.Since(in.lastTriggered)
	lockoutExpired := elapsed >= time.Duration(in.lockoutTimeMs)*time.Millisecond

	switch in.state {
	case stateIdle:
		if effective && in.actionEnabled {
			in.fireOn(ctx)
			in.lastTriggered = time.Now()
			in.state = stateTriggered
		}
	case stateTriggered:
		if !in.actionEnabled {
			in.fireOff(ctx)
			in.state = stateIdle
		} else if effective {
			// stay triggered
		} else if lockoutExpired {
			if in.offWhenFalse {
				in.fireOff(ctx)
			}
			in.state = stateIdle
		}
	}

	return transport.BoolValue(in.state == stateTriggered), true, nil
}

func (in *Instance) fireOn(ctx context.Context) {
	if in.hardware == nil {
		return
	}
	fn := in.onFn
	if in.delayFlag {
		fn += 10
	}
	go in.hardware.Call(context.Background(), "HRSCTrig", transport.FloatValue(float64(fn)))
}

func (in *Instance) fireOff(ctx context.Context) {
	if in.hardware == nil {
		return
	}
	go in.hardware.Call(context.Background(), "HRSCTrig", transport.FloatValue(float64(in.offFn)))
}

func (in *Instance) UpdateParams(params map[string]any) {
	if v, ok := params["action_enabled"]; ok {
		if b, ok := v.(bool); ok {
			in.actionEnabled = b
		}
	}
	if v, ok := params["off_when_false"]; ok {
		if b, ok := v.(bool); ok {
			in.offWhenFalse = b
		}
	}
	if v, ok := params["delay_flag"]; ok {
		if b, ok := v.(bool); ok {
			in.delayFlag = b
		}
	}
	if v, ok := params["lockout_time_ms"]; ok {
		in.lockoutTimeMs = int(toFloat(v, float64(in.lockoutTimeMs)))
	}
}

func (in *Instance) Telemetry() (map[string]any, bool) { return nil, false }

func (in *Instance) Close() error { return nil }

func parseInstanceID(s string) (models.InstanceID, error) {
	u, err := uuid.Parse(s)
	return models.InstanceID(u), err
}

// renderStatescript templates the function-slot declaration script from
// the node's build-time params. The resulting text is opaque to the
// runtime; it is produced deterministically and pushed once.
func renderStatescript(params map[string]any) string {
	return fmt.Sprintf(
		"function %d\npreDelay %d\nnPulses %d\nnTrains %d\ntrainInterval %d\nsequencePeriod %d\nprimaryPin %d\npulseLength %d\ndelayFlag %v\n",
		intParam(params, "function_num", 1),
		intParam(params, "pre_delay", 0),
		intParam(params, "n_pulses", 1),
		intParam(params, "n_trains", 1),
		intParam(params, "train_interval", 0),
		intParam(params, "sequence_period", 0),
		intParam(params, "primary_pin", 0),
		intParam(params, "pulse_length", 10),
		boolParam(params, "delay_flag", false),
	)
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
