package stimulator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func newTestInstance(t *testing.T, leaf models.InstanceID, lockoutMs int) *Instance {
	t.Helper()
	return &Instance{
		trigger:       models.TriggerTree{IsLeaf: true, Leaf: leaf},
		actionEnabled: true,
		offWhenFalse:  true,
		lockoutTimeMs: lockoutMs,
		onFn:          1,
		offFn:         2,
		state:         stateIdle,
		cache:         make(map[models.InstanceID]bool),
	}
}

func stepWith(t *testing.T, in *Instance, leaf models.InstanceID, v bool) transport.Value {
	t.Helper()
	input := worker.Input{Envelopes: map[string]transport.Envelope{
		leaf.String(): {Value: transport.Value{Kind: models.DatatypeBool, Bool: v}},
	}}
	out, ok, err := in.Step(context.Background(), input)
	require.NoError(t, err)
	require.True(t, ok)
	return out
}

func TestIdleStaysIdleWhenTriggerFalse(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 1000)
	out := stepWith(t, in, leaf, false)
	assert.False(t, out.Bool)
	assert.Equal(t, stateIdle, in.state)
}

func TestIdleTransitionsToTriggeredOnEffectiveTrue(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 1000)
	out := stepWith(t, in, leaf, true)
	assert.True(t, out.Bool)
	assert.Equal(t, stateTriggered, in.state)
}

func TestTriggeredStaysTriggeredBeforeLockoutExpires(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 60_000)
	stepWith(t, in, leaf, true)
	out := stepWith(t, in, leaf, false)
	assert.True(t, out.Bool, "lockout has not expired yet")
	assert.Equal(t, stateTriggered, in.state)
}

func TestTriggeredReturnsToIdleAfterLockoutExpires(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 1)
	stepWith(t, in, leaf, true)
	time.Sleep(5 * time.Millisecond)
	out := stepWith(t, in, leaf, false)
	assert.False(t, out.Bool)
	assert.Equal(t, stateIdle, in.state)
}

func TestDisablingActionForcesImmediateIdle(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 60_000)
	stepWith(t, in, leaf, true)
	in.actionEnabled = false
	out := stepWith(t, in, leaf, true)
	assert.False(t, out.Bool)
	assert.Equal(t, stateIdle, in.state)
}

func TestUpdateParamsAppliesLiveLockout(t *testing.T) {
	leaf := models.InstanceID(uuid.New())
	in := newTestInstance(t, leaf, 1000)
	in.UpdateParams(map[string]any{"lockout_time_ms": 5000.0})
	assert.Equal(t, 5000, in.lockoutTimeMs)
}

func TestRenderStatescriptIsDeterministic(t *testing.T) {
	params := map[string]any{"function_num": 3, "pulse_length": 20}
	a := renderStatescript(params)
	b := renderStatescript(params)
	assert.Equal(t, a, b)
}
