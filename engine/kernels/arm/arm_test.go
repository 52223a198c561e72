package arm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func step(t *testing.T, in *Instance, v bool) bool {
	t.Helper()
	input := worker.Input{Envelopes: map[string]transport.Envelope{
		"input": {Value: transport.Value{Kind: models.DatatypeBool, Bool: v}},
	}}
	out, ok, err := in.Step(context.Background(), input)
	require.NoError(t, err)
	require.True(t, ok)
	return out.Bool
}

func TestFiresOnceAfterDebounceRun(t *testing.T) {
	in := &Instance{debounceTicks: 3}
	assert.False(t, step(t, in, true))
	assert.False(t, step(t, in, true))
	assert.True(t, step(t, in, true))
	assert.False(t, step(t, in, true), "does not re-fire while still sustained true")
}

func TestResetsAndCanFireAgainAfterFalling(t *testing.T) {
	in := &Instance{debounceTicks: 2}
	step(t, in, true)
	assert.True(t, step(t, in, true))
	assert.False(t, step(t, in, false))
	assert.False(t, step(t, in, true))
	assert.True(t, step(t, in, true))
}

func TestUpdateParamsAppliesLiveDebounceTicks(t *testing.T) {
	in := &Instance{debounceTicks: 3}
	in.UpdateParams(map[string]any{"debounce_ticks": 7.0})
	assert.Equal(t, 7, in.debounceTicks)
}
