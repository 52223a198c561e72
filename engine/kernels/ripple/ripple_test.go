package ripple

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func newTestInstance(t *testing.T, channels int) *Instance {
	t.Helper()
	in := &Instance{
		cascade:         newBandpassCascade(150, 250, 1500, 2),
		window:          4,
		sdThreshold:     3.0,
		nAboveThreshold: 1,
		autoFlag:        true,
	}
	in.ensureAllocated(channels)
	return in
}

func step(t *testing.T, in *Instance, x []float64) transport.Value {
	t.Helper()
	input := worker.Input{Envelopes: map[string]transport.Envelope{
		"lfp": {Value: transport.Value{Kind: models.DatatypeFloat, FloatVector: x}},
	}}
	v, ok, err := in.Step(context.Background(), input)
	require.NoError(t, err)
	require.True(t, ok)
	return v
}

func TestFirstTickGuardsAgainstDivisionByZero(t *testing.T) {
	in := newTestInstance(t, 2)
	v := step(t, in, []float64{10, -10})
	assert.Equal(t, int64(1), in.count[0], "count must be guarded to 1 on the first sample")
	assert.False(t, v.Bool)
}

func TestDetectsSustainedAboveThresholdChannel(t *testing.T) {
	in := newTestInstance(t, 1)
	for i := 0; i < 20; i++ {
		step(t, in, []float64{1})
	}
	triggered := step(t, in, []float64{500})
	assert.True(t, triggered.Bool)
}

func TestUpdateParamsAppliesLiveThreshold(t *testing.T) {
	in := newTestInstance(t, 1)
	in.UpdateParams(map[string]any{"sd_threshold": 100.0})
	assert.Equal(t, 100.0, in.sdThreshold)
}

func TestBandpassCascadeIsStatefulAcrossCalls(t *testing.T) {
	c := newBandpassCascade(150, 250, 1500, 1)
	out1 := c.Apply([]float64{1, 1})
	out2 := c.Apply([]float64{0, 0})
	assert.NotEqual(t, out1, out2)
}
