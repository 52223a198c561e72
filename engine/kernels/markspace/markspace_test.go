package markspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	return &Instance{
		numBins: 10,
		sigma:   20.0,
		nMin:    3,
		z:       3.0,
		voltageScalingFactor: 1.0,
		groups:               make(map[int]*groupState),
	}
}

func spikesInput(marks ...transport.SpikeMark) worker.Input {
	return worker.Input{Envelopes: map[string]transport.Envelope{
		"spikes": {Value: transport.Value{Kind: models.DatatypeSpikes, Spikes: marks}},
	}}
}

func TestQueryWithEmptyTrainingHistoryReturnsNoResult(t *testing.T) {
	in := newTestInstance(t)
	in.updateEnabled = false
	_, ok, err := in.Step(context.Background(), spikesInput(transport.SpikeMark{ElectrodeGroup: 0, Amplitudes: []float64{10, 10}}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLearnThenQueryBelowNMinReturnsNoResult(t *testing.T) {
	in := newTestInstance(t)
	in.updateEnabled = true
	in.currentBin = 2
	_, ok, err := in.Step(context.Background(), spikesInput(transport.SpikeMark{ElectrodeGroup: 0, Amplitudes: []float64{10, 10}}))
	require.NoError(t, err)
	assert.False(t, ok)

	in.updateEnabled = false
	_, ok, err = in.Step(context.Background(), spikesInput(transport.SpikeMark{ElectrodeGroup: 0, Amplitudes: []float64{10, 10}}))
	require.NoError(t, err)
	assert.False(t, ok, "only one stored mark, below n_min=3")
}

func TestLearnThenQueryAboveNMinReturnsDistribution(t *testing.T) {
	in := newTestInstance(t)
	in.updateEnabled = true
	for i := 0; i < 5; i++ {
		in.currentBin = 3
		_, _, _ = in.Step(context.Background(), spikesInput(transport.SpikeMark{ElectrodeGroup: 0, Amplitudes: []float64{10, 10}}))
	}

	in.updateEnabled = false
	v, ok, err := in.Step(context.Background(), spikesInput(transport.SpikeMark{ElectrodeGroup: 0, Amplitudes: []float64{10, 10}}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.DatatypeDiscreteDistribution, v.Kind)
	assert.Len(t, v.Distribution, in.numBins)
	assert.Greater(t, v.Distribution[3], 0.0)
}

func TestUpdateParamsAppliesLiveSigma(t *testing.T) {
	in := newTestInstance(t)
	in.UpdateParams(map[string]any{"sigma": 42.0})
	assert.Equal(t, 42.0, in.sigma)
}
