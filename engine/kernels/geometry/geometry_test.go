package geometry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

func square(id int) Polygon {
	return Polygon{ZoneID: id, X: []float64{0, 10, 10, 0}, Y: []float64{0, 0, 10, 10}}
}

func step(t *testing.T, in *Instance, x, y float64) transport.Value {
	t.Helper()
	input := worker.Input{Envelopes: map[string]transport.Envelope{
		"position": {Value: transport.Value{Kind: models.DatatypePoint2D, Point: transport.Point2D{X: x, Y: y}}},
	}}
	v, ok, err := in.Step(context.Background(), input)
	require.NoError(t, err)
	require.True(t, ok)
	return v
}

func TestClassifiesPointInsideZone(t *testing.T) {
	in := &Instance{polygons: []Polygon{square(1)}}
	v := step(t, in, 5, 5)
	assert.Equal(t, 1, v.BinID)
}

func TestClassifiesPointOutsideAllZonesAsNegativeOne(t *testing.T) {
	in := &Instance{polygons: []Polygon{square(1)}}
	v := step(t, in, 50, 50)
	assert.Equal(t, -1, v.BinID)
}

func TestFirstMatchingZoneWinsWhenZonesOverlap(t *testing.T) {
	overlapping := Polygon{ZoneID: 2, X: []float64{5, 15, 15, 5}, Y: []float64{5, 5, 15, 15}}
	in := &Instance{polygons: []Polygon{square(1), overlapping}}
	v := step(t, in, 7, 7)
	assert.Equal(t, 1, v.BinID)
}
