package frontend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/controller"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/telemetry/events"
	"github.com/loopfield/fsrt/engine/telemetry/logging"
	"github.com/loopfield/fsrt/engine/telemetry/metrics"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "frontend_test.source",
		Datatype: models.DatatypeFloat,
		Schema:   []models.ParamDescriptor{{Name: "gain", Kind: models.KindFloat, LiveEditable: true}},
		New:      func() worker.Kernel { return nil },
	})
}

func newAPI(t *testing.T) *API {
	t.Helper()
	ctrl := controller.New("fsrt", events.NewBus(metrics.NewNoopProvider()), logging.New(nil))
	return New(ctrl)
}

func TestCreateThenGetConfigsRoundTrips(t *testing.T) {
	api := newAPI(t)
	id, err := api.Create("frontend_test.source", "lfp0", map[string]any{"gain": 1.0})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	configs := api.GetConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, id, configs[0].ID.String())
}

func TestEditUnknownInstanceIDReturnsError(t *testing.T) {
	api := newAPI(t)
	err := api.Edit("not-a-uuid", map[string]any{"gain": 2.0})
	assert.Error(t, err)
}

func TestDeleteRemovesNodeFromReportersMap(t *testing.T) {
	api := newAPI(t)
	id, err := api.Create("frontend_test.source", "lfp0", nil)
	require.NoError(t, err)
	require.NoError(t, api.Delete(id))
	_, present := api.GetReportersMap()[id]
	assert.False(t, present)
}
