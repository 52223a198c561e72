package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/controller"
	"github.com/loopfield/fsrt/engine/frontend"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/telemetry/events"
	"github.com/loopfield/fsrt/engine/telemetry/logging"
	"github.com/loopfield/fsrt/engine/telemetry/metrics"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "httpapi_test.source",
		Datatype: models.DatatypeFloat,
		Schema:   []models.ParamDescriptor{{Name: "gain", Kind: models.KindFloat}},
		New:      func() worker.Kernel { return nil },
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctrl := controller.New("fsrt", events.NewBus(metrics.NewNoopProvider()), logging.New(nil))
	api := frontend.New(ctrl)
	return httptest.NewServer(Mux(api))
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestCreateThenGetConfigsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv, "/create", createRequest{TypeID: "httpapi_test.source", Nickname: "lfp0"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotEmpty(t, created["id"])

	resp = postJSON(t, srv, "/get_configs", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var configs []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&configs))
	assert.Len(t, configs, 1)
}

func TestCreateUnknownTypeReturnsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv, "/create", createRequest{TypeID: "does.not.exist"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailableTypesListsRegisteredCatalog(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/available_types")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
