// Package httpapi exposes frontend.API over HTTP/JSON, for a front end
// that would rather speak a request per operation than link the engine
// module directly. Grounded on the teacher's telemetryhttp adapter: plain
// http.HandlerFunc values, no router dependency, json.NewEncoder/Decoder
// for the wire format.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/loopfield/fsrt/engine/frontend"
)

// Mux builds the full set of routes the front end depends on, each
// registered at the root of the returned handler ("/create", "/build", ...).
func Mux(api *frontend.API) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/available_types", handleAvailableTypes(api))
	mux.HandleFunc("/get_configs", handleGetConfigs(api))
	mux.HandleFunc("/get_save_config", handleGetSaveConfig(api))
	mux.HandleFunc("/get_reporters_map", handleGetReportersMap(api))
	mux.HandleFunc("/get_node_children_ids", handleGetNodeChildrenIDs(api))
	mux.HandleFunc("/create", handleCreate(api))
	mux.HandleFunc("/duplicate", handleDuplicate(api))
	mux.HandleFunc("/edit", handleEdit(api))
	mux.HandleFunc("/delete", handleDelete(api))
	mux.HandleFunc("/build", handleBuild(api))
	mux.HandleFunc("/build_all", handleBuildAll(api))
	mux.HandleFunc("/unbuild", handleUnbuild(api))
	mux.HandleFunc("/send_message", handleSendMessage(api))
	mux.HandleFunc("/process_items", handleProcessItems(api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}

func handleAvailableTypes(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.AvailableTypes())
	}
}

func handleGetConfigs(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.GetConfigs())
	}
}

func handleGetSaveConfig(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.GetSaveConfig())
	}
}

func handleGetReportersMap(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.GetReportersMap())
	}
}

type nodeIDRequest struct {
	ID string `json:"id"`
}

func handleGetNodeChildrenIDs(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeIDRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		children, err := api.GetNodeChildrenIDs(req.ID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, children)
	}
}

type createRequest struct {
	TypeID   string         `json:"type_id"`
	Nickname string         `json:"nickname"`
	Params   map[string]any `json:"params"`
}

func handleCreate(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := api.Create(req.TypeID, req.Nickname, req.Params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

func handleDuplicate(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeIDRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := api.Duplicate(req.ID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

type editRequest struct {
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

func handleEdit(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := api.Edit(req.ID, req.Params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleDelete(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeIDRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := api.Delete(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleBuild(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeIDRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := api.Build(r.Context(), req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleBuildAll(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := api.BuildAll(r.Context()); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleUnbuild(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req nodeIDRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := api.Unbuild(req.ID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type sendMessageRequest struct {
	ID    string `json:"id"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

func handleSendMessage(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := api.SendMessage(req.ID, req.Field, req.Value); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func handleProcessItems(api *frontend.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.ProcessItems()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
