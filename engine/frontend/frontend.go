// Package frontend is the synchronous front-end API surface the GUI (or
// any other controller-thread-affine caller) depends on. It is a thin,
// renaming facade over controller.Controller: every method here maps to
// exactly one controller operation, using the parameter and instance-ID
// string encodings a front end actually has on hand (JSON/YAML strings
// rather than models.InstanceID values).
package frontend

import (
	"context"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/controller"
	"github.com/loopfield/fsrt/engine/models"
)

// API is the full set of operations the front end depends on, named
// exactly as the external interface documents them.
type API struct {
	ctrl *controller.Controller
}

// New wraps ctrl in the front-end-facing API.
func New(ctrl *controller.Controller) *API { return &API{ctrl: ctrl} }

func (a *API) AvailableTypes() []catalog.Entry { return a.ctrl.AvailableTypes() }

func (a *API) GetConfigs() []controller.NodeConfig { return a.ctrl.GetConfigs() }

func (a *API) GetSaveConfig() []controller.NodeConfig { return a.ctrl.GetSaveConfig() }

func (a *API) GetReportersMap() map[string]string {
	raw := a.ctrl.GetReportersMap()
	out := make(map[string]string, len(raw))
	for id, endpoint := range raw {
		out[id.String()] = endpoint
	}
	return out
}

func (a *API) GetNodeChildrenIDs(id string) ([]string, error) {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return nil, err
	}
	children, err := a.ctrl.GetNodeChildrenIDs(instID)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.String()
	}
	return out, nil
}

func (a *API) Create(typeID, nickname string, params map[string]any) (string, error) {
	id, err := a.ctrl.CreateNode(typeID, nickname, params)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (a *API) Duplicate(id string) (string, error) {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return "", err
	}
	newID, err := a.ctrl.DuplicateNode(instID)
	if err != nil {
		return "", err
	}
	return newID.String(), nil
}

func (a *API) Edit(id string, params map[string]any) error {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return err
	}
	return a.ctrl.EditNode(instID, params)
}

func (a *API) Delete(id string) error {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return err
	}
	return a.ctrl.DeleteNode(instID)
}

func (a *API) Build(ctx context.Context, id string) error {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return err
	}
	return a.ctrl.BuildNode(ctx, instID)
}

func (a *API) BuildAll(ctx context.Context) error { return a.ctrl.BuildAll(ctx) }

func (a *API) Unbuild(id string) error {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return err
	}
	return a.ctrl.UnbuildNode(instID)
}

func (a *API) SendMessage(id, field string, value any) error {
	instID, err := models.ParseInstanceID(id)
	if err != nil {
		return err
	}
	return a.ctrl.SendMessage(instID, field, value)
}

// ProcessItems runs one non-blocking tick of the controller's control
// channel poll. The GUI calls this from its own event loop; it must
// never be called concurrently from more than one goroutine, matching
// the controller's single-threaded-relative-to-graph-mutation contract.
func (a *API) ProcessItems() { a.ctrl.ProcessItems() }
