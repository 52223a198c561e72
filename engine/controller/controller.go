// Package controller implements the single-threaded graph controller: the
// registry of node instances, reference resolution between them, and the
// recursive build/unbuild lifecycle that turns a configured graph into a
// tree of running worker processes wired together over transport.
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/errs"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/telemetry/events"
	"github.com/loopfield/fsrt/engine/telemetry/logging"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

// Controller owns every node instance in one graph. All of its exported
// operations are expected to be called from a single goroutine (the
// process_items tick loop and user-facing edits share no locking beyond
// what's needed for ProcessItems to read worker control links
// concurrently with a build in flight never being a supported case).
type Controller struct {
	mu    sync.Mutex
	nodes map[models.InstanceID]*models.NodeInstance

	registry *transport.Registry
	bus      events.Bus
	log      logging.Logger

	binaryPath string // path to the fsrt binary, for worker.Launch

	// hardwareEndpoints are the well-known request/response service
	// addresses ("hardware", "statescript") made available to every
	// worker's Dependencies.Consumers, regardless of whether its kernel
	// type actually uses them.
	hardwareEndpoints map[string]string

	// telemetrySink, if set, receives every scalar sample a built node
	// publishes on its announced telemetry endpoint.
	telemetrySink TelemetrySink
}

// TelemetrySink receives scalar samples forwarded from a built node's
// telemetry publish endpoint, keyed by the node's instance id.
type TelemetrySink interface {
	Record(instanceID, key string, value float32)
}

// SetTelemetrySink configures where built nodes' telemetry samples are
// forwarded. Must be called before any node is built to take effect for
// that node.
func (c *Controller) SetTelemetrySink(sink TelemetrySink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telemetrySink = sink
}

// New returns an empty controller. binaryPath is the executable workers
// should be spawned from (typically os.Args[0]).
func New(binaryPath string, bus events.Bus, log logging.Logger) *Controller {
	if log == nil {
		log = logging.New(nil)
	}
	return &Controller{
		nodes:      make(map[models.InstanceID]*models.NodeInstance),
		registry:   transport.NewRegistry(),
		bus:        bus,
		log:        log,
		binaryPath: binaryPath,
	}
}

// SetHardwareEndpoints configures the request/response service addresses
// handed to every worker's Dependencies.Consumers, keyed by the name a
// kernel looks them up under ("hardware", "statescript").
func (c *Controller) SetHardwareEndpoints(endpoints map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hardwareEndpoints = endpoints
}

// AvailableTypes returns the node types that can be created, straight from
// the process-wide catalog.
func (c *Controller) AvailableTypes() []catalog.Entry { return catalog.All() }

// CreateNode allocates a new unbuilt node instance of typeID. params are
// validated against the type's schema but not resolved yet: resolution
// happens at build time, since a ref may point at a node created later.
func (c *Controller) CreateNode(typeID, nickname string, params map[string]any) (models.InstanceID, error) {
	entry, ok := catalog.Get(typeID)
	if !ok {
		return models.InstanceID{}, errs.NewConfigurationError("unknown node type %q", typeID)
	}
	if err := validateParams(entry.Schema, params); err != nil {
		return models.InstanceID{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id := models.NewInstanceID()
	c.nodes[id] = &models.NodeInstance{
		ID:       id,
		TypeID:   typeID,
		Nickname: nickname,
		Params:   cloneAnyMap(params),
		Status:   models.StatusUnbuilt,
	}
	c.publish(events.CategoryLifecycle, "node created", "id", id.String(), "type", typeID)
	return id, nil
}

// DuplicateNode creates a new unbuilt node with the same type and params
// as id, nicknamed "Copy of " + the original's nickname. Every parameter,
// refs included, is copied verbatim; the duplicate is itself unbuilt
// regardless of the original's status.
func (c *Controller) DuplicateNode(id models.InstanceID) (models.InstanceID, error) {
	c.mu.Lock()
	src, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return models.InstanceID{}, errs.NewLifecycleError(errs.NotFound, id.String())
	}
	newID := models.NewInstanceID()
	c.nodes[newID] = &models.NodeInstance{
		ID:       newID,
		TypeID:   src.TypeID,
		Nickname: "Copy of " + src.Nickname,
		Params:   cloneAnyMap(src.Params),
		Status:   models.StatusUnbuilt,
	}
	c.mu.Unlock()
	c.publish(events.CategoryLifecycle, "node duplicated", "source", id.String(), "id", newID.String())
	return newID, nil
}

// EditNode applies new parameter values to an existing node. This is
// always permitted, even while the node is built: edit never implicitly
// rebuilds. Of the changed parameters, only those marked LiveEditable in
// the type's schema are pushed to the running worker immediately; the
// rest are stored and only take effect on the node's next build.
func (c *Controller) EditNode(id models.InstanceID, params map[string]any) error {
	c.mu.Lock()
	node, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotFound, id.String())
	}
	entry, ok := catalog.Get(node.TypeID)
	if !ok {
		c.mu.Unlock()
		return errs.NewConfigurationError("unknown node type %q", node.TypeID)
	}
	if err := validateParams(entry.Schema, params); err != nil {
		c.mu.Unlock()
		return err
	}

	live := make(map[string]any, len(params))
	for name, v := range params {
		node.Params[name] = v
		if liveEditable(entry.Schema, name) {
			live[name] = v
		}
	}
	built := node.Built()
	var link models.ControlLink
	if built {
		link = node.Worker.Control
	}
	c.mu.Unlock()

	if built && len(live) > 0 {
		if err := link.Send(worker.ControlMessage{Kind: worker.MsgUpdate, Params: live}); err != nil {
			return fmt.Errorf("edit node %s: push live update: %w", id, err)
		}
	}
	c.publish(events.CategoryLifecycle, "node edited", "id", id.String())
	return nil
}

// DeleteNode removes an unbuilt node with no remaining dependents.
func (c *Controller) DeleteNode(id models.InstanceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[id]
	if !ok {
		return errs.NewLifecycleError(errs.NotFound, id.String())
	}
	if node.Built() {
		return errs.NewLifecycleError(errs.StillBuilt, id.String())
	}
	for other, n := range c.nodes {
		if other == id {
			continue
		}
		for _, child := range c.childrenLocked(n) {
			if child == id {
				return errs.NewLifecycleError(errs.DependentStillBuilt, other.String())
			}
		}
	}
	delete(c.nodes, id)
	c.publish(events.CategoryLifecycle, "node deleted", "id", id.String())
	return nil
}

// GetNodeChildrenIDs returns the instance IDs id's parameters reference,
// via either a ref parameter or a trigger-tree parameter's leaves.
func (c *Controller) GetNodeChildrenIDs(id models.InstanceID) ([]models.InstanceID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[id]
	if !ok {
		return nil, errs.NewLifecycleError(errs.NotFound, id.String())
	}
	return c.childrenLocked(node), nil
}

func (c *Controller) childrenLocked(node *models.NodeInstance) []models.InstanceID {
	entry, ok := catalog.Get(node.TypeID)
	if !ok {
		return nil
	}
	var out []models.InstanceID
	for _, p := range entry.Schema {
		v, present := node.Params[p.Name]
		if !present {
			continue
		}
		switch p.Kind {
		case models.KindRef:
			if ref, ok := v.(models.InstanceID); ok {
				out = append(out, ref)
			}
		case models.KindTriggerTree:
			if tree, ok := v.(models.TriggerTree); ok {
				out = append(out, tree.Leaves()...)
			}
		}
	}
	return out
}

// GetReportersMap returns the telemetry publisher endpoint of every built
// node, keyed by ID, mirroring the original's reporter map used to locate
// each process's plotting feed.
func (c *Controller) GetReportersMap() map[models.InstanceID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.InstanceID]string, len(c.nodes))
	for id, n := range c.nodes {
		if n.Built() && n.Worker != nil {
			out[id] = n.Worker.TelemetryEndpoint
		}
	}
	return out
}

// GetConfigs returns a snapshot of every node's type, nickname, and
// current parameters, for the frontend's graph view.
func (c *Controller) GetConfigs() []NodeConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeConfig, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, NodeConfig{
			ID:       n.ID,
			TypeID:   n.TypeID,
			Nickname: n.Nickname,
			Params:   cloneAnyMap(n.Params),
			Status:   n.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// NodeConfig is a read-only snapshot of one node, safe to serialize.
type NodeConfig struct {
	ID       models.InstanceID
	TypeID   string
	Nickname string
	Params   map[string]any
	Status   models.NodeStatus
}

// GetSaveConfig returns every node in the shape config.SaveGraph persists,
// regardless of build status (an unbuilt node is saved the same as a
// built one; only the params matter on restore).
func (c *Controller) GetSaveConfig() []NodeConfig { return c.GetConfigs() }

func (c *Controller) publish(category, msg string, attrs ...any) {
	if c.bus != nil {
		fields := make(map[string]any, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			if key, ok := attrs[i].(string); ok {
				fields[key] = attrs[i+1]
			}
		}
		_ = c.bus.Publish(events.Event{Time: time.Now(), Category: category, Type: msg, Fields: fields})
	}
	c.log.InfoCtx(context.Background(), msg, attrs...)
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func liveEditable(schema []models.ParamDescriptor, name string) bool {
	for _, p := range schema {
		if p.Name == name {
			return p.LiveEditable
		}
	}
	return false
}

func validateParams(schema []models.ParamDescriptor, params map[string]any) error {
	allowed := make(map[string]models.ParamDescriptor, len(schema))
	for _, p := range schema {
		allowed[p.Name] = p
	}
	for name := range params {
		if _, ok := allowed[name]; !ok {
			return errs.NewConfigurationError("unknown parameter %q", name)
		}
	}
	return nil
}
