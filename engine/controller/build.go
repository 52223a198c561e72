package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/errs"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/telemetry/events"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

// buildReadyTimeout bounds how long BuildNode waits for a freshly spawned
// worker to answer MsgBuild with MsgReady.
const buildReadyTimeout = 10 * time.Second

// unbuildGraceTimeout bounds how long UnbuildNode waits for a worker
// process to exit on its own after MsgStop before it is killed.
const unbuildGraceTimeout = 3 * time.Second

// BuildNode builds id and, recursively, every unbuilt node it depends on,
// in post-order so a node's dependencies are always running before it is.
func (c *Controller) BuildNode(ctx context.Context, id models.InstanceID) error {
	return c.buildRecursive(ctx, id, make(map[models.InstanceID]bool))
}

// BuildAll attempts to build every currently unbuilt node in the graph. A
// node whose build fails is reported on the event bus and does not stop
// the remaining builds.
func (c *Controller) BuildAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]models.InstanceID, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.BuildNode(ctx, id); err != nil {
			c.publish(events.CategoryError, "build_all: node build failed", "id", id.String(), "error", err.Error())
		}
	}
	return nil
}

func (c *Controller) buildRecursive(ctx context.Context, id models.InstanceID, visiting map[models.InstanceID]bool) error {
	c.mu.Lock()
	node, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotFound, id.String())
	}
	if node.Built() {
		c.mu.Unlock()
		return nil
	}
	if visiting[id] {
		c.mu.Unlock()
		return errs.NewConfigurationError("cycle through %s", id)
	}
	visiting[id] = true
	children := c.childrenLocked(node)
	c.mu.Unlock()

	for _, child := range children {
		if err := c.buildRecursive(ctx, child, visiting); err != nil {
			return fmt.Errorf("build %s: dependency %s: %w", id, child, err)
		}
	}
	return c.buildOne(ctx, id)
}

func (c *Controller) buildOne(ctx context.Context, id models.InstanceID) error {
	c.mu.Lock()
	node := c.nodes[id]
	if node.Built() {
		c.mu.Unlock()
		return nil
	}
	typeID := node.TypeID
	params := cloneAnyMap(node.Params)
	subscribe, err := c.childEndpointsLocked(node)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	consume := c.hardwareEndpoints
	c.mu.Unlock()

	proc, controlEndpoint, err := worker.Launch(ctx, worker.LaunchSpec{
		Binary:     c.binaryPath,
		InstanceID: id.String(),
		TypeID:     typeID,
	})
	if err != nil {
		return c.markBuildError(id, err)
	}

	link, err := worker.DialControl(ctx, controlEndpoint)
	if err != nil {
		_ = proc.Kill()
		return c.markBuildError(id, err)
	}

	if err := link.Send(worker.ControlMessage{Kind: worker.MsgBuild, Params: params, Subscribe: subscribe, Consume: consume}); err != nil {
		link.Close()
		_ = proc.Kill()
		return c.markBuildError(id, err)
	}

	reply, ok, err := link.RecvBlocking(buildReadyTimeout)
	if err != nil {
		link.Close()
		_ = proc.Kill()
		return c.markBuildError(id, err)
	}
	if !ok {
		link.Close()
		_ = proc.Kill()
		return c.markBuildError(id, fmt.Errorf("worker did not respond within %s", buildReadyTimeout))
	}
	if reply.Kind == worker.MsgException {
		link.Close()
		_ = proc.Kill()
		return c.markBuildError(id, errs.NewBuildError(id.String(), fmt.Errorf("%s", reply.ExceptionText)))
	}
	if reply.Kind != worker.MsgReady {
		link.Close()
		_ = proc.Kill()
		return c.markBuildError(id, fmt.Errorf("unexpected reply kind %s", reply.Kind))
	}

	c.registry.Register(id.String(), reply.DataEndpoint)

	c.mu.Lock()
	node.Status = models.StatusBuilt
	node.BuildError = nil
	node.Worker = &models.WorkerHandle{
		Control:           link,
		DataEndpoint:      reply.DataEndpoint,
		TelemetryEndpoint: reply.TelemetryEndpoint,
		Process:           proc,
	}
	sink := c.telemetrySink
	c.mu.Unlock()

	if sink != nil && reply.TelemetryEndpoint != "" {
		go c.forwardTelemetry(id, reply.TelemetryEndpoint, sink)
	}

	c.publish(events.CategoryLifecycle, "node built", "id", id.String(), "type", typeID)
	return nil
}

// forwardTelemetry relays id's telemetry publications to sink until the
// connection ends, which happens on its own once the worker process exits
// (UnbuildNode never needs to cancel this explicitly). Each telemetry
// record is a dict of named fields (spec §4.4/§4.7); the sink only
// accepts scalar samples, so non-scalar fields are flattened into
// dotted/indexed keys.
func (c *Controller) forwardTelemetry(id models.InstanceID, endpoint string, sink TelemetrySink) {
	sub, err := transport.Dial(context.Background(), endpoint, nil)
	if err != nil {
		c.publish(events.CategoryError, "telemetry subscribe failed", "id", id.String(), "error", err.Error())
		return
	}
	for env := range sub.Channel() {
		if env.Value.Telemetry == nil {
			continue
		}
		recordTelemetryFields(sink, id.String(), env.Value.Telemetry)
	}
}

// recordTelemetryFields flattens a kernel's telemetry record into the
// scalar samples a TelemetrySink accepts: numeric and boolean fields
// record directly, slices record one sample per index (key.0, key.1, …),
// and fields with no sensible scalar form (timestamps) are dropped.
func recordTelemetryFields(sink TelemetrySink, instanceID string, fields map[string]any) {
	for key, v := range fields {
		switch x := v.(type) {
		case float64:
			sink.Record(instanceID, key, float32(x))
		case float32:
			sink.Record(instanceID, key, x)
		case int:
			sink.Record(instanceID, key, float32(x))
		case bool:
			if x {
				sink.Record(instanceID, key, 1)
			} else {
				sink.Record(instanceID, key, 0)
			}
		case []float64:
			for i, e := range x {
				sink.Record(instanceID, fmt.Sprintf("%s.%d", key, i), float32(e))
			}
		}
	}
}

func (c *Controller) markBuildError(id models.InstanceID, cause error) error {
	buildErr := errs.NewBuildError(id.String(), cause)
	c.mu.Lock()
	if node, ok := c.nodes[id]; ok {
		node.Status = models.StatusError
		node.BuildError = buildErr
		node.Worker = nil
	}
	c.mu.Unlock()
	c.publish(events.CategoryError, "node build failed", "id", id.String(), "error", buildErr.Error())
	return buildErr
}

// childEndpointsLocked resolves every ref and trigger-tree-leaf parameter
// of node to its producer's currently registered data endpoint. Called
// with c.mu held. Ref parameters key their endpoint by parameter name;
// trigger-tree parameters key each leaf's endpoint by the leaf's own
// instance ID, since one parameter may reference many leaves.
func (c *Controller) childEndpointsLocked(node *models.NodeInstance) (map[string]string, error) {
	entry, ok := catalog.Get(node.TypeID)
	if !ok {
		return nil, errs.NewConfigurationError("unknown node type %q", node.TypeID)
	}
	out := make(map[string]string)
	for _, p := range entry.Schema {
		v, present := node.Params[p.Name]
		if !present {
			continue
		}
		switch p.Kind {
		case models.KindRef:
			ref, ok := v.(models.InstanceID)
			if !ok {
				continue
			}
			endpoint, ok := c.registry.Resolve(ref.String())
			if !ok {
				return nil, errs.NewConfigurationError("dependency %s of parameter %q is not built", ref, p.Name)
			}
			out[p.Name] = endpoint
		case models.KindTriggerTree:
			tree, ok := v.(models.TriggerTree)
			if !ok {
				continue
			}
			for _, leaf := range tree.Leaves() {
				endpoint, ok := c.registry.Resolve(leaf.String())
				if !ok {
					return nil, errs.NewConfigurationError("dependency %s of trigger tree %q is not built", leaf, p.Name)
				}
				out[leaf.String()] = endpoint
			}
		}
	}
	return out, nil
}

// UnbuildNode stops a built node's worker process. It refuses while any
// other built node still depends on it.
func (c *Controller) UnbuildNode(id models.InstanceID) error {
	c.mu.Lock()
	node, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotFound, id.String())
	}
	if !node.Built() {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotBuilt, id.String())
	}
	for other, n := range c.nodes {
		if other == id || !n.Built() {
			continue
		}
		for _, child := range c.childrenLocked(n) {
			if child == id {
				c.mu.Unlock()
				return errs.NewLifecycleError(errs.DependentStillBuilt, other.String())
			}
		}
	}
	handle := node.Worker
	c.mu.Unlock()

	_ = handle.Control.Send(worker.ControlMessage{Kind: worker.MsgStop})

	done := make(chan error, 1)
	go func() { done <- handle.Process.Wait() }()
	select {
	case <-done:
	case <-time.After(unbuildGraceTimeout):
		_ = handle.Process.Kill()
		<-done
	}
	_ = handle.Control.Close()
	c.registry.Unregister(id.String())

	c.mu.Lock()
	node.Status = models.StatusUnbuilt
	node.Worker = nil
	c.mu.Unlock()

	c.publish(events.CategoryLifecycle, "node unbuilt", "id", id.String())
	return nil
}

// SendMessage delivers an out-of-band control update to a built node,
// keyed by an arbitrary field name — used for one-shot commands a kernel
// understands (e.g. a manual stimulation test pulse) that aren't part of
// its normal parameter set.
func (c *Controller) SendMessage(id models.InstanceID, field string, value any) error {
	c.mu.Lock()
	node, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotFound, id.String())
	}
	if !node.Built() {
		c.mu.Unlock()
		return errs.NewLifecycleError(errs.NotBuilt, id.String())
	}
	link := node.Worker.Control
	c.mu.Unlock()

	return link.Send(worker.ControlMessage{Kind: worker.MsgUpdate, Params: map[string]any{field: value}})
}

// ProcessItems drains every built node's control link once, forwarding
// log and exception messages onto the event bus and marking a node
// errored if its control link reports a failure (the process crashed or
// its connection otherwise died). It never blocks: call it once per
// controller tick.
func (c *Controller) ProcessItems() {
	c.mu.Lock()
	built := make([]*models.NodeInstance, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.Built() {
			built = append(built, n)
		}
	}
	c.mu.Unlock()

	for _, node := range built {
		c.drainNode(node)
	}
}

func (c *Controller) drainNode(node *models.NodeInstance) {
	for {
		raw, ok, err := node.Worker.Control.Recv()
		if err != nil {
			c.mu.Lock()
			node.Status = models.StatusError
			node.BuildError = errs.NewRuntimeError(errs.ProcessCrashed, err)
			node.Worker = nil
			c.mu.Unlock()
			c.registry.Unregister(node.ID.String())
			c.publish(events.CategoryError, "worker connection lost", "id", node.ID.String(), "error", err.Error())
			return
		}
		if !ok {
			return
		}
		msg, ok := raw.(worker.ControlMessage)
		if !ok {
			continue
		}
		switch msg.Kind {
		case worker.MsgLog:
			c.publish(events.CategoryWorkerLog, msg.LogText, "id", node.ID.String(), "level", msg.LogLevel)
		case worker.MsgException:
			c.publish(events.CategoryException, msg.ExceptionText, "id", node.ID.String())
		}
	}
}
