package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/errs"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/worker"
)

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "test.source",
		Datatype: models.DatatypeFloat,
		Schema: []models.ParamDescriptor{
			{Name: "gain", Kind: models.KindFloat, LiveEditable: true},
			{Name: "offset", Kind: models.KindFloat, LiveEditable: false},
		},
		New: func() worker.Kernel { return nil },
	})
	catalog.Register(catalog.Entry{
		TypeID:   "test.consumer",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "input", Kind: models.KindRef, RefDatatype: models.DatatypeFloat},
		},
		New: func() worker.Kernel { return nil },
	})
	catalog.Register(catalog.Entry{
		TypeID:   "test.gate",
		Datatype: models.DatatypeBool,
		Schema: []models.ParamDescriptor{
			{Name: "tree", Kind: models.KindTriggerTree},
		},
		New: func() worker.Kernel { return nil },
	})
}

// fakeControlLink implements models.ControlLink for tests that need a
// built node without spawning a real worker process.
type fakeControlLink struct {
	sent   []worker.ControlMessage
	queued []worker.ControlMessage
	closed bool
}

func (f *fakeControlLink) Send(msg any) error {
	cm, ok := msg.(worker.ControlMessage)
	if !ok {
		return errs.NewConfigurationError("unexpected message type %T", msg)
	}
	f.sent = append(f.sent, cm)
	return nil
}

func (f *fakeControlLink) Recv() (any, bool, error) {
	if len(f.queued) == 0 {
		return nil, false, nil
	}
	next := f.queued[0]
	f.queued = f.queued[1:]
	return next, true, nil
}

func (f *fakeControlLink) Close() error { f.closed = true; return nil }

// fakeProcess implements models.Process for the same reason.
type fakeProcess struct {
	killed bool
	waitCh chan error
}

func newFakeProcess() *fakeProcess { return &fakeProcess{waitCh: make(chan error, 1)} }

func (p *fakeProcess) Signal(string) error { return nil }
func (p *fakeProcess) Wait() error         { return <-p.waitCh }
func (p *fakeProcess) Kill() error {
	p.killed = true
	select {
	case p.waitCh <- nil:
	default:
	}
	return nil
}
func (p *fakeProcess) Pid() int { return 1 }

func newTestController() *Controller {
	return New("", nil, nil)
}

func markBuilt(c *Controller, id models.InstanceID, link *fakeControlLink, proc *fakeProcess, endpoint string) {
	c.mu.Lock()
	node := c.nodes[id]
	node.Status = models.StatusBuilt
	node.Worker = &models.WorkerHandle{Control: link, DataEndpoint: endpoint, Process: proc}
	c.mu.Unlock()
	c.registry.Register(id.String(), endpoint)
}

func TestCreateNodeRejectsUnknownType(t *testing.T) {
	c := newTestController()
	_, err := c.CreateNode("no.such.type", "", nil)
	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCreateNodeRejectsUnknownParam(t *testing.T) {
	c := newTestController()
	_, err := c.CreateNode("test.source", "", map[string]any{"bogus": 1.0})
	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCreateAndDuplicateNode(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", map[string]any{"gain": 1.0})
	require.NoError(t, err)

	dup, err := c.DuplicateNode(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, dup)

	configs := c.GetConfigs()
	require.Len(t, configs, 2)
}

func TestEditNodeOnUnbuiltNodeAcceptsAnyParam(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", map[string]any{"gain": 1.0, "offset": 0.0})
	require.NoError(t, err)

	require.NoError(t, c.EditNode(id, map[string]any{"offset": 5.0}))
	configs := c.GetConfigs()
	assert.Equal(t, 5.0, configs[0].Params["offset"])
}

func TestEditNodeOnBuiltNodeStoresNonLiveEditableParamWithoutPushing(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", map[string]any{"gain": 1.0, "offset": 0.0})
	require.NoError(t, err)
	link := &fakeControlLink{}
	markBuilt(c, id, link, newFakeProcess(), "ws://127.0.0.1:1/data")

	require.NoError(t, c.EditNode(id, map[string]any{"offset": 9.0}))
	assert.Empty(t, link.sent, "a non-live-editable edit must not be pushed to the running worker")

	configs := c.GetConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, 9.0, configs[0].Params["offset"])
	assert.Equal(t, models.StatusBuilt, configs[0].Status, "edit never implicitly rebuilds")
}

func TestEditNodeOnBuiltNodePushesLiveEditableParam(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", map[string]any{"gain": 1.0})
	require.NoError(t, err)
	link := &fakeControlLink{}
	markBuilt(c, id, link, newFakeProcess(), "ws://127.0.0.1:1/data")

	require.NoError(t, c.EditNode(id, map[string]any{"gain": 3.0}))
	require.Len(t, link.sent, 1)
	assert.Equal(t, worker.MsgUpdate, link.sent[0].Kind)
	assert.Equal(t, 3.0, link.sent[0].Params["gain"])
}

func TestDeleteNodeRejectsWhenBuilt(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	markBuilt(c, id, &fakeControlLink{}, newFakeProcess(), "ws://127.0.0.1:1/data")

	err = c.DeleteNode(id)
	var lcErr *errs.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, errs.StillBuilt, lcErr.Kind)
}

func TestDeleteNodeRejectsWhenReferenced(t *testing.T) {
	c := newTestController()
	src, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	_, err = c.CreateNode("test.consumer", "cons", map[string]any{"input": src})
	require.NoError(t, err)

	err = c.DeleteNode(src)
	var lcErr *errs.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, errs.DependentStillBuilt, lcErr.Kind)
}

func TestGetNodeChildrenIDsResolvesRefAndTriggerTreeLeaves(t *testing.T) {
	c := newTestController()
	src, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	cons, err := c.CreateNode("test.consumer", "cons", map[string]any{"input": src})
	require.NoError(t, err)
	tree := models.TriggerTree{Op: models.GateOR, Children: []models.TriggerTree{{IsLeaf: true, Leaf: cons}}}
	gate, err := c.CreateNode("test.gate", "gate", map[string]any{"tree": tree})
	require.NoError(t, err)

	children, err := c.GetNodeChildrenIDs(cons)
	require.NoError(t, err)
	assert.Equal(t, []models.InstanceID{src}, children)

	children, err = c.GetNodeChildrenIDs(gate)
	require.NoError(t, err)
	assert.Equal(t, []models.InstanceID{cons}, children)
}

func TestBuildNodeDetectsCycle(t *testing.T) {
	c := newTestController()
	a, err := c.CreateNode("test.consumer", "a", nil)
	require.NoError(t, err)
	b, err := c.CreateNode("test.consumer", "b", map[string]any{"input": a})
	require.NoError(t, err)

	c.mu.Lock()
	c.nodes[a].Params["input"] = b
	c.mu.Unlock()

	err = c.BuildNode(context.Background(), a)
	var cfgErr *errs.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestUnbuildNodeRejectsWhenDependentStillBuilt(t *testing.T) {
	c := newTestController()
	src, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	cons, err := c.CreateNode("test.consumer", "cons", map[string]any{"input": src})
	require.NoError(t, err)

	markBuilt(c, src, &fakeControlLink{}, newFakeProcess(), "ws://127.0.0.1:1/data")
	markBuilt(c, cons, &fakeControlLink{}, newFakeProcess(), "ws://127.0.0.1:2/data")

	err = c.UnbuildNode(src)
	var lcErr *errs.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, errs.DependentStillBuilt, lcErr.Kind)
}

func TestUnbuildNodeStopsWorkerAndUnregisters(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	link := &fakeControlLink{}
	proc := newFakeProcess()
	markBuilt(c, id, link, proc, "ws://127.0.0.1:1/data")
	proc.waitCh <- nil // worker exits as soon as it sees MsgStop

	require.NoError(t, c.UnbuildNode(id))
	require.Len(t, link.sent, 1)
	assert.Equal(t, worker.MsgStop, link.sent[0].Kind)
	assert.True(t, link.closed)

	_, ok := c.registry.Resolve(id.String())
	assert.False(t, ok)

	configs := c.GetConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, models.StatusUnbuilt, configs[0].Status)
}

func TestSendMessageRequiresBuiltNode(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)

	err = c.SendMessage(id, "pulse", true)
	var lcErr *errs.LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, errs.NotBuilt, lcErr.Kind)
}

func TestSendMessageForwardsToControlLink(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	link := &fakeControlLink{}
	markBuilt(c, id, link, newFakeProcess(), "ws://127.0.0.1:1/data")

	require.NoError(t, c.SendMessage(id, "pulse", true))
	require.Len(t, link.sent, 1)
	assert.Equal(t, true, link.sent[0].Params["pulse"])
}

func TestProcessItemsDrainsLogAndExceptionMessages(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	link := &fakeControlLink{queued: []worker.ControlMessage{
		{Kind: worker.MsgLog, LogLevel: "info", LogText: "started"},
		{Kind: worker.MsgException, ExceptionText: "kernel raised"},
	}}
	markBuilt(c, id, link, newFakeProcess(), "ws://127.0.0.1:1/data")

	c.ProcessItems()
	assert.Empty(t, link.queued)

	configs := c.GetConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, models.StatusBuilt, configs[0].Status)
}

func TestProcessItemsMarksNodeErroredOnControlLinkFailure(t *testing.T) {
	c := newTestController()
	id, err := c.CreateNode("test.source", "src", nil)
	require.NoError(t, err)
	link := &deadControlLink{err: assertCrash}
	markBuilt(c, id, link, newFakeProcess(), "ws://127.0.0.1:1/data")

	c.ProcessItems()

	configs := c.GetConfigs()
	require.Len(t, configs, 1)
	assert.Equal(t, models.StatusError, configs[0].Status)

	_, ok := c.registry.Resolve(id.String())
	assert.False(t, ok)
}

var assertCrash = errs.NewRuntimeError(errs.ProcessCrashed, nil)

type deadControlLink struct{ err error }

func (d *deadControlLink) Send(any) error           { return nil }
func (d *deadControlLink) Recv() (any, bool, error) { return nil, false, d.err }
func (d *deadControlLink) Close() error             { return nil }
