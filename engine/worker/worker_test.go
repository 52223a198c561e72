package worker

import (
	"bufio"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
)

func TestControlLinkHandshakeAndMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	listener, err := NewControlListener("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	controllerSide, err := DialControl(ctx, listener.Endpoint())
	require.NoError(t, err)
	defer controllerSide.Close()

	workerSide, err := listener.Accept(ctx)
	require.NoError(t, err)
	defer workerSide.Close()

	require.NoError(t, controllerSide.Send(ControlMessage{Kind: MsgUpdate, Params: map[string]any{"gain": 2.5}}))

	msg, ok, err := workerSide.RecvBlocking(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgUpdate, msg.Kind)
	assert.Equal(t, 2.5, msg.Params["gain"])

	require.NoError(t, workerSide.Send(ControlMessage{Kind: MsgLog, LogLevel: "info", LogText: "built"}))
	deadline := time.Now().Add(time.Second)
	for {
		rawReply, ok, err := controllerSide.Recv()
		require.NoError(t, err)
		if ok {
			reply := rawReply.(ControlMessage)
			assert.Equal(t, MsgLog, reply.Kind)
			assert.Equal(t, "built", reply.LogText)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for log message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControlMessageCarriesTriggerTree(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	listener, err := NewControlListener("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	controllerSide, err := DialControl(ctx, listener.Endpoint())
	require.NoError(t, err)
	defer controllerSide.Close()

	workerSide, err := listener.Accept(ctx)
	require.NoError(t, err)
	defer workerSide.Close()

	leaf := models.NewInstanceID()
	tree := models.TriggerTree{Op: models.GateOR, Children: []models.TriggerTree{{IsLeaf: true, Leaf: leaf}}}
	require.NoError(t, controllerSide.Send(ControlMessage{Kind: MsgUpdate, Params: map[string]any{"trigger": tree}}))

	msg, ok, err := workerSide.RecvBlocking(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	got := msg.Params["trigger"].(models.TriggerTree)
	assert.Equal(t, tree.Op, got.Op)
	assert.Equal(t, leaf, got.Children[0].Leaf)
}

// doublerKernel republishes twice its float input for every tick it has
// input, used to exercise Run's build/step/stop cycle end to end.
type doublerKernel struct{ built int }

func (k *doublerKernel) TypeID() string            { return "test.doubler" }
func (k *doublerKernel) Datatype() string           { return "float" }
func (k *doublerKernel) Schema() []ParamDescriptor  { return nil }
func (k *doublerKernel) Build(ctx context.Context, params map[string]any, deps Dependencies) (Instance, error) {
	k.built++
	return &doublerInstance{}, nil
}

type doublerInstance struct{ closed bool }

func (d *doublerInstance) Step(ctx context.Context, in Input) (transport.Value, bool, error) {
	for _, env := range in.Envelopes {
		return transport.FloatValue(env.Value.Float * 2), true, nil
	}
	return transport.Value{}, false, nil
}
func (d *doublerInstance) UpdateParams(params map[string]any) {}
func (d *doublerInstance) Telemetry() (map[string]any, bool)  { return nil, false }
func (d *doublerInstance) Close() error                       { d.closed = true; return nil }

func TestRunLifecycleBuildsStepsAndStops(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	realStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = realStdout }()

	endpointCh := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "CONTROL ") {
				endpointCh <- strings.TrimPrefix(line, "CONTROL ")
				return
			}
		}
	}()

	k := &doublerKernel{}
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- Run(ctx, k, "doubler-1", Options{})
	}()

	var endpoint string
	select {
	case endpoint = <-endpointCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never announced its control endpoint")
	}
	os.Stdout = realStdout
	w.Close()

	controllerSide, err := DialControl(ctx, endpoint)
	require.NoError(t, err)
	defer controllerSide.Close()

	require.NoError(t, controllerSide.Send(ControlMessage{Kind: MsgBuild, Params: map[string]any{}}))
	require.Eventually(t, func() bool { return k.built > 0 }, 2*time.Second, 10*time.Millisecond)

	readyMsg, ok, err := controllerSide.RecvBlocking(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MsgReady, readyMsg.Kind)
	assert.NotEmpty(t, readyMsg.DataEndpoint)

	require.NoError(t, controllerSide.Send(ControlMessage{Kind: MsgStop}))

	select {
	case err := <-runErrCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after MsgStop")
	}
}
