package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
)

// tickInterval is the worker loop's default scheduling period. Kernels that
// need a tighter period can still run faster internally (e.g. by consuming
// several buffered samples per Step); this only bounds how often Step is
// invoked when no input is pending.
const tickInterval = 2 * time.Millisecond

// controlRecvWindow bounds how long the loop waits for a control message
// before running the next Step, keeping ticks flowing even when the
// controller is idle.
const controlRecvWindow = 1 * time.Millisecond

// buildWaitTimeout bounds how long a freshly spawned worker waits for the
// controller's MsgBuild before giving up.
const buildWaitTimeout = 30 * time.Second

// Options configures a worker process's endpoints. Empty fields bind an
// ephemeral port on 127.0.0.1.
type Options struct {
	ControlAddr   string
	DataAddr      string
	TelemetryAddr string
}

// Run is the full lifecycle of one node's worker process: bind control,
// announce its endpoint, wait for the controller's MsgBuild (which carries
// resolved parameters and dependency endpoints), build the kernel
// instance, then loop stepping it and draining control messages until
// told to stop or ctx is canceled. It returns only on a clean stop, a
// build failure, or ctx cancellation; callers (cmd/fsrt's worker
// entrypoint) should exit the process with a non-zero status if it
// returns a non-nil error other than context.Canceled.
func Run(ctx context.Context, k Kernel, instanceID string, opts Options) error {
	if opts.ControlAddr == "" {
		opts.ControlAddr = "127.0.0.1:0"
	}
	if opts.DataAddr == "" {
		opts.DataAddr = "127.0.0.1:0"
	}
	if opts.TelemetryAddr == "" {
		opts.TelemetryAddr = "127.0.0.1:0"
	}

	listener, err := NewControlListener(opts.ControlAddr)
	if err != nil {
		return fmt.Errorf("worker %s: %w", instanceID, err)
	}
	defer listener.Close()

	// Announce the control endpoint on stdout: the controller launched
	// this process with os/exec and reads its first line of output to
	// learn where to dial in, mirroring corrorun's pattern of capturing a
	// child process's stdout to learn when and where it is ready.
	fmt.Fprintf(os.Stdout, "CONTROL %s\n", listener.Endpoint())

	link, err := listener.Accept(ctx)
	if err != nil {
		return fmt.Errorf("worker %s: waiting for controller: %w", instanceID, err)
	}
	defer link.Close()

	conn := newConnectionLogger(link)

	buildMsg, ok, err := link.RecvBlocking(buildWaitTimeout)
	if err != nil {
		return fmt.Errorf("worker %s: control link: %w", instanceID, err)
	}
	if !ok || buildMsg.Kind != MsgBuild {
		return fmt.Errorf("worker %s: expected build message, got ok=%v kind=%v", instanceID, ok, buildMsg.Kind)
	}

	deps, err := dialDependencies(ctx, buildMsg.Subscribe, buildMsg.Consume)
	if err != nil {
		_ = link.Send(ControlMessage{Kind: MsgException, ExceptionText: fmt.Sprintf("dial dependencies: %v", err)})
		return fmt.Errorf("worker %s: %w", instanceID, err)
	}
	deps.Params = buildMsg.Params
	deps.Log = conn

	inst, err := k.Build(ctx, buildMsg.Params, deps)
	if err != nil {
		_ = link.Send(ControlMessage{Kind: MsgException, ExceptionText: fmt.Sprintf("build: %v", err)})
		return fmt.Errorf("worker %s: build: %w", instanceID, err)
	}
	defer inst.Close()

	pub, err := transport.NewPublisher(instanceID, opts.DataAddr, nil)
	if err != nil {
		_ = link.Send(ControlMessage{Kind: MsgException, ExceptionText: fmt.Sprintf("data publisher: %v", err)})
		return fmt.Errorf("worker %s: %w", instanceID, err)
	}
	defer pub.Close()

	telemetryPub, err := transport.NewPublisher(instanceID+"-telemetry", opts.TelemetryAddr, nil)
	if err != nil {
		_ = link.Send(ControlMessage{Kind: MsgException, ExceptionText: fmt.Sprintf("telemetry publisher: %v", err)})
		return fmt.Errorf("worker %s: %w", instanceID, err)
	}
	defer telemetryPub.Close()

	// Declared order: data endpoint first, then telemetry.
	if err := link.Send(ControlMessage{Kind: MsgReady, DataEndpoint: pub.Endpoint(), TelemetryEndpoint: telemetryPub.Endpoint()}); err != nil {
		return fmt.Errorf("worker %s: announce ready: %w", instanceID, err)
	}

	poller := transport.NewMultiPoller(0)
	defer poller.Close()
	for name, sub := range deps.Subscribers {
		poller.Add(name, sub)
	}

	latest := make(map[string]transport.Envelope, len(deps.Subscribers))
	// Envelopes name their producer's instance id; a ref input is filed
	// under its parameter name instead.
	inputName := make(map[string]string, len(deps.Subscribers))
	for name := range deps.Subscribers {
		if ref, ok := buildMsg.Params[name].(models.InstanceID); ok {
			inputName[ref.String()] = name
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, ok, err := link.RecvBlocking(controlRecvWindow)
		if err != nil {
			return fmt.Errorf("worker %s: control link: %w", instanceID, err)
		}
		if ok {
			switch msg.Kind {
			case MsgStop:
				return nil
			case MsgUpdate:
				inst.UpdateParams(msg.Params)
			case MsgAddFanoutSubscriber:
				sub, err := transport.Dial(ctx, msg.Endpoint, nil)
				if err != nil {
					conn.WarnCtx(ctx, "add_fanout_subscriber dial failed", "endpoint", msg.Endpoint, "error", err)
					continue
				}
				poller.Add(msg.Endpoint, sub)
			}
		}

		// Drain every envelope currently buffered for each input so a
		// burst doesn't leave stale values from an earlier tick.
	drain:
		for {
			select {
			case env := <-poller.Channel():
				key := env.Publisher
				if name, ok := inputName[key]; ok {
					key = name
				}
				latest[key] = env
			default:
				break drain
			}
		}

		out, publish, err := inst.Step(ctx, Input{Envelopes: cloneEnvelopes(latest)})
		if err != nil {
			_ = link.Send(ControlMessage{Kind: MsgException, ExceptionText: err.Error()})
			conn.ErrorCtx(ctx, "kernel step failed", "instance", instanceID, "error", err)
			continue
		}
		if publish {
			pub.Publish(out)
		}
		if fields, ok := inst.Telemetry(); ok {
			telemetryPub.Publish(transport.TelemetryValue(fields))
		}

		time.Sleep(tickInterval)
	}
}

// dialDependencies connects to every dependency endpoint named in
// subscribe (pub/sub producers) and consume (request/response services),
// both keyed by the same name the controller or cmd/fsrt used.
func dialDependencies(ctx context.Context, subscribe, consume map[string]string) (Dependencies, error) {
	deps := Dependencies{
		Subscribers: make(map[string]*transport.Subscriber, len(subscribe)),
		Consumers:   make(map[string]*transport.Consumer, len(consume)),
	}
	for name, endpoint := range subscribe {
		sub, err := transport.Dial(ctx, endpoint, nil)
		if err != nil {
			deps.closeAll()
			return Dependencies{}, fmt.Errorf("dial %s (%s): %w", name, endpoint, err)
		}
		deps.Subscribers[name] = sub
	}
	for name, endpoint := range consume {
		con, err := transport.DialService(ctx, endpoint)
		if err != nil {
			deps.closeAll()
			return Dependencies{}, fmt.Errorf("dial %s (%s): %w", name, endpoint, err)
		}
		deps.Consumers[name] = con
	}
	return deps, nil
}

func (d Dependencies) closeAll() {
	for _, s := range d.Subscribers {
		s.Close()
	}
	for _, c := range d.Consumers {
		c.Close()
	}
}

func cloneEnvelopes(in map[string]transport.Envelope) map[string]transport.Envelope {
	out := make(map[string]transport.Envelope, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
