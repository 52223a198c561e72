package worker

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
)

func init() {
	// ControlMessage.Params and transport.Value.Telemetry both carry
	// values of whatever concrete type flows through an any-typed field;
	// gob needs every such concrete type registered up front.
	gob.Register(models.TriggerTree{})
	gob.Register(models.InstanceID{})
	gob.Register([]string{})
	gob.Register([]float64{})
	gob.Register([][]float64{})
	gob.Register(time.Time{})
}

// ControlMessageKind tags the variant of a ControlMessage.
type ControlMessageKind string

const (
	// Controller -> worker.
	MsgBuild               ControlMessageKind = "build"
	MsgUpdate              ControlMessageKind = "update"
	MsgAddFanoutSubscriber ControlMessageKind = "add_fanout_subscriber"
	MsgStop                ControlMessageKind = "stop"

	// Worker -> controller.
	MsgReady     ControlMessageKind = "ready"
	MsgLog       ControlMessageKind = "log"
	MsgException ControlMessageKind = "exception"
)

// ControlMessage is the single wire type exchanged over a control link in
// both directions, discriminated by Kind.
type ControlMessage struct {
	Kind ControlMessageKind

	// MsgBuild: the resolved parameters to build with, plus the data
	// endpoint to dial for each ref/trigger-tree-leaf parameter, keyed by
	// parameter name. The controller resolves these from its own
	// transport.Registry before sending, since a freshly spawned worker
	// process has no access to it.
	Params    map[string]any
	Subscribe map[string]string

	// MsgBuild: well-known request/response service endpoints to dial,
	// keyed by the name a kernel looks them up under in
	// Dependencies.Consumers (e.g. "hardware", "statescript").
	Consume map[string]string

	// MsgUpdate: new parameter values to apply live.
	// (reuses Params above)

	// MsgAddFanoutSubscriber: a publisher endpoint the worker dials and
	// adds to its inputs, filed under that publisher's name. The worker's
	// own publisher is unchanged: it has no way to push to an endpoint.
	Endpoint string

	// MsgReady: the worker's own announced endpoints.
	DataEndpoint      string
	TelemetryEndpoint string

	// MsgLog: severity ("debug"|"info"|"warn"|"error") and text.
	LogLevel string
	LogText  string

	// MsgException: a human-readable description of an unrecovered panic
	// or kernel error.
	ExceptionText string
}

// controlLink implements models.ControlLink over a websocket connection
// carrying gob-encoded ControlMessage values in both directions.
type controlLink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	enc     *gob.Encoder

	inbox chan ControlMessage
	errCh chan error
	done  chan struct{}
}

func newControlLink(conn *websocket.Conn) *controlLink {
	l := &controlLink{
		conn:  conn,
		enc:   transport.NewStreamEncoder(conn),
		inbox: make(chan ControlMessage, 64),
		errCh: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *controlLink) readLoop() {
	dec := transport.NewStreamDecoder(l.conn)
	for {
		var msg ControlMessage
		if err := dec.Decode(&msg); err != nil {
			select {
			case l.errCh <- err:
			default:
			}
			close(l.done)
			return
		}
		select {
		case l.inbox <- msg:
		case <-l.done:
			return
		}
	}
}

// Send implements models.ControlLink.
func (l *controlLink) Send(msg any) error {
	cm, ok := msg.(ControlMessage)
	if !ok {
		return fmt.Errorf("control link: unexpected message type %T", msg)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.enc.Encode(cm)
}

// Recv implements models.ControlLink: returns the next pending message
// without blocking, ok=false when nothing is ready yet.
func (l *controlLink) Recv() (any, bool, error) {
	select {
	case msg := <-l.inbox:
		return msg, true, nil
	default:
	}
	select {
	case err := <-l.errCh:
		return nil, false, err
	default:
	}
	return nil, false, nil
}

// RecvBlocking waits up to timeout for the next message, used by the
// worker's own loop (which, unlike the controller, can afford to block
// between ticks).
func (l *controlLink) RecvBlocking(timeout time.Duration) (ControlMessage, bool, error) {
	select {
	case msg := <-l.inbox:
		return msg, true, nil
	case err := <-l.errCh:
		return ControlMessage{}, false, err
	case <-time.After(timeout):
		return ControlMessage{}, false, nil
	}
}

func (l *controlLink) Close() error { return l.conn.Close() }

// controlListener binds the worker's control port up front, so its
// endpoint can be announced (over stdout, see Run) before the controller
// has connected, then hands back the link once that single connection
// arrives.
type controlListener struct {
	ln       net.Listener
	endpoint string
	server   *http.Server
	accepted chan *controlLink
}

// NewControlListener binds addr (":0" for an ephemeral port) and starts
// accepting the controller's single incoming control connection in the
// background.
func NewControlListener(addr string) (*controlListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("worker control listen %s: %w", addr, err)
	}
	cl := &controlListener{
		ln:       ln,
		endpoint: fmt.Sprintf("ws://%s/control", ln.Addr().String()),
		accepted: make(chan *controlLink, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r)
		if err != nil {
			return
		}
		select {
		case cl.accepted <- newControlLink(conn):
		default:
			conn.Close() // only one controller connection is ever expected
		}
	})
	cl.server = &http.Server{Handler: mux}
	go cl.server.Serve(ln)
	return cl, nil
}

// Endpoint returns the ws://host:port/control URL the controller should
// dial.
func (cl *controlListener) Endpoint() string { return cl.endpoint }

// Accept blocks until the controller connects or ctx is done.
func (cl *controlListener) Accept(ctx context.Context) (*controlLink, error) {
	select {
	case link := <-cl.accepted:
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting connections.
func (cl *controlListener) Close() error {
	_ = cl.server.Close()
	return cl.ln.Close()
}

// DialControl is the controller side: connects to a worker's control
// endpoint once the worker process has reported it is listening. The
// returned link satisfies models.ControlLink.
func DialControl(ctx context.Context, endpoint string) (*controlLink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", endpoint, err)
	}
	return newControlLink(conn), nil
}
