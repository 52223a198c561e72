package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// subscriberQueueDepth bounds how many unsent envelopes a single slow
// subscriber may accumulate before the publisher starts dropping, matching
// the pub/sub contract's "lossy on overflow" behavior.
const subscriberQueueDepth = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Publisher broadcasts a single node's output to every connected subscriber
// over its own HTTP listener. Per-subscriber delivery is ordered (a single
// writer goroutine per connection) and lossy: a subscriber that falls more
// than subscriberQueueDepth envelopes behind has its oldest pending envelope
// dropped rather than stalling the publisher.
type Publisher struct {
	name   string
	logger *slog.Logger

	listener net.Listener
	server   *http.Server

	mu   sync.RWMutex
	subs map[*pubConn]struct{}

	seq atomic.Uint64
}

type pubConn struct {
	conn    *websocket.Conn
	out     chan Envelope
	closed  chan struct{}
	closeMu sync.Once
}

// NewPublisher binds an HTTP listener on addr (":0" for an ephemeral port)
// and returns a Publisher ready to accept subscriber connections at /fanout.
func NewPublisher(name, addr string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("publisher %s: listen %s: %w", name, addr, err)
	}
	p := &Publisher{
		name:     name,
		logger:   logger,
		listener: ln,
		subs:     make(map[*pubConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/fanout", p.handleFanout)
	p.server = &http.Server{Handler: mux}
	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("publisher serve exited", "publisher", name, "error", err)
		}
	}()
	return p, nil
}

// Endpoint returns the ws://host:port/fanout URL subscribers should dial.
func (p *Publisher) Endpoint() string {
	return fmt.Sprintf("ws://%s/fanout", p.listener.Addr().String())
}

func (p *Publisher) handleFanout(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("publisher upgrade failed", "publisher", p.name, "error", err)
		return
	}
	sc := &pubConn{conn: conn, out: make(chan Envelope, subscriberQueueDepth), closed: make(chan struct{})}
	p.mu.Lock()
	p.subs[sc] = struct{}{}
	p.mu.Unlock()

	go p.writeLoop(sc)
	go p.detachOnClose(sc)
}

// writeLoop is the single writer for one subscriber connection, so per-
// subscriber ordering is preserved even though Publish is called
// concurrently with new subscribers attaching.
func (p *Publisher) writeLoop(sc *pubConn) {
	defer sc.conn.Close()
	enc := gob.NewEncoder(connWriter{sc.conn})
	for {
		select {
		case env, ok := <-sc.out:
			if !ok {
				return
			}
			if err := enc.Encode(env); err != nil {
				p.removeSub(sc)
				return
			}
		case <-sc.closed:
			return
		}
	}
}

// detachOnClose removes a subscriber once its connection dies, identified
// by any inbound read failing (subscribers never send application data on
// this connection, only control frames).
func (p *Publisher) detachOnClose(sc *pubConn) {
	for {
		if _, _, err := sc.conn.NextReader(); err != nil {
			p.removeSub(sc)
			return
		}
	}
}

func (p *Publisher) removeSub(sc *pubConn) {
	p.mu.Lock()
	if _, ok := p.subs[sc]; ok {
		delete(p.subs, sc)
		sc.closeMu.Do(func() { close(sc.closed) })
	}
	p.mu.Unlock()
}

// Publish broadcasts a value to every currently connected subscriber,
// stamping it with a publisher-monotonic sequence number. A subscriber
// whose queue is full has its single oldest pending envelope dropped to
// make room, never blocking the publisher.
func (p *Publisher) Publish(v Value) {
	env := Envelope{
		Seq:       p.seq.Add(1),
		Publisher: p.name,
		SentAt:    time.Now(),
		Value:     v,
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for sc := range p.subs {
		select {
		case sc.out <- env:
		default:
			select {
			case <-sc.out:
			default:
			}
			select {
			case sc.out <- env:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of currently attached subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close shuts down the listener and every subscriber connection.
func (p *Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.server.Shutdown(ctx)
	p.mu.Lock()
	for sc := range p.subs {
		sc.closeMu.Do(func() { close(sc.closed) })
		sc.conn.Close()
	}
	p.subs = make(map[*pubConn]struct{})
	p.mu.Unlock()
	return nil
}

// connWriter adapts a *websocket.Conn into an io.Writer that sends one
// binary message per Write call, which is what gob's Encoder produces per
// Encode when fed a fresh writer each time it needs one. gob's Encoder
// retains state across Encode calls on the *same* stream, so this adapter
// is built once per connection, not per message.
type connWriter struct{ conn *websocket.Conn }

func (w connWriter) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
