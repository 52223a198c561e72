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

// DefaultCallTimeout is used by Consumer.Call when the caller's context has
// no deadline.
const DefaultCallTimeout = 5 * time.Second

// request and reply are the wire records exchanged over a Service
// connection, correlated by ID the way the home-assistant websocket client
// correlates its own requests.
type request struct {
	ID     uint64
	Method string
	Params Value
}

type reply struct {
	ID    uint64
	OK    bool
	Value Value
	Err   string
}

// Handler answers one Service request.
type Handler func(ctx context.Context, method string, params Value) (Value, error)

// Service exposes a Handler over a single persistent websocket connection
// per caller, matching the controller's worker control link: a dedicated
// in-process handshake rather than a discovery-backed broadcast.
type Service struct {
	name    string
	handler Handler
	logger  *slog.Logger

	listener net.Listener
	server   *http.Server
}

// NewService binds an HTTP listener on addr and answers every request with
// handler.
func NewService(name, addr string, handler Handler, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("service %s: listen %s: %w", name, addr, err)
	}
	s := &Service{name: name, handler: handler, logger: logger, listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/service", s.handleConn)
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("service serve exited", "service", name, "error", err)
		}
	}()
	return s, nil
}

// Endpoint returns the ws://host:port/service URL a Consumer should dial.
func (s *Service) Endpoint() string {
	return fmt.Sprintf("ws://%s/service", s.listener.Addr().String())
}

func (s *Service) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("service upgrade failed", "service", s.name, "error", err)
		return
	}
	defer conn.Close()

	dec := gob.NewDecoder(&connReader{conn: conn})
	enc := gob.NewEncoder(connWriter{conn})
	var writeMu sync.Mutex
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		go func(req request) {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
			defer cancel()
			val, err := s.handler(ctx, req.Method, req.Params)
			rep := reply{ID: req.ID}
			if err != nil {
				rep.Err = err.Error()
			} else {
				rep.OK = true
				rep.Value = val
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = enc.Encode(rep)
		}(req)
	}
}

// Close stops accepting new connections and tears down the listener.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Consumer calls a remote Service's methods, matching replies to requests
// by ID the way the home-assistant websocket client's sendAndWait does.
type Consumer struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply

	writeMu sync.Mutex
	enc     *gob.Encoder
}

// DialService connects to a Service's endpoint.
func DialService(ctx context.Context, endpoint string) (*Consumer, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("consumer dial %s: %w", endpoint, err)
	}
	c := &Consumer{conn: conn, pending: make(map[uint64]chan reply), enc: gob.NewEncoder(connWriter{conn})}
	go c.readLoop()
	return c, nil
}

func (c *Consumer) readLoop() {
	dec := gob.NewDecoder(&connReader{conn: c.conn})
	for {
		var rep reply
		if err := dec.Decode(&rep); err != nil {
			c.mu.Lock()
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = make(map[uint64]chan reply)
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[rep.ID]
		if ok {
			delete(c.pending, rep.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- rep
		}
	}
}

// Call sends method/params and blocks for the matching reply, honoring
// ctx's deadline or DefaultCallTimeout if ctx carries none.
func (c *Consumer) Call(ctx context.Context, method string, params Value) (Value, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Value{}, fmt.Errorf("consumer call %s: %w", method, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return Value{}, fmt.Errorf("consumer call %s: connection closed", method)
		}
		if !rep.OK {
			return Value{}, fmt.Errorf("consumer call %s: %s", method, rep.Err)
		}
		return rep.Value, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return Value{}, ctx.Err()
	}
}

// Close terminates the consumer's connection.
func (c *Consumer) Close() error { return c.conn.Close() }
