package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber dials a single Publisher and delivers its envelopes, in the
// order the publisher sent them, onto a local channel.
type Subscriber struct {
	endpoint string
	logger   *slog.Logger

	conn *websocket.Conn
	out  chan Envelope

	lastSeq uint64
	gotSeq  bool
	drops   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a publisher's fanout endpoint (as returned by
// Publisher.Endpoint). The returned Subscriber's channel is closed once the
// connection drops or Close is called.
func Dial(ctx context.Context, endpoint string, logger *slog.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("subscriber dial %s: %w", endpoint, err)
	}
	s := &Subscriber{
		endpoint: endpoint,
		logger:   logger,
		conn:     conn,
		out:      make(chan Envelope, subscriberQueueDepth),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Channel returns the stream of envelopes received from the publisher, in
// publish order. It is closed when the underlying connection ends.
func (s *Subscriber) Channel() <-chan Envelope { return s.out }

// Drops reports how many sequence numbers have been observed missing since
// the subscriber attached, which happens when the publisher dropped
// envelopes for a slow peer.
func (s *Subscriber) Drops() uint64 { return s.drops.Load() }

func (s *Subscriber) readLoop() {
	defer close(s.out)
	defer s.conn.Close()
	dec := gob.NewDecoder(&connReader{conn: s.conn})
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if err != io.EOF {
				s.logger.Debug("subscriber decode stopped", "endpoint", s.endpoint, "error", err)
			}
			return
		}
		if s.gotSeq && env.Seq > s.lastSeq+1 {
			s.drops.Add(env.Seq - s.lastSeq - 1)
		}
		s.lastSeq, s.gotSeq = env.Seq, true
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

// Close terminates the subscriber's connection.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.conn.Close()
}

// connReader adapts a *websocket.Conn's framed message stream into a
// continuous io.Reader, buffering the tail of a message across Read calls.
// This mirrors connWriter on the publisher side: gob's Encoder/Decoder pair
// treats the connection as one byte stream regardless of how many
// websocket frames a given Encode call happened to span.
type connReader struct {
	conn *websocket.Conn
	buf  []byte
}

func (r *connReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
