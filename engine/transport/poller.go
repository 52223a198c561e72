package transport

import "sync"

// MultiPoller fans multiple Subscribers into a single channel while
// preserving each publisher's own message order: every Subscriber has its
// own forwarding goroutine, and only the interleaving across publishers is
// left unspecified, exactly as the graph's node scheduling model assumes.
type MultiPoller struct {
	out chan Envelope

	mu   sync.Mutex
	subs map[string]*Subscriber // keyed by endpoint
	wg   sync.WaitGroup
}

// NewMultiPoller returns an empty poller. Attach subscribers with Add.
func NewMultiPoller(bufferSize int) *MultiPoller {
	if bufferSize <= 0 {
		bufferSize = subscriberQueueDepth
	}
	return &MultiPoller{out: make(chan Envelope, bufferSize), subs: make(map[string]*Subscriber)}
}

// Add attaches a Subscriber to the fan-in. Safe to call concurrently with
// Channel reads.
func (p *MultiPoller) Add(endpoint string, sub *Subscriber) {
	p.mu.Lock()
	p.subs[endpoint] = sub
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for env := range sub.Channel() {
			p.out <- env
		}
	}()
}

// Remove detaches and closes the subscriber previously added under
// endpoint, if any.
func (p *MultiPoller) Remove(endpoint string) {
	p.mu.Lock()
	sub, ok := p.subs[endpoint]
	if ok {
		delete(p.subs, endpoint)
	}
	p.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

// Channel returns the merged stream.
func (p *MultiPoller) Channel() <-chan Envelope { return p.out }

// Close detaches every subscriber and waits for their forwarding goroutines
// to finish before closing the merged channel.
func (p *MultiPoller) Close() {
	p.mu.Lock()
	subs := make([]*Subscriber, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[string]*Subscriber)
	p.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	p.wg.Wait()
	close(p.out)
}
