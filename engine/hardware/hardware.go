// Package hardware wraps the two external request/response services the
// runtime issues stimulation commands to: the Trodes hardware trigger
// service and the Statescript service. Both are thin request/response
// clients over transport.Consumer — responses are acknowledged but their
// content is never inspected, per the external hardware service's
// documented contract.
package hardware

import (
	"context"
	"fmt"

	"github.com/loopfield/fsrt/engine/transport"
)

// Trodes client endpoint well-known name.
const TrodesEndpoint = "trodes.hardware"

// Statescript service well-known name.
const StatescriptEndpoint = "statescript.service"

// Trodes issues HRSCTrig requests against the trodes.hardware service.
type Trodes struct {
	consumer *transport.Consumer
}

// DialTrodes connects to the trodes.hardware service.
func DialTrodes(ctx context.Context, endpoint string) (*Trodes, error) {
	c, err := transport.DialService(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial trodes.hardware: %w", err)
	}
	return &Trodes{consumer: c}, nil
}

// Trigger requests the hardware fire function fn. The response content
// is ignored; only the round trip's error (if any) is reported.
func (t *Trodes) Trigger(ctx context.Context, fn int) error {
	_, err := t.consumer.Call(ctx, "HRSCTrig", transport.FloatValue(float64(fn)))
	return err
}

// Close releases the underlying connection.
func (t *Trodes) Close() error { return t.consumer.Close() }

// Statescript submits and runs Statescript command text against the
// statescript.service.
type Statescript struct {
	consumer *transport.Consumer
}

// DialStatescript connects to the statescript.service.
func DialStatescript(ctx context.Context, endpoint string) (*Statescript, error) {
	c, err := transport.DialService(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial statescript.service: %w", err)
	}
	return &Statescript{consumer: c}, nil
}

// Submit pushes command text (a rendered Statescript program, or a
// bare command) to the service. The response content is ignored.
func (s *Statescript) Submit(ctx context.Context, command string) error {
	_, err := s.consumer.Call(ctx, "command", transport.TextValue(command))
	return err
}

// Close releases the underlying connection.
func (s *Statescript) Close() error { return s.consumer.Close() }
