// Package worker is the skeleton every node kernel runs inside: a
// setup/loop/teardown lifecycle driven over a control link to the
// controller, publishing its output over a Publisher and forwarding its
// own logs and panics back upstream.
package worker

import (
	"context"

	"github.com/loopfield/fsrt/engine/transport"
)

// Kernel is implemented by every node type in the catalog. Build is called
// once per worker process, after parameters (including resolved ref and
// trigger-tree children) have been bound, and returns the running instance
// that Run drives.
type Kernel interface {
	TypeID() string
	Datatype() string
	Schema() []ParamDescriptor
	Build(ctx context.Context, params map[string]any, deps Dependencies) (Instance, error)
}

// ParamDescriptor mirrors models.ParamDescriptor; worker does not import
// models directly to keep the kernel-facing API minimal and serialization-
// free.
type ParamDescriptor struct {
	Name         string
	Kind         string
	RefDatatype  string
	Enum         []string
	Default      any
	LiveEditable bool
}

// Dependencies gives a kernel's Build function what it needs to reach
// other nodes: subscribers to referenced producers and consumers of
// referenced services, already dialed by the worker skeleton.
type Dependencies struct {
	Subscribers map[string]*transport.Subscriber // keyed by ref parameter name, or by leaf instance id for trigger-tree leaves
	Consumers   map[string]*transport.Consumer   // keyed by service name ("hardware", "statescript")
	Params      map[string]any
	Log         Logger
}

// Logger is the subset of telemetry/logging.Logger a kernel needs; the
// worker skeleton supplies one that forwards every record to the
// controller over the control link (a worker process has no attached
// terminal of its own).
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	CriticalCtx(ctx context.Context, msg string, attrs ...any)
}

// Instance is the running, built form of a kernel. Step is called once per
// scheduling tick by the worker loop; Close releases any resources
// acquired in Build.
type Instance interface {
	// Step consumes newly arrived input (if any) and returns the value to
	// publish this tick, or ok=false to publish nothing.
	Step(ctx context.Context, in Input) (out transport.Value, ok bool, err error)

	// Telemetry returns the structured record to emit on the telemetry
	// channel for the tick just stepped, or ok=false to emit nothing.
	// Kernels with no telemetry to report may implement this as a
	// permanent no-op.
	Telemetry() (fields map[string]any, ok bool)

	// UpdateParams applies a live parameter change (one LiveEditable
	// param at a time, in practice, but the full changed set is passed).
	// Kernels with no live-editable params may implement this as a no-op.
	UpdateParams(params map[string]any)

	Close() error
}

// Input is the union of what changed since the last Step: at most one
// subscriber delivers per tick in the common case, but a kernel with
// multiple producers as input may see several at once.
type Input struct {
	Envelopes map[string]transport.Envelope // keyed like Dependencies.Subscribers; other inputs by publisher name
}
