// Package models defines the data types shared between the controller,
// the worker skeleton, and every node kernel: instance identity, the
// datatype tag closed enumeration, parameter schema descriptors, the
// trigger-tree tagged sum, and the NodeInstance/WorkerHandle records.
package models

import (
	"fmt"

	"github.com/google/uuid"
)

// InstanceID uniquely identifies a node instance for the lifetime of the
// controller process, and is retained across save/restore.
type InstanceID uuid.UUID

// NewInstanceID allocates a fresh, process-unique instance ID.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

func (id InstanceID) String() string { return uuid.UUID(id).String() }

// ParseInstanceID parses a UUID-shaped string back into an InstanceID,
// used when restoring a saved graph configuration.
func ParseInstanceID(s string) (InstanceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return InstanceID{}, fmt.Errorf("parse instance id %q: %w", s, err)
	}
	return InstanceID(u), nil
}

func (id InstanceID) MarshalYAML() (interface{}, error) { return id.String(), nil }

func (id *InstanceID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseInstanceID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Datatype is the closed enumeration of what a node may publish.
type Datatype string

const (
	DatatypeFloat                Datatype = "float"
	DatatypePoint2D              Datatype = "point2d"
	DatatypeBool                 Datatype = "bool"
	DatatypeBinID                Datatype = "bin_id"
	DatatypeSpikes               Datatype = "spikes"
	DatatypeDiscreteDistribution Datatype = "discrete_distribution"
	DatatypeTimestamp            Datatype = "timestamp"
)

// ParamKind enumerates the shapes a parameter descriptor may take.
type ParamKind string

const (
	KindFloat        ParamKind = "float"
	KindInt          ParamKind = "int"
	KindBool         ParamKind = "bool"
	KindString       ParamKind = "string"
	KindEnum         ParamKind = "enum"
	KindRef          ParamKind = "ref"          // parameterised by an expected Datatype
	KindTriggerTree  ParamKind = "trigger_tree"
	KindTrackGeometry ParamKind = "track_geometry"
)

// ParamDescriptor describes one entry in a node type's parameter schema.
type ParamDescriptor struct {
	Name          string
	Kind          ParamKind
	RefDatatype   Datatype // meaningful only when Kind == KindRef
	Enum          []string // meaningful only when Kind == KindEnum
	Default       any
	LiveEditable  bool
}

// GateOp enumerates the trigger-tree gate operators.
type GateOp string

const (
	GateAND  GateOp = "AND"
	GateOR   GateOp = "OR"
	GateNAND GateOp = "NAND"
)

// TriggerTree is a finite rose tree: internal nodes are gates over
// children, leaves reference a boolean-producing node by instance ID.
type TriggerTree struct {
	// IsLeaf is true when this node is a leaf referencing Leaf.
	IsLeaf bool
	Leaf   InstanceID

	Op       GateOp
	Children []TriggerTree
}

// Evaluate folds the tree's gates over the supplied cache of current leaf
// values. It is pure: given an identical cache, repeated evaluation
// yields the same result.
func (t TriggerTree) Evaluate(cache map[InstanceID]bool) bool {
	if t.IsLeaf {
		return cache[t.Leaf]
	}
	switch t.Op {
	case GateAND:
		for _, c := range t.Children {
			if !c.Evaluate(cache) {
				return false
			}
		}
		return true
	case GateOR:
		for _, c := range t.Children {
			if c.Evaluate(cache) {
				return true
			}
		}
		return false
	case GateNAND:
		for _, c := range t.Children {
			if !c.Evaluate(cache) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Leaves returns every instance ID referenced transitively by leaves of the
// tree, via a breadth-first traversal, as used by reference resolution to
// compute a node's children.
func (t TriggerTree) Leaves() []InstanceID {
	var out []InstanceID
	queue := []TriggerTree{t}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.IsLeaf {
			out = append(out, n.Leaf)
			continue
		}
		queue = append(queue, n.Children...)
	}
	return out
}

// NodeStatus is the controller-side lifecycle state of a NodeInstance.
type NodeStatus int

const (
	StatusUnbuilt NodeStatus = iota
	StatusBuilt
	StatusError
)

func (s NodeStatus) String() string {
	switch s {
	case StatusUnbuilt:
		return "unbuilt"
	case StatusBuilt:
		return "built"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// NodeInstance is the controller's record of one node in the graph.
//
// Invariant: Status == StatusBuilt implies BuildError == nil and Worker !=
// nil; Status == StatusError implies Worker == nil. Both are enforced by
// the controller, never by callers mutating this struct directly.
type NodeInstance struct {
	ID       InstanceID
	TypeID   string
	Nickname string
	Params   map[string]any
	Status   NodeStatus
	Worker   *WorkerHandle
	BuildError error
}

func (n *NodeInstance) Built() bool   { return n.Status == StatusBuilt }
func (n *NodeInstance) Errored() bool { return n.Status == StatusError }

// WorkerHandle is the controller's exclusive reference to a built node's
// worker process and its announced endpoints. Dropping it (see
// controller.Controller.UnbuildNode) sends stop on Control, then joins
// Process.
type WorkerHandle struct {
	Control           ControlLink
	DataEndpoint      string
	TelemetryEndpoint string
	Process           Process
	FanoutAdd         func(endpoint string) error
}

// ControlLink is the bidirectional control channel between the controller
// and a worker. Implemented by the link worker.DialControl returns;
// declared here as an interface to keep models free of an import cycle.
type ControlLink interface {
	Send(msg any) error
	Recv() (any, bool, error) // value, ok, err; ok=false means nothing ready
	Close() error
}

// Process is the subset of os.Process the controller needs to manage a
// worker's lifetime, narrowed to an interface for testability.
type Process interface {
	Signal(sig string) error
	Wait() error
	Kill() error
	Pid() int
}
