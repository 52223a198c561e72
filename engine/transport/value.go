package transport

import (
	"time"

	"github.com/loopfield/fsrt/engine/models"
)

// Point2D is a planar position sample, used by position and track-geometry
// kernels.
type Point2D struct {
	X, Y float64
}

// SpikeMark is one detected spike on an electrode group, carrying the
// per-channel peak amplitudes used by the mark-space encoder and decoder.
type SpikeMark struct {
	ElectrodeGroup int
	Amplitudes     []float64
	Timestamp      time.Time
}

// Value is the tagged union every channel publishes: exactly one field is
// meaningful, selected by Kind. Encoding/gob requires concrete types rather
// than a Go interface, so the union is flattened into one struct instead of
// relying on gob.Register per variant.
type Value struct {
	Kind models.Datatype

	Float        float64
	FloatVector  []float64 // a source's per-tick multi-channel LFP sample; Kind is still DatatypeFloat
	Point        Point2D
	Bool         bool
	BinID        int
	Spikes       []SpikeMark
	Distribution []float64
	Timestamp    time.Time
	Text         string // hardware/statescript request payloads (fn tag, script text)

	// Telemetry carries a kernel's structured per-tick telemetry record
	// (e.g. the ripple estimator's displayed envelope/mean/sd/thresholds,
	// the decoder's posterior/likelihood/prior breakdown). Meaningful only
	// on envelopes crossing a telemetry publisher, never the data channel.
	Telemetry map[string]any
}

func FloatValue(v float64) Value { return Value{Kind: models.DatatypeFloat, Float: v} }
func FloatVectorValue(v []float64) Value {
	return Value{Kind: models.DatatypeFloat, FloatVector: v}
}
func PointValue(x, y float64) Value {
	return Value{Kind: models.DatatypePoint2D, Point: Point2D{X: x, Y: y}}
}
func BoolValue(v bool) Value { return Value{Kind: models.DatatypeBool, Bool: v} }
func BinIDValue(v int) Value { return Value{Kind: models.DatatypeBinID, BinID: v} }
func SpikesValue(marks []SpikeMark) Value {
	return Value{Kind: models.DatatypeSpikes, Spikes: marks}
}
func DistributionValue(d []float64) Value {
	return Value{Kind: models.DatatypeDiscreteDistribution, Distribution: d}
}
func TimestampValue(t time.Time) Value {
	return Value{Kind: models.DatatypeTimestamp, Timestamp: t}
}
func TextValue(s string) Value { return Value{Text: s} }

// TelemetryValue wraps a kernel's telemetry record for publication on a
// telemetry channel.
func TelemetryValue(fields map[string]any) Value { return Value{Telemetry: fields} }

// Envelope is what actually crosses the wire: a publisher-assigned sequence
// number (monotonic per publisher, used by subscribers to detect drops),
// the publisher's name, and the tagged value.
type Envelope struct {
	Seq       uint64
	Publisher string
	SentAt    time.Time
	Value     Value
}
