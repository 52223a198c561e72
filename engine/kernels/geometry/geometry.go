// Package geometry classifies a position sample against the track's
// polygon zones, publishing the id of the zone the animal currently
// occupies as a bin id (-1 outside every zone). The polygon data itself is parsed by
// engine/config from the track geometry file.
package geometry

import (
	"context"
	"fmt"

	"github.com/loopfield/fsrt/engine/catalog"
	"github.com/loopfield/fsrt/engine/models"
	"github.com/loopfield/fsrt/engine/transport"
	"github.com/loopfield/fsrt/engine/worker"
)

// Polygon is one named zone: a closed list of vertices.
type Polygon struct {
	ZoneID int
	X, Y   []float64
}

func init() {
	catalog.Register(catalog.Entry{
		TypeID:   "filter.geometry_classifier",
		Datatype: models.DatatypeBinID,
		Schema: []models.ParamDescriptor{
			{Name: "position", Kind: models.KindRef, RefDatatype: models.DatatypePoint2D},
			{Name: "track_geometry", Kind: models.KindTrackGeometry},
		},
		New: func() worker.Kernel { return &Kernel{} },
	})
}

type Kernel struct{}

func (k *Kernel) TypeID() string   { return "filter.geometry_classifier" }
func (k *Kernel) Datatype() string { return string(models.DatatypeBinID) }
func (k *Kernel) Schema() []worker.ParamDescriptor {
	return []worker.ParamDescriptor{}
}

func (k *Kernel) Build(ctx context.Context, params map[string]any, deps worker.Dependencies) (worker.Instance, error) {
	sub, ok := deps.Subscribers["position"]
	if !ok {
		return nil, fmt.Errorf("filter.geometry_classifier: missing position subscriber")
	}
	polys, _ := params["track_geometry"].([]Polygon)
	return &Instance{sub: sub, polygons: polys}, nil
}

// Instance classifies each incoming position sample into the id of the
// first zone polygon (in declaration order) whose interior contains the
// point, or -1 if the point falls outside every zone.
type Instance struct {
	sub      *transport.Subscriber
	polygons []Polygon
}

func (in *Instance) Step(ctx context.Context, input worker.Input) (transport.Value, bool, error) {
	env, ok := input.Envelopes["position"]
	if !ok {
		return transport.Value{}, false, nil
	}
	p := env.Value.Point
	for _, poly := range in.polygons {
		if pointInPolygon(p.X, p.Y, poly.X, poly.Y) {
			return transport.BinIDValue(poly.ZoneID), true, nil
		}
	}
	return transport.BinIDValue(-1), true, nil
}

// pointInPolygon is the standard ray-casting point-in-polygon test.
func pointInPolygon(px, py float64, xs, ys []float64) bool {
	n := len(xs)
	if n < 3 || len(ys) != n {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := xs[i], ys[i]
		xj, yj := xs[j], ys[j]
		if (yi > py) != (yj > py) {
			xCross := (xj-xi)*(py-yi)/(yj-yi) + xi
			if px < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

func (in *Instance) UpdateParams(params map[string]any) {}

func (in *Instance) Telemetry() (map[string]any, bool) { return nil, false }

func (in *Instance) Close() error { return in.sub.Close() }
