package planner

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/spatial/r3"
)

// voxelGraph exposes free voxels as a 6-connected graph. Node IDs are flat
// voxel indices.
type voxelGraph struct {
	m    OccupancyMap
	size [3]int
}

var steps = [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

func (g voxelGraph) id(idx [3]int) int64 {
	return int64((idx[2]*g.size[1]+idx[1])*g.size[0] + idx[0])
}

func (g voxelGraph) idx(id int64) [3]int {
	n := int(id)
	i := n % g.size[0]
	n /= g.size[0]
	j := n % g.size[1]
	return [3]int{i, j, n / g.size[1]}
}

func (g voxelGraph) From(id int64) graph.Nodes {
	u := g.idx(id)
	var out []graph.Node
	for _, s := range steps {
		v := [3]int{u[0] + s[0], u[1] + s[1], u[2] + s[2]}
		if !g.m.OccupiedIndex(v) {
			out = append(out, simple.Node(g.id(v)))
		}
	}
	return iterator.NewOrderedNodes(out)
}

func (g voxelGraph) adjacent(uid, vid int64) bool {
	u, v := g.idx(uid), g.idx(vid)
	d := abs(u[0]-v[0]) + abs(u[1]-v[1]) + abs(u[2]-v[2])
	return d == 1 && !g.m.OccupiedIndex(v)
}

func (g voxelGraph) Edge(uid, vid int64) graph.Edge {
	if !g.adjacent(uid, vid) {
		return nil
	}
	return simple.Edge{F: simple.Node(uid), T: simple.Node(vid)}
}

func (g voxelGraph) Weight(xid, yid int64) (float64, bool) {
	if xid == yid {
		return 0, true
	}
	if !g.adjacent(xid, yid) {
		return 0, false
	}
	return g.m.Scale(), true
}

func (g voxelGraph) heuristic(u, v graph.Node) float64 {
	return r3.Norm(r3.Sub(g.m.Center(g.idx(u.ID())), g.m.Center(g.idx(v.ID()))))
}

// PlanRoute searches the free voxels for the shortest 6-connected path and
// returns it as a polyline from start to goal with collinear points removed.
func (p *Planner) PlanRoute(start, goal r3.Vec) ([]r3.Vec, error) {
	si, ok := p.m.Index(start)
	if !ok || p.m.OccupiedIndex(si) {
		return nil, fmt.Errorf("%w: start %v is not in free space", ErrNoRoute, start)
	}
	gi, ok := p.m.Index(goal)
	if !ok || p.m.OccupiedIndex(gi) {
		return nil, fmt.Errorf("%w: goal %v is not in free space", ErrNoRoute, goal)
	}

	g := voxelGraph{m: p.m, size: p.m.Size()}
	shortest, expanded := path.AStar(simple.Node(g.id(si)), simple.Node(g.id(gi)), g, g.heuristic)
	nodes, _ := shortest.To(g.id(gi))
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: searched %d voxels", ErrNoRoute, expanded)
	}

	pts := make([]r3.Vec, 0, len(nodes)+2)
	pts = append(pts, start)
	for _, n := range nodes {
		pts = append(pts, p.m.Center(g.idx(n.ID())))
	}
	pts = append(pts, goal)
	return simplify(pts), nil
}

// simplify drops repeated points and interior points on straight runs.
func simplify(pts []r3.Vec) []r3.Vec {
	const tol = 1e-9
	var dedup []r3.Vec
	for _, q := range pts {
		if len(dedup) > 0 && r3.Norm(r3.Sub(q, dedup[len(dedup)-1])) < tol {
			continue
		}
		dedup = append(dedup, q)
	}
	if len(dedup) < 3 {
		return dedup
	}

	out := []r3.Vec{dedup[0]}
	for i := 1; i < len(dedup)-1; i++ {
		a := r3.Sub(dedup[i], out[len(out)-1])
		b := r3.Sub(dedup[i+1], dedup[i])
		if r3.Norm(r3.Cross(a, b)) < tol*r3.Norm(a)*r3.Norm(b) && r3.Dot(a, b) > 0 {
			continue
		}
		out = append(out, dedup[i])
	}
	return append(out, dedup[len(dedup)-1])
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
