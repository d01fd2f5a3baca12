package planner

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// BuildCorridor covers each route segment with an axis-aligned box that
// contains no obstacle point. Segments longer than CorridorProgress are split
// first. Each box starts as the segment's bounding box and grows face by face
// in half-voxel steps, at most CorridorRange past the segment and never past
// bounds.
func (p *Planner) BuildCorridor(route []r3.Vec, obstacles []r3.Vec, bounds r3.Box) (Corridor, error) {
	if len(route) < 2 {
		return Corridor{}, fmt.Errorf("%w: route has %d points", ErrDegenerate, len(route))
	}

	wps := splitLong(route, p.cfg.CorridorProgress)
	step := p.m.Scale() / 2
	c := Corridor{Waypoints: wps, Boxes: make([]r3.Box, 0, len(wps)-1)}

	for i := 0; i+1 < len(wps); i++ {
		seed := r3.Box{Min: minVec(wps[i], wps[i+1]), Max: maxVec(wps[i], wps[i+1])}
		if !within(bounds, seed.Min) || !within(bounds, seed.Max) {
			return Corridor{}, fmt.Errorf("%w: segment %d leaves the map", ErrDegenerate, i)
		}

		if hit, ok := p.firstOccupied(wps[i], wps[i+1]); ok {
			return Corridor{}, fmt.Errorf("%w: segment %d passes occupied space at %v", ErrDegenerate, i, hit)
		}

		limit := intersect(bounds, inflate(seed, p.cfg.CorridorRange))
		near := obstaclesIn(obstacles, limit)
		if hit, ok := firstInside(seed, near); ok {
			return Corridor{}, fmt.Errorf("%w: segment %d passes obstacle at %v", ErrDegenerate, i, hit)
		}
		c.Boxes = append(c.Boxes, grow(seed, limit, near, step))
	}
	return c, nil
}

// grow expands box one face at a time until no face can move.
func grow(box, limit r3.Box, obstacles []r3.Vec, step float64) r3.Box {
	lo, hi := toArr(box.Min), toArr(box.Max)
	llo, lhi := toArr(limit.Min), toArr(limit.Max)

	for moved := true; moved; {
		moved = false
		for axis := 0; axis < 3; axis++ {
			// lower face
			if d := math.Min(step, lo[axis]-llo[axis]); d > 0 {
				lo[axis] -= d
				if _, hit := firstInside(fromArr(lo, hi), obstacles); hit {
					lo[axis] += d
				} else {
					moved = true
				}
			}
			// upper face
			if d := math.Min(step, lhi[axis]-hi[axis]); d > 0 {
				hi[axis] += d
				if _, hit := firstInside(fromArr(lo, hi), obstacles); hit {
					hi[axis] -= d
				} else {
					moved = true
				}
			}
		}
	}
	return fromArr(lo, hi)
}

// firstOccupied walks the segment a-b in quarter-voxel steps against the map.
func (p *Planner) firstOccupied(a, b r3.Vec) (r3.Vec, bool) {
	d := r3.Sub(b, a)
	n := int(math.Ceil(r3.Norm(d)/(p.m.Scale()/4))) + 1
	for k := 0; k <= n; k++ {
		q := r3.Add(a, r3.Scale(float64(k)/float64(n), d))
		idx, ok := p.m.Index(q)
		if !ok || p.m.OccupiedIndex(idx) {
			return q, true
		}
	}
	return r3.Vec{}, false
}

// splitLong subdivides segments longer than maxLen into equal parts.
func splitLong(route []r3.Vec, maxLen float64) []r3.Vec {
	if maxLen <= 0 {
		return route
	}
	out := []r3.Vec{route[0]}
	for i := 1; i < len(route); i++ {
		a, b := route[i-1], route[i]
		n := int(math.Ceil(r3.Norm(r3.Sub(b, a)) / maxLen))
		for k := 1; k < n; k++ {
			out = append(out, r3.Add(a, r3.Scale(float64(k)/float64(n), r3.Sub(b, a))))
		}
		out = append(out, b)
	}
	return out
}

// within is a closed containment test. r3.Box.Contains treats flat boxes as
// empty, which route segments usually are.
func within(b r3.Box, v r3.Vec) bool {
	return b.Min.X <= v.X && v.X <= b.Max.X &&
		b.Min.Y <= v.Y && v.Y <= b.Max.Y &&
		b.Min.Z <= v.Z && v.Z <= b.Max.Z
}

func firstInside(b r3.Box, pts []r3.Vec) (r3.Vec, bool) {
	for _, q := range pts {
		if within(b, q) {
			return q, true
		}
	}
	return r3.Vec{}, false
}

func obstaclesIn(pts []r3.Vec, b r3.Box) []r3.Vec {
	var out []r3.Vec
	for _, q := range pts {
		if within(b, q) {
			out = append(out, q)
		}
	}
	return out
}

func inflate(b r3.Box, r float64) r3.Box {
	d := r3.Vec{X: r, Y: r, Z: r}
	return r3.Box{Min: r3.Sub(b.Min, d), Max: r3.Add(b.Max, d)}
}

func intersect(a, b r3.Box) r3.Box {
	return r3.Box{Min: maxVec(a.Min, b.Min), Max: minVec(a.Max, b.Max)}
}

func minVec(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

func maxVec(a, b r3.Vec) r3.Vec {
	return r3.Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}

func toArr(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func fromArr(lo, hi [3]float64) r3.Box {
	return r3.Box{
		Min: r3.Vec{X: lo[0], Y: lo[1], Z: lo[2]},
		Max: r3.Vec{X: hi[0], Y: hi[1], Z: hi[2]},
	}
}
