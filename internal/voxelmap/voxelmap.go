// Package voxelmap is a fixed-size voxel occupancy grid over the flight
// volume. It is filled once from a point cloud, dilated by the vehicle's
// clearance radius, and is read-only afterwards.
package voxelmap

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/pathguard/internal/config"
	"github.com/banshee-data/pathguard/internal/geom"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrAlreadyIngested is returned by Ingest after the first successful call.
var ErrAlreadyIngested = errors.New("voxel map already ingested")

const (
	free     uint8 = 0
	occupied uint8 = 1
	dilated  uint8 = 2
)

// Config describes the grid extent and resolution.
type Config struct {
	Bound        [6]float64 // xmin, xmax, ymin, ymax, zmin, zmax
	VoxelWidth   float64
	DilateRadius float64
}

// DefaultConfig returns a 50 x 50 x 5 m volume at 0.25 m resolution with a
// 0.5 m clearance radius.
func DefaultConfig() Config {
	return Config{
		Bound:        [6]float64{-25, 25, -25, 25, 0, 5},
		VoxelWidth:   0.25,
		DilateRadius: 0.5,
	}
}

// ConfigFromTuning derives a Config from a TuningConfig.
func ConfigFromTuning(c *config.TuningConfig) Config {
	return Config{
		Bound:        c.GetMapBound(),
		VoxelWidth:   c.GetVoxelWidth(),
		DilateRadius: c.GetDilateRadius(),
	}
}

// Map is a dense occupancy grid. Queries are safe for concurrent use with
// each other and with Ingest.
type Map struct {
	mu sync.RWMutex

	bound  [6]float64
	size   [3]int
	origin r3.Vec
	scale  float64
	radius float64

	cells   []uint8
	surface []r3.Vec
	ready   bool
}

// New allocates an empty grid. Each axis holds floor(extent/width) voxels.
func New(cfg Config) (*Map, error) {
	if cfg.VoxelWidth <= 0 || math.IsNaN(cfg.VoxelWidth) {
		return nil, fmt.Errorf("voxel width must be positive, got %f", cfg.VoxelWidth)
	}
	if cfg.DilateRadius < 0 {
		return nil, fmt.Errorf("dilate radius must be non-negative, got %f", cfg.DilateRadius)
	}
	var size [3]int
	for axis := 0; axis < 3; axis++ {
		lo, hi := cfg.Bound[2*axis], cfg.Bound[2*axis+1]
		if !(hi > lo) {
			return nil, fmt.Errorf("map bound axis %d is empty: [%f, %f]", axis, lo, hi)
		}
		size[axis] = int((hi - lo) / cfg.VoxelWidth)
		if size[axis] < 1 {
			return nil, fmt.Errorf("map bound axis %d is narrower than one voxel", axis)
		}
	}
	return &Map{
		bound:  cfg.Bound,
		size:   size,
		origin: r3.Vec{X: cfg.Bound[0], Y: cfg.Bound[2], Z: cfg.Bound[4]},
		scale:  cfg.VoxelWidth,
		radius: cfg.DilateRadius,
		cells:  make([]uint8, size[0]*size[1]*size[2]),
	}, nil
}

// Ingest marks every finite in-bounds point as occupied, then dilates the
// obstacles by ceil(radius/width) voxels. It succeeds at most once and
// returns the number of points that landed in the grid.
func (m *Map) Ingest(points []r3.Vec) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready {
		return 0, ErrAlreadyIngested
	}

	var seeds [][3]int
	n := 0
	for _, p := range points {
		if !geom.IsFinite(p) {
			continue
		}
		idx, ok := m.index(p)
		if !ok {
			continue
		}
		n++
		c := m.flat(idx)
		if m.cells[c] == free {
			m.cells[c] = occupied
			seeds = append(seeds, idx)
		}
	}

	m.dilate(seeds, int(math.Ceil(m.radius/m.scale)))
	m.surface = m.buildSurface()
	m.ready = true
	return n, nil
}

// dilate grows every seed voxel into a cube of half-width r voxels.
func (m *Map) dilate(seeds [][3]int, r int) {
	if r <= 0 {
		return
	}
	for _, s := range seeds {
		for i := max(s[0]-r, 0); i <= min(s[0]+r, m.size[0]-1); i++ {
			for j := max(s[1]-r, 0); j <= min(s[1]+r, m.size[1]-1); j++ {
				for k := max(s[2]-r, 0); k <= min(s[2]+r, m.size[2]-1); k++ {
					c := m.flat([3]int{i, j, k})
					if m.cells[c] == free {
						m.cells[c] = dilated
					}
				}
			}
		}
	}
}

var faceNeighbours = [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

// buildSurface collects centres of non-free voxels that touch a free voxel.
func (m *Map) buildSurface() []r3.Vec {
	var out []r3.Vec
	for i := 0; i < m.size[0]; i++ {
		for j := 0; j < m.size[1]; j++ {
			for k := 0; k < m.size[2]; k++ {
				idx := [3]int{i, j, k}
				if m.cells[m.flat(idx)] == free {
					continue
				}
				for _, d := range faceNeighbours {
					nb := [3]int{i + d[0], j + d[1], k + d[2]}
					if m.inGrid(nb) && m.cells[m.flat(nb)] == free {
						out = append(out, m.center(idx))
						break
					}
				}
			}
		}
	}
	return out
}

// Occupied reports whether p lies in an occupied or dilated voxel. Points
// outside the grid count as occupied.
func (m *Map) Occupied(p r3.Vec) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.index(p)
	if !ok {
		return true
	}
	return m.cells[m.flat(idx)] != free
}

// OccupiedIndex is Occupied for a voxel index.
func (m *Map) OccupiedIndex(idx [3]int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inGrid(idx) {
		return true
	}
	return m.cells[m.flat(idx)] != free
}

// Contains reports whether p lies inside the map bounds.
func (m *Map) Contains(p r3.Vec) bool {
	_, ok := m.index(p)
	return ok
}

// Origin returns the minimum corner of the grid.
func (m *Map) Origin() r3.Vec { return m.origin }

// Corner returns the maximum corner of the grid.
func (m *Map) Corner() r3.Vec {
	return r3.Add(m.origin, r3.Vec{
		X: float64(m.size[0]) * m.scale,
		Y: float64(m.size[1]) * m.scale,
		Z: float64(m.size[2]) * m.scale,
	})
}

// Bounds returns the grid extent as a box.
func (m *Map) Bounds() r3.Box { return r3.Box{Min: m.Origin(), Max: m.Corner()} }

// Scale returns the voxel edge length.
func (m *Map) Scale() float64 { return m.scale }

// Size returns the voxel count along each axis.
func (m *Map) Size() [3]int { return m.size }

// Surface returns the boundary voxels of the dilated obstacles. The slice is
// shared; callers must not modify it.
func (m *Map) Surface() []r3.Vec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.surface
}

// OccupiedCount returns the number of non-free voxels.
func (m *Map) OccupiedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.cells {
		if c != free {
			n++
		}
	}
	return n
}

// GoalFromPose lifts a planar goal into the volume: |oz| in [0, 1] selects a
// height between the floor and the ceiling, each kept one clearance radius away.
func (m *Map) GoalFromPose(x, y, oz float64) r3.Vec {
	zmin, zmax := m.bound[4], m.bound[5]
	return r3.Vec{X: x, Y: y, Z: zmin + m.radius + math.Abs(oz)*(zmax-zmin-2*m.radius)}
}

// Index returns the voxel containing p.
func (m *Map) Index(p r3.Vec) ([3]int, bool) { return m.index(p) }

// Center returns the centre of voxel idx.
func (m *Map) Center(idx [3]int) r3.Vec { return m.center(idx) }

func (m *Map) index(p r3.Vec) ([3]int, bool) {
	if !geom.IsFinite(p) {
		return [3]int{}, false
	}
	d := r3.Sub(p, m.origin)
	idx := [3]int{
		int(math.Floor(d.X / m.scale)),
		int(math.Floor(d.Y / m.scale)),
		int(math.Floor(d.Z / m.scale)),
	}
	return idx, m.inGrid(idx)
}

func (m *Map) center(idx [3]int) r3.Vec {
	return r3.Add(m.origin, r3.Vec{
		X: (float64(idx[0]) + 0.5) * m.scale,
		Y: (float64(idx[1]) + 0.5) * m.scale,
		Z: (float64(idx[2]) + 0.5) * m.scale,
	})
}

func (m *Map) inGrid(idx [3]int) bool {
	return idx[0] >= 0 && idx[0] < m.size[0] &&
		idx[1] >= 0 && idx[1] < m.size[1] &&
		idx[2] >= 0 && idx[2] < m.size[2]
}

func (m *Map) flat(idx [3]int) int {
	return (idx[2]*m.size[1]+idx[1])*m.size[0] + idx[0]
}
