// Package scenario loads flight scenarios from YAML: a map described as
// obstacle boxes and loose points, plus the goals to send once the map is in.
package scenario

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/pathguard/internal/voxelmap"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"
)

const maxFileSize = 1 * 1024 * 1024

// Scenario is the root of a scenario file.
type Scenario struct {
	Name  string `yaml:"name" json:"name"`
	Map   Map    `yaml:"map" json:"map"`
	Goals []Goal `yaml:"goals" json:"goals"`
}

// Map overrides the tuning map settings where set and lists the obstacles.
type Map struct {
	Bound        []float64    `yaml:"bound,omitempty" json:"bound,omitempty"` // xmin, xmax, ymin, ymax, zmin, zmax
	VoxelWidth   float64      `yaml:"voxel_width,omitempty" json:"voxel_width,omitempty"`
	DilateRadius *float64     `yaml:"dilate_radius,omitempty" json:"dilate_radius,omitempty"`
	Spacing      float64      `yaml:"spacing,omitempty" json:"spacing,omitempty"`
	Obstacles    []Obstacle   `yaml:"obstacles,omitempty" json:"obstacles,omitempty"`
	Points       [][3]float64 `yaml:"points,omitempty" json:"points,omitempty"`
}

// Obstacle is a solid axis-aligned box.
type Obstacle struct {
	Min [3]float64 `yaml:"min" json:"min"`
	Max [3]float64 `yaml:"max" json:"max"`
}

// Goal is either a point goal (z set) or a planar pose goal (orientation_z set).
type Goal struct {
	X            float64  `yaml:"x" json:"x"`
	Y            float64  `yaml:"y" json:"y"`
	Z            *float64 `yaml:"z,omitempty" json:"z,omitempty"`
	OrientationZ *float64 `yaml:"orientation_z,omitempty" json:"orientation_z,omitempty"`
}

// GoalSink receives scenario goals. replan.Coordinator satisfies it.
type GoalSink interface {
	HandleGoal(p r3.Vec) error
	HandlePoseGoal(x, y, oz float64) (r3.Vec, error)
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("scenario file must have .yaml or .yml extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("scenario file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", cleanPath, err)
	}
	if s.Name == "" {
		s.Name = filepath.Base(cleanPath)
	}
	return s, nil
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate checks the map overrides, obstacles and goals.
func (s *Scenario) Validate() error {
	m := s.Map
	if len(m.Bound) != 0 {
		if len(m.Bound) != 6 {
			return fmt.Errorf("map.bound must have 6 values, got %d", len(m.Bound))
		}
		for axis := 0; axis < 3; axis++ {
			if !(m.Bound[2*axis+1] > m.Bound[2*axis]) {
				return fmt.Errorf("map.bound axis %d is empty: [%g, %g]", axis, m.Bound[2*axis], m.Bound[2*axis+1])
			}
		}
	}
	if m.VoxelWidth < 0 || !finite(m.VoxelWidth) {
		return fmt.Errorf("map.voxel_width must be positive, got %g", m.VoxelWidth)
	}
	if m.DilateRadius != nil && (*m.DilateRadius < 0 || !finite(*m.DilateRadius)) {
		return fmt.Errorf("map.dilate_radius must be non-negative, got %g", *m.DilateRadius)
	}
	if m.Spacing < 0 || !finite(m.Spacing) {
		return fmt.Errorf("map.spacing must be positive, got %g", m.Spacing)
	}
	for i, o := range m.Obstacles {
		if !finite(o.Min[:]...) || !finite(o.Max[:]...) {
			return fmt.Errorf("map.obstacles[%d] has a non-finite corner", i)
		}
		for axis := 0; axis < 3; axis++ {
			if o.Max[axis] < o.Min[axis] {
				return fmt.Errorf("map.obstacles[%d] max is below min on axis %d", i, axis)
			}
		}
	}
	for i, g := range s.Goals {
		if (g.Z == nil) == (g.OrientationZ == nil) {
			return fmt.Errorf("goals[%d] needs exactly one of z or orientation_z", i)
		}
		if !finite(g.X, g.Y) {
			return fmt.Errorf("goals[%d] is not finite", i)
		}
		if g.OrientationZ != nil && (math.Abs(*g.OrientationZ) > 1 || !finite(*g.OrientationZ)) {
			return fmt.Errorf("goals[%d].orientation_z must be in [-1, 1], got %g", i, *g.OrientationZ)
		}
		if g.Z != nil && !finite(*g.Z) {
			return fmt.Errorf("goals[%d].z is not finite", i)
		}
	}
	return nil
}

// MapConfig applies the scenario's map overrides to base.
func (s *Scenario) MapConfig(base voxelmap.Config) voxelmap.Config {
	cfg := base
	if len(s.Map.Bound) == 6 {
		copy(cfg.Bound[:], s.Map.Bound)
	}
	if s.Map.VoxelWidth > 0 {
		cfg.VoxelWidth = s.Map.VoxelWidth
	}
	if s.Map.DilateRadius != nil {
		cfg.DilateRadius = *s.Map.DilateRadius
	}
	return cfg
}

// PointCloud fills every obstacle box with points spacing apart, including
// its faces, and appends the loose points. A zero spacing uses voxelWidth.
func (s *Scenario) PointCloud(voxelWidth float64) []r3.Vec {
	step := s.Map.Spacing
	if step <= 0 {
		step = voxelWidth
	}
	var pts []r3.Vec
	for _, o := range s.Map.Obstacles {
		xs := samples(o.Min[0], o.Max[0], step)
		ys := samples(o.Min[1], o.Max[1], step)
		zs := samples(o.Min[2], o.Max[2], step)
		for _, x := range xs {
			for _, y := range ys {
				for _, z := range zs {
					pts = append(pts, r3.Vec{X: x, Y: y, Z: z})
				}
			}
		}
	}
	for _, p := range s.Map.Points {
		pts = append(pts, r3.Vec{X: p[0], Y: p[1], Z: p[2]})
	}
	return pts
}

// samples covers [lo, hi] at step and always includes hi.
func samples(lo, hi, step float64) []float64 {
	if !(step > 0) || hi <= lo {
		return []float64{lo}
	}
	n := int(math.Floor((hi - lo) / step))
	out := make([]float64, 0, n+2)
	for i := 0; i <= n; i++ {
		out = append(out, lo+float64(i)*step)
	}
	if hi-out[len(out)-1] > 1e-9 {
		out = append(out, hi)
	}
	return out
}

// SendGoals hands each goal to sink in order and returns the resolved goal
// points. It stops at the first rejected goal.
func (s *Scenario) SendGoals(sink GoalSink) ([]r3.Vec, error) {
	sent := make([]r3.Vec, 0, len(s.Goals))
	for i, g := range s.Goals {
		var (
			p   r3.Vec
			err error
		)
		if g.Z != nil {
			p = r3.Vec{X: g.X, Y: g.Y, Z: *g.Z}
			err = sink.HandleGoal(p)
		} else {
			p, err = sink.HandlePoseGoal(g.X, g.Y, *g.OrientationZ)
		}
		if err != nil {
			return sent, fmt.Errorf("goal %d (%g, %g): %w", i, g.X, g.Y, err)
		}
		sent = append(sent, p)
	}
	return sent, nil
}
