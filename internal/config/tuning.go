package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/pathguard.defaults.json"

// TuningConfig is the root configuration for the safety monitor, the map,
// the planner and the control loop. Every field is optional; the Get*
// accessors supply the default for anything left unset.
type TuningConfig struct {
	// Safety monitor
	SensorHalfAngleDeg *float64 `json:"sensor_half_angle_deg,omitempty"`
	MaxVerifiedRange   *float64 `json:"max_verified_range,omitempty"`
	MaxDecel           *float64 `json:"max_decel,omitempty"`
	ScanEpsilon        *float64 `json:"scan_epsilon,omitempty"`
	ScanStep           *float64 `json:"scan_step,omitempty"`

	// Occupancy map: [xmin, xmax, ymin, ymax, zmin, zmax]
	MapBound     []float64 `json:"map_bound,omitempty"`
	VoxelWidth   *float64  `json:"voxel_width,omitempty"`
	DilateRadius *float64  `json:"dilate_radius,omitempty"`

	// Planner
	MaxVelMag       *float64 `json:"max_vel_mag,omitempty"`
	MaxTiltAngleDeg *float64 `json:"max_tilt_angle_deg,omitempty"`
	MaxBodyRate     *float64 `json:"max_body_rate,omitempty"`
	MinThrust       *float64 `json:"min_thrust,omitempty"`
	MaxThrust       *float64 `json:"max_thrust,omitempty"`
	WeightT         *float64 `json:"weight_t,omitempty"`
	CorridorRange   *float64 `json:"corridor_range,omitempty"`

	// Vehicle
	VehicleMass *float64 `json:"vehicle_mass,omitempty"`
	GravAcc     *float64 `json:"grav_acc,omitempty"`

	// Control loop
	LoopHz            *float64 `json:"loop_hz,omitempty"`
	StatusLogInterval *string  `json:"status_log_interval,omitempty"` // duration string like "1s"
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file fall back to their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file cannot
// be loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	if c.SensorHalfAngleDeg != nil {
		if v := *c.SensorHalfAngleDeg; v < 0 || v > 180 {
			return fmt.Errorf("sensor_half_angle_deg must be between 0 and 180, got %f", v)
		}
	}
	for name, v := range map[string]*float64{
		"max_verified_range": c.MaxVerifiedRange,
		"max_decel":          c.MaxDecel,
		"scan_step":          c.ScanStep,
		"voxel_width":        c.VoxelWidth,
		"max_vel_mag":        c.MaxVelMag,
		"vehicle_mass":       c.VehicleMass,
		"grav_acc":           c.GravAcc,
		"loop_hz":            c.LoopHz,
	} {
		if v != nil && (*v <= 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be positive and finite, got %f", name, *v)
		}
	}
	for name, v := range map[string]*float64{
		"scan_epsilon":   c.ScanEpsilon,
		"dilate_radius":  c.DilateRadius,
		"weight_t":       c.WeightT,
		"corridor_range": c.CorridorRange,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.MaxTiltAngleDeg != nil {
		if v := *c.MaxTiltAngleDeg; v <= 0 || v >= 90 {
			return fmt.Errorf("max_tilt_angle_deg must be between 0 and 90 exclusive, got %f", v)
		}
	}
	if c.MinThrust != nil && c.MaxThrust != nil && *c.MinThrust > *c.MaxThrust {
		return fmt.Errorf("min_thrust (%f) exceeds max_thrust (%f)", *c.MinThrust, *c.MaxThrust)
	}

	if c.MapBound != nil {
		if len(c.MapBound) != 6 {
			return fmt.Errorf("map_bound must have 6 entries, got %d", len(c.MapBound))
		}
		for i := 0; i < 6; i += 2 {
			if c.MapBound[i] >= c.MapBound[i+1] {
				return fmt.Errorf("map_bound[%d]=%f must be less than map_bound[%d]=%f",
					i, c.MapBound[i], i+1, c.MapBound[i+1])
			}
		}
	}

	if c.StatusLogInterval != nil && *c.StatusLogInterval != "" {
		if _, err := time.ParseDuration(*c.StatusLogInterval); err != nil {
			return fmt.Errorf("invalid status_log_interval '%s': %w", *c.StatusLogInterval, err)
		}
	}

	return nil
}

// GetSensorHalfAngleDeg returns the sensor cone half-angle in degrees.
func (c *TuningConfig) GetSensorHalfAngleDeg() float64 {
	if c.SensorHalfAngleDeg == nil {
		return 40.0
	}
	return *c.SensorHalfAngleDeg
}

// GetMaxVerifiedRange returns the maximum range along boresight in metres.
func (c *TuningConfig) GetMaxVerifiedRange() float64 {
	if c.MaxVerifiedRange == nil {
		return 4.0
	}
	return *c.MaxVerifiedRange
}

// GetMaxDecel returns the assumed maximum deceleration in m/s².
func (c *TuningConfig) GetMaxDecel() float64 {
	if c.MaxDecel == nil {
		return 4.0
	}
	return *c.MaxDecel
}

// GetScanEpsilon returns the offset past the verified point at which the scan starts.
func (c *TuningConfig) GetScanEpsilon() float64 {
	if c.ScanEpsilon == nil {
		return 0.01
	}
	return *c.ScanEpsilon
}

// GetScanStep returns the trajectory-time step of the forward scan.
func (c *TuningConfig) GetScanStep() float64 {
	if c.ScanStep == nil {
		return 0.05
	}
	return *c.ScanStep
}

// GetMapBound returns [xmin, xmax, ymin, ymax, zmin, zmax].
func (c *TuningConfig) GetMapBound() [6]float64 {
	if len(c.MapBound) != 6 {
		return [6]float64{-25, 25, -25, 25, 0, 5}
	}
	var b [6]float64
	copy(b[:], c.MapBound)
	return b
}

// GetVoxelWidth returns the voxel edge length in metres.
func (c *TuningConfig) GetVoxelWidth() float64 {
	if c.VoxelWidth == nil {
		return 0.25
	}
	return *c.VoxelWidth
}

// GetDilateRadius returns the obstacle inflation radius in metres.
func (c *TuningConfig) GetDilateRadius() float64 {
	if c.DilateRadius == nil {
		return 0.5
	}
	return *c.DilateRadius
}

// GetMaxVelMag returns the planner's velocity magnitude bound.
func (c *TuningConfig) GetMaxVelMag() float64 {
	if c.MaxVelMag == nil {
		return 4.0
	}
	return *c.MaxVelMag
}

// GetMaxTiltAngleDeg returns the maximum tilt angle in degrees.
func (c *TuningConfig) GetMaxTiltAngleDeg() float64 {
	if c.MaxTiltAngleDeg == nil {
		return 30.0
	}
	return *c.MaxTiltAngleDeg
}

// GetMaxBodyRate returns the body-rate magnitude bound in rad/s.
func (c *TuningConfig) GetMaxBodyRate() float64 {
	if c.MaxBodyRate == nil {
		return 2.1
	}
	return *c.MaxBodyRate
}

// GetMinThrust returns the minimum collective thrust in newtons.
func (c *TuningConfig) GetMinThrust() float64 {
	if c.MinThrust == nil {
		return 2.0
	}
	return *c.MinThrust
}

// GetMaxThrust returns the maximum collective thrust in newtons.
func (c *TuningConfig) GetMaxThrust() float64 {
	if c.MaxThrust == nil {
		return 12.0
	}
	return *c.MaxThrust
}

// GetWeightT returns the time weight of the trajectory cost.
func (c *TuningConfig) GetWeightT() float64 {
	if c.WeightT == nil {
		return 20.0
	}
	return *c.WeightT
}

// GetCorridorRange returns how far corridor boxes may grow past the route, in metres.
func (c *TuningConfig) GetCorridorRange() float64 {
	if c.CorridorRange == nil {
		return 3.0
	}
	return *c.CorridorRange
}

// GetVehicleMass returns the vehicle mass in kilograms.
func (c *TuningConfig) GetVehicleMass() float64 {
	if c.VehicleMass == nil {
		return 0.61
	}
	return *c.VehicleMass
}

// GetGravAcc returns the gravitational acceleration in m/s².
func (c *TuningConfig) GetGravAcc() float64 {
	if c.GravAcc == nil {
		return 9.8
	}
	return *c.GravAcc
}

// GetLoopHz returns the control loop tick rate.
func (c *TuningConfig) GetLoopHz() float64 {
	if c.LoopHz == nil {
		return 200
	}
	return *c.LoopHz
}

// GetStatusLogInterval parses and returns StatusLogInterval.
func (c *TuningConfig) GetStatusLogInterval() time.Duration {
	if c.StatusLogInterval == nil || *c.StatusLogInterval == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.StatusLogInterval)
	if err != nil {
		return time.Second
	}
	return d
}
