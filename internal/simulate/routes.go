package simulate

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"livetrack/internal/geo"
)

const (
	defaultSpeedKmh   = 30
	defaultIntervalMs = 1000
	defaultAccuracyM  = 5
)

// Vehicle describes one simulated driver moving along a route.
type Vehicle struct {
	DriverID  string      `yaml:"driverId" validate:"required"`
	VehicleID string      `yaml:"vehicleId" validate:"required"`
	RouteID   string      `yaml:"routeId" validate:"required"`
	Waypoints []geo.Point `yaml:"waypoints" validate:"min=2,dive"`

	SpeedKmh   float64 `yaml:"speedKmh" validate:"gt=0,lte=300"`
	IntervalMs int     `yaml:"intervalMs" validate:"gte=50"`
	JitterM    float64 `yaml:"jitterM" validate:"gte=0,lte=500"`
	AccuracyM  float64 `yaml:"accuracyM" validate:"gte=0"`
	// Dropout is the probability that a tick yields no fix.
	Dropout float64 `yaml:"dropout" validate:"gte=0,lt=1"`
	// FailEvery makes every n-th tick report a provider failure.
	FailEvery int   `yaml:"failEvery" validate:"gte=0"`
	Seed      int64 `yaml:"seed"`

	Deny        bool `yaml:"deny"`
	Unsupported bool `yaml:"unsupported"`
}

func (v Vehicle) Interval() time.Duration { return time.Duration(v.IntervalMs) * time.Millisecond }

// File is the routes file: every vehicle and route may appear once.
type File struct {
	Vehicles []Vehicle `yaml:"vehicles" validate:"required,min=1,unique=VehicleID,dive"`
}

// Load reads and validates a routes file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	for i := range f.Vehicles {
		v := &f.Vehicles[i]
		if v.SpeedKmh == 0 {
			v.SpeedKmh = defaultSpeedKmh
		}
		if v.IntervalMs == 0 {
			v.IntervalMs = defaultIntervalMs
		}
		if v.AccuracyM == 0 {
			v.AccuracyM = defaultAccuracyM
		}
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	seen := make(map[string]string, len(f.Vehicles))
	for _, v := range f.Vehicles {
		if other, ok := seen[v.RouteID]; ok {
			return nil, fmt.Errorf("invalid routes: route %q assigned to %s and %s", v.RouteID, other, v.VehicleID)
		}
		seen[v.RouteID] = v.VehicleID
	}
	return &f, nil
}

// Vehicle looks up a vehicle by id.
func (f *File) Vehicle(vehicleID string) (Vehicle, bool) {
	for _, v := range f.Vehicles {
		if v.VehicleID == vehicleID {
			return v, true
		}
	}
	return Vehicle{}, false
}
