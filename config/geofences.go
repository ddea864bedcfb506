package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warp/timeclock/geo"
	"github.com/warp/timeclock/punch"
)

// GeofenceFile is the YAML seed for reference data:
//
//	geofences:
//	  - id: hq
//	    label: Head office
//	    latitude: -23.5505
//	    longitude: -46.6333
//	    radius_meters: 100
//	employees:
//	  - id: emp-1
//	    name: Ana Souza
//	    geofences: [hq]
type GeofenceFile struct {
	Geofences []GeofenceEntry `yaml:"geofences"`
	Employees []EmployeeEntry `yaml:"employees"`
}

type GeofenceEntry struct {
	ID           string  `yaml:"id"`
	Label        string  `yaml:"label"`
	Latitude     float64 `yaml:"latitude"`
	Longitude    float64 `yaml:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

type EmployeeEntry struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Geofences []string `yaml:"geofences"`
}

func (e GeofenceEntry) Geofence() geo.Geofence {
	return geo.Geofence{
		ID:           e.ID,
		Label:        e.Label,
		Center:       geo.Coordinates{Latitude: e.Latitude, Longitude: e.Longitude},
		RadiusMeters: e.RadiusMeters,
	}
}

// LoadGeofenceFile reads and validates a seed file.
func LoadGeofenceFile(path string) (*GeofenceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geofence file: %w", err)
	}
	return ParseGeofenceFile(data)
}

// ParseGeofenceFile decodes and validates seed data. Unknown keys are errors.
func ParseGeofenceFile(data []byte) (*GeofenceFile, error) {
	var file GeofenceFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse geofence file: %w", err)
	}

	known := make(map[string]bool, len(file.Geofences))
	for i, g := range file.Geofences {
		if g.ID == "" {
			return nil, fmt.Errorf("geofence #%d: id is required", i+1)
		}
		if known[g.ID] {
			return nil, fmt.Errorf("geofence %s: duplicate id", g.ID)
		}
		if err := g.Geofence().Validate(); err != nil {
			return nil, fmt.Errorf("geofence %s: %w", g.ID, err)
		}
		known[g.ID] = true
	}
	for i, e := range file.Employees {
		if e.ID == "" {
			return nil, fmt.Errorf("employee #%d: id is required", i+1)
		}
		for _, fid := range e.Geofences {
			if !known[fid] {
				return nil, fmt.Errorf("employee %s: %w: %s", e.ID, punch.ErrGeofenceNotFound, fid)
			}
		}
	}
	return &file, nil
}

// Apply writes the seed into a roster. Existing rows are updated.
func (f *GeofenceFile) Apply(ctx context.Context, roster punch.Roster) error {
	for _, g := range f.Geofences {
		if err := roster.SaveGeofence(ctx, g.Geofence()); err != nil {
			return fmt.Errorf("seed geofence %s: %w", g.ID, err)
		}
	}
	for _, e := range f.Employees {
		id := punch.EmployeeID(e.ID)
		if err := roster.SaveEmployee(ctx, punch.Employee{ID: id, Name: e.Name}); err != nil {
			return fmt.Errorf("seed employee %s: %w", e.ID, err)
		}
		for _, fid := range e.Geofences {
			if err := roster.AssignGeofence(ctx, id, fid); err != nil {
				return fmt.Errorf("seed assignment %s/%s: %w", e.ID, fid, err)
			}
		}
	}
	return nil
}
