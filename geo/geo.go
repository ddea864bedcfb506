/*
Package geo provides the geofence engine used for punch admission.

PURPOSE:
  Pure geometry. Great-circle distance between two coordinates, radius
  containment with a GPS tolerance, and multi-fence matching. No state,
  no I/O, safe for concurrent use.

KEY CONCEPTS:
  - Coordinates: latitude/longitude in decimal degrees
  - Geofence:    circular authorized area (center + radius in meters)
  - Engine:      containment checks with a configurable tolerance

MODEL:
  Spherical Earth of radius 6,371,000 m, haversine formula. Good to a few
  meters at the scale of a work site, which is far below consumer GPS error.

TOLERANCE:
  A point is inside when distance <= radius * (1 + tolerance). The default
  0.5% absorbs rounding noise at the boundary; it is configurable because
  some sites want a stricter or looser fence.

SEE ALSO:
  - punch/admission.go: uses Engine for the OUTSIDE_GEOFENCE check
*/
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// DefaultTolerance is the fraction of the radius accepted beyond the fence edge.
const DefaultTolerance = 0.005

// ErrInvalidArgument is returned for out-of-range coordinates or radii.
var ErrInvalidArgument = errors.New("invalid argument")

// =============================================================================
// TYPES
// =============================================================================

// Coordinates is a point on the globe in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Validate checks latitude in [-90,90] and longitude in [-180,180].
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90 degrees", ErrInvalidArgument, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180 degrees", ErrInvalidArgument, c.Longitude)
	}
	return nil
}

func (c Coordinates) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Latitude, c.Longitude)
}

// Geofence is a circular authorized location.
type Geofence struct {
	ID           string
	Label        string
	Center       Coordinates
	RadiusMeters float64
}

// Validate checks the center and that the radius is not negative.
func (g Geofence) Validate() error {
	if err := g.Center.Validate(); err != nil {
		return err
	}
	if math.IsNaN(g.RadiusMeters) || g.RadiusMeters < 0 {
		return fmt.Errorf("%w: radius %v cannot be negative", ErrInvalidArgument, g.RadiusMeters)
	}
	return nil
}

// Match is a fence together with the distance from the tested point to its center.
type Match struct {
	Fence          Geofence
	DistanceMeters float64
	Within         bool
}

// =============================================================================
// DISTANCE & BEARING
// =============================================================================

// Distance returns the haversine great-circle distance in meters.
func Distance(a, b Coordinates) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c, nil
}

// Bearing returns the initial compass bearing from a to b in degrees [0,360).
// Diagnostic only; admission never looks at it.
func Bearing(a, b Coordinates) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	deg := toDegrees(math.Atan2(y, x))
	deg = math.Mod(deg+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg, nil
}

// FormatDistance renders meters for humans: "500m" below a kilometer, "2.8km" above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%dm", int64(math.Round(meters)))
	}
	return fmt.Sprintf("%.1fkm", meters/1000)
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// =============================================================================
// ENGINE
// =============================================================================

// Engine performs fence containment checks.
type Engine struct {
	Tolerance float64
}

// NewEngine returns an engine with the given tolerance fraction.
// A negative tolerance falls back to DefaultTolerance.
func NewEngine(tolerance float64) Engine {
	if tolerance < 0 || math.IsNaN(tolerance) {
		tolerance = DefaultTolerance
	}
	return Engine{Tolerance: tolerance}
}

// Check measures the point against one fence.
func (e Engine) Check(point Coordinates, fence Geofence) (Match, error) {
	if err := fence.Validate(); err != nil {
		return Match{}, err
	}
	d, err := Distance(point, fence.Center)
	if err != nil {
		return Match{}, err
	}
	return Match{
		Fence:          fence,
		DistanceMeters: d,
		Within:         d <= fence.RadiusMeters*(1+e.Tolerance),
	}, nil
}

// IsWithin reports whether point lies inside fence (tolerance applied).
func (e Engine) IsWithin(point Coordinates, fence Geofence) (bool, error) {
	m, err := e.Check(point, fence)
	if err != nil {
		return false, err
	}
	return m.Within, nil
}

// CheckMultiple returns every fence containing the point, in input order.
func (e Engine) CheckMultiple(point Coordinates, fences []Geofence) ([]Match, error) {
	var matches []Match
	for _, f := range fences {
		m, err := e.Check(point, f)
		if err != nil {
			return nil, err
		}
		if m.Within {
			matches = append(matches, m)
		}
	}
	return matches, nil
}

// IsWithinAny returns the closest containing fence, if any.
func (e Engine) IsWithinAny(point Coordinates, fences []Geofence) (Match, bool, error) {
	matches, err := e.CheckMultiple(point, fences)
	if err != nil || len(matches) == 0 {
		return Match{}, false, err
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.DistanceMeters < best.DistanceMeters {
			best = m
		}
	}
	return best, true, nil
}

// Rank measures the point against every fence, nearest first.
func (e Engine) Rank(point Coordinates, fences []Geofence) ([]Match, error) {
	ranked := make([]Match, 0, len(fences))
	for _, f := range fences {
		m, err := e.Check(point, f)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, m)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceMeters < ranked[j].DistanceMeters
	})
	return ranked, nil
}

// Nearest returns the fence whose center is closest to the point.
func (e Engine) Nearest(point Coordinates, fences []Geofence) (Match, bool, error) {
	ranked, err := e.Rank(point, fences)
	if err != nil || len(ranked) == 0 {
		return Match{}, false, err
	}
	return ranked[0], true, nil
}
