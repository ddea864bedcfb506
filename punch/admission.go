/*
admission.go - Decides whether a punch may be recorded

CHECKS (in order, first failure wins):
  1. Rate limit     timestamp - last punch < MinInterval       -> TOO_SOON
  2. State machine  day complete / requested type out of turn  -> DAY_COMPLETE / INVALID_SEQUENCE
  3. Geofence       coords invalid                             -> ErrInvalidArgument
                    fences assigned but no coords              -> LOCATION_REQUIRED
                    coords outside every assigned fence        -> OUTSIDE_GEOFENCE

The controller is pure: the ledger loads the snapshot (last punch, today's
punches, employee) inside the write transaction and hands it over. That keeps
the read-check-write sequence atomic without the controller knowing about
storage.
*/
package punch

import (
	"time"

	"github.com/warp/timeclock/geo"
)

// DefaultMinInterval is the minimum spacing between two punches of one employee.
const DefaultMinInterval = 60 * time.Second

type AdmissionController struct {
	MinInterval time.Duration
	Geofence    geo.Engine
}

func NewAdmissionController(minInterval time.Duration, engine geo.Engine) *AdmissionController {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &AdmissionController{MinInterval: minInterval, Geofence: engine}
}

// AdmissionInput is the consistent snapshot a decision is made on.
type AdmissionInput struct {
	Employee    Employee
	Requested   Type
	Timestamp   time.Time
	Coordinates *geo.Coordinates
	// LastPunch is the employee's most recent punch on any day, nil if none.
	LastPunch *Record
	// Today holds the employee's punches on the timestamp's calendar day, time-ordered.
	Today []Record
}

// Decision is a successful admission.
type Decision struct {
	Type  Type
	Fence *FenceResult
}

// CanPunch applies the rate limit alone.
func (c *AdmissionController) CanPunch(last *Record, at time.Time) bool {
	if last == nil {
		return true
	}
	return at.Sub(last.Timestamp) >= c.MinInterval
}

// Admit runs every check. Rejections are returned as *Rejection.
func (c *AdmissionController) Admit(in AdmissionInput) (Decision, error) {
	if !c.CanPunch(in.LastPunch, in.Timestamp) {
		elapsed := in.Timestamp.Sub(in.LastPunch.Timestamp)
		if elapsed < 0 {
			return Decision{}, reject(ReasonTooSoon, "timestamp precedes the last punch (nsr %d)", in.LastPunch.SequenceNumber)
		}
		return Decision{}, reject(ReasonTooSoon, "last punch was %s ago, minimum interval is %s",
			elapsed.Truncate(time.Second), c.MinInterval)
	}

	resolved, err := Resolve(in.Today, in.Requested)
	if err != nil {
		return Decision{}, err
	}

	fence, err := c.checkLocation(in.Employee, in.Coordinates)
	if err != nil {
		return Decision{}, err
	}

	return Decision{Type: resolved, Fence: fence}, nil
}

func (c *AdmissionController) checkLocation(emp Employee, coords *geo.Coordinates) (*FenceResult, error) {
	if coords != nil {
		if err := coords.Validate(); err != nil {
			return nil, err
		}
	}
	if !emp.LocationRequired() {
		return nil, nil
	}
	if coords == nil {
		return nil, reject(ReasonLocationRequired, "employee %s must punch from an authorized location", emp.ID)
	}

	match, ok, err := c.Geofence.IsWithinAny(*coords, emp.Geofences)
	if err != nil {
		return nil, err
	}
	if ok {
		return &FenceResult{
			ID:             match.Fence.ID,
			Label:          match.Fence.Label,
			DistanceMeters: match.DistanceMeters,
		}, nil
	}

	rej := reject(ReasonOutsideGeofence, "%s is outside every authorized location", coords)
	if nearest, found, err := c.Geofence.Nearest(*coords, emp.Geofences); err == nil && found {
		rej.Nearest = &nearest
		rej.Message = "nearest authorized location " + nearest.Fence.Label +
			" is " + geo.FormatDistance(nearest.DistanceMeters) + " away"
	}
	return nil, rej
}
