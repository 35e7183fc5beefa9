package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Geofence evaluation errors.
var (
	// ErrLocationUnavailable means the reporter's position could not be acquired
	// (permission denied, timeout, missing coordinates). The caller may retry.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrInvalidCoordinates means a latitude/longitude is non-finite or out of range,
	// or a fence radius is negative.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	// ErrMissingCheckpoint means no checkpoint was selected for the check-in.
	ErrMissingCheckpoint = errors.New("missing checkpoint")
)

// Point is a WGS84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports ErrInvalidCoordinates unless the point is finite with
// lat in [-90, 90] and lng in [-180, 180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidCoordinates)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %g out of range", ErrInvalidCoordinates, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %g out of range", ErrInvalidCoordinates, p.Lng)
	}
	return nil
}

// String formats the point as "lat,lng".
func (p Point) String() string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

// ParsePoint parses a "lat,lng" string such as the SOS location field.
func ParsePoint(s string) (Point, error) {
	latStr, lngStr, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Point{}, fmt.Errorf("%w: expected \"lat,lng\"", ErrInvalidCoordinates)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: latitude: %v", ErrInvalidCoordinates, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return Point{}, fmt.Errorf("%w: longitude: %v", ErrInvalidCoordinates, err)
	}
	p := Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Fence is a circular boundary around a checkpoint.
type Fence struct {
	Center       Point
	RadiusMeters float64
}

// Evaluation is the outcome of checking a reported position against a fence.
// A rejected evaluation is a normal result, not an error.
type Evaluation struct {
	Accepted       bool    `json:"accepted"`
	DistanceMeters float64 `json:"distance_meters"`
	RadiusMeters   float64 `json:"radius_meters"`
}

// Explain renders the evaluation for display, e.g. "you are 340 m away (limit 500 m)".
func (e Evaluation) Explain() string {
	if e.Accepted {
		return fmt.Sprintf("within %s of checkpoint (limit %s)", FormatDistance(e.DistanceMeters), FormatDistance(e.RadiusMeters))
	}
	return fmt.Sprintf("you are %s away (limit %s)", FormatDistance(e.DistanceMeters), FormatDistance(e.RadiusMeters))
}

// Evaluate decides whether reporter lies inside fence. It is pure and safe for concurrent use.
func Evaluate(reporter Point, fence *Fence) (Evaluation, error) {
	if fence == nil {
		return Evaluation{}, ErrMissingCheckpoint
	}
	if err := reporter.Validate(); err != nil {
		return Evaluation{}, err
	}
	if err := fence.Center.Validate(); err != nil {
		return Evaluation{}, fmt.Errorf("checkpoint: %w", err)
	}
	if math.IsNaN(fence.RadiusMeters) || fence.RadiusMeters < 0 {
		return Evaluation{}, fmt.Errorf("%w: radius %g", ErrInvalidCoordinates, fence.RadiusMeters)
	}

	d := Distance(reporter, fence.Center)
	return Evaluation{
		Accepted:       d <= fence.RadiusMeters,
		DistanceMeters: d,
		RadiusMeters:   fence.RadiusMeters,
	}, nil
}

// FormatDistance renders meters as "340 m" below one kilometer and "4.2 km" above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%.0f m", math.Round(meters))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}
