package sim

import (
	"math"
	"time"
)

const (
	metersPerDegLat = 111320.0
	ktPerMS         = 1.943844
)

// Rover is a deterministic receiver simulator. It flies a figure-eight
// around a center point; every output is a pure function of the time.
type Rover struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltMSLM      float64
	RadiusM      float64
	Period       time.Duration

	// Satellites and HDOP are reported as-is in GGA. Zero Satellites means 8.
	Satellites int
	HDOP       float64
	// NoFix reports GGA quality 0 and RMC status V.
	NoFix bool
}

func (r Rover) period() time.Duration {
	if r.Period <= 0 {
		return 120 * time.Second
	}
	return r.Period
}

func (r Rover) radius() float64 {
	if r.RadiusM <= 0 {
		return 500
	}
	return r.RadiusM
}

func (r Rover) phase(now time.Time) float64 {
	p := r.period()
	return 2 * math.Pi * float64(now.UnixNano()%p.Nanoseconds()) / float64(p.Nanoseconds())
}

// Position returns the track around the center:
//
//	x = R cos(w)       (east)
//	y = R/2 sin(2w)    (north)
//
// so the rover stays within RadiusM of the center.
func (r Rover) Position(now time.Time) (latDeg, lonDeg, trackDeg float64) {
	w := r.phase(now)
	radiusDeg := r.radius() / metersPerDegLat

	latDeg = r.CenterLatDeg + radiusDeg*0.5*math.Sin(2*w)
	lonDeg = r.CenterLonDeg + radiusDeg*math.Cos(w)/math.Cos(r.CenterLatDeg*math.Pi/180.0)

	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	trackDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, trackDeg
}

// SpeedKt is the ground speed along the track at now.
func (r Rover) SpeedKt(now time.Time) float64 {
	w := r.phase(now)
	omega := 2 * math.Pi / r.period().Seconds()
	vx := -math.Sin(w)
	vy := math.Cos(2 * w)
	return r.radius() * omega * math.Hypot(vx, vy) * ktPerMS
}
