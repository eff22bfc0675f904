package gps

import (
	"fmt"
	"time"
)

// UTCTime is a UTC time of day as reported by the receiver.
type UTCTime struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

func (t UTCTime) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", t.Hour, t.Minute, t.Second, t.Nanosecond/int(time.Millisecond))
}

func (t UTCTime) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Date is a UTC calendar date as reported by the receiver.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Observation is the merged view of everything decoded so far in a session.
//
// Pointer fields are nil until some frame has reported them. Values are
// last-write-wins; nothing is averaged or cross-checked between families.
type Observation struct {
	// Timestamp is the local time at which the last merged frame was processed.
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`

	LatDeg    *float64 `json:"lat_deg,omitempty"`
	LonDeg    *float64 `json:"lon_deg,omitempty"`
	AltMSLM   *float64 `json:"alt_msl_m,omitempty"`
	GeoidSepM *float64 `json:"geoid_sep_m,omitempty"`

	FixQuality *int     `json:"fix_quality,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
	VDOP       *float64 `json:"vdop,omitempty"`
	PDOP       *float64 `json:"pdop,omitempty"`

	SpeedKt     *float64 `json:"speed_kt,omitempty"`
	CourseDeg   *float64 `json:"course_deg,omitempty"`
	VertSpeedMS *float64 `json:"vert_speed_ms,omitempty"`

	UTC  *UTCTime `json:"utc,omitempty"`
	Date *Date    `json:"date,omitempty"`
}

// UTCDateTime combines Date and UTC when both are known.
func (o Observation) UTCDateTime() (time.Time, bool) {
	if o.UTC == nil || o.Date == nil {
		return time.Time{}, false
	}
	return time.Date(o.Date.Year, o.Date.Month, o.Date.Day, o.UTC.Hour, o.UTC.Minute, o.UTC.Second, o.UTC.Nanosecond, time.UTC), true
}

// fixUpdate is the content of one decoded frame. Nil fields were not carried
// by that frame.
type fixUpdate struct {
	// family is the message family (GGA, RMC, BESTPOS, ...).
	family string

	lat, lon, alt, geoidSep *float64
	fixQuality, satellites  *int
	hdop, vdop, pdop        *float64
	speedKt, courseDeg      *float64
	vertSpeedMS             *float64
	utc                     *UTCTime
	date                    *Date

	// signal is the frame's fix validity report; nil when it carries none.
	signal *bool
}

type assembler struct {
	obs   Observation
	dirty bool

	// utcSource restricts which family may write UTC/Date. Empty means any.
	utcSource string
}

// merge applies u and reports whether any field was written.
func (a *assembler) merge(now time.Time, u fixUpdate) bool {
	if a.utcSource != "" && u.family != a.utcSource {
		u.utc = nil
		u.date = nil
	}

	wrote := false
	setF := func(dst **float64, v *float64) {
		if v != nil {
			x := *v
			*dst = &x
			wrote = true
		}
	}
	setI := func(dst **int, v *int) {
		if v != nil {
			x := *v
			*dst = &x
			wrote = true
		}
	}

	setF(&a.obs.LatDeg, u.lat)
	setF(&a.obs.LonDeg, u.lon)
	setF(&a.obs.AltMSLM, u.alt)
	setF(&a.obs.GeoidSepM, u.geoidSep)
	setI(&a.obs.FixQuality, u.fixQuality)
	setI(&a.obs.Satellites, u.satellites)
	setF(&a.obs.HDOP, u.hdop)
	setF(&a.obs.VDOP, u.vdop)
	setF(&a.obs.PDOP, u.pdop)
	setF(&a.obs.SpeedKt, u.speedKt)
	setF(&a.obs.CourseDeg, u.courseDeg)
	setF(&a.obs.VertSpeedMS, u.vertSpeedMS)
	if u.utc != nil {
		v := *u.utc
		a.obs.UTC = &v
		wrote = true
	}
	if u.date != nil {
		v := *u.date
		a.obs.Date = &v
		wrote = true
	}

	if wrote {
		a.obs.Timestamp = now
		a.dirty = true
	}
	return wrote
}

// snapshot returns a copy of the observation. Stored pointers are never
// mutated in place, so sharing them with the copy is safe.
func (a *assembler) snapshot(reset bool) (Observation, bool) {
	out, dirty := a.obs, a.dirty
	if reset {
		a.dirty = false
	}
	return out, dirty
}

func (a *assembler) reset() {
	src := a.obs.Source
	a.obs = Observation{Source: src}
	a.dirty = false
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

func boolp(v bool) *bool { return &v }
