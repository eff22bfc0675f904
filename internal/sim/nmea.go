package sim

import (
	"fmt"
	"math"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Sentences renders one epoch as GGA followed by RMC, each terminated by
// CRLF.
func (r Rover) Sentences(now time.Time) []string {
	now = now.UTC()
	lat, lon, track := r.Position(now)
	latS, ns := nmeaAngle(lat, 2, "N", "S")
	lonS, ew := nmeaAngle(lon, 3, "E", "W")
	hms := now.Format("150405.00")

	quality, status := 1, "A"
	if r.NoFix {
		quality, status = 0, "V"
	}
	sats := r.Satellites
	if sats == 0 {
		sats = 8
	}
	hdop := r.HDOP
	if hdop == 0 {
		hdop = 0.9
	}

	gga := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,%d,%02d,%.1f,%.1f,M,0.0,M,,",
		hms, latS, ns, lonS, ew, quality, sats, hdop, r.AltMSLM)
	rmc := fmt.Sprintf("GPRMC,%s,%s,%s,%s,%s,%s,%.1f,%.1f,%s,0.0,E",
		hms, status, latS, ns, lonS, ew, r.SpeedKt(now), track, now.Format("020106"))
	return []string{frame(gga), frame(rmc)}
}

func frame(body string) string {
	return "$" + body + "*" + nmea.Checksum(body) + "\r\n"
}

// nmeaAngle formats deg as [d]ddmm.mmmm with a hemisphere letter.
func nmeaAngle(deg float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	d := math.Floor(deg)
	m := math.Round((deg-d)*60*1e4) / 1e4
	if m >= 60 {
		d++
		m -= 60
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(d), m), hemi
}
