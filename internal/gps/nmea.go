package gps

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"gnssrx/internal/framebuf"
)

// maxSentenceLen bounds how long an unterminated sentence may grow before it
// is discarded. NMEA 0183 caps sentences at 82 characters; proprietary
// sentences run longer.
const maxSentenceLen = 512

type nmeaExtractor struct{}

func (nmeaExtractor) next(b *framebuf.Buffer) (frame, scanResult, error) {
	data := b.Bytes()
	start := bytes.IndexByte(data, '$')
	if start < 0 {
		if len(data) > maxSentenceLen {
			n := len(data)
			b.Consume(n)
			return frame{}, scanMalformed, fmt.Errorf("%w: %d bytes without sentence start", ErrMalformedFrame, n)
		}
		return frame{}, scanNeedMore, nil
	}
	if start > 0 {
		// Line noise between sentences.
		b.Consume(start)
		data = b.Bytes()
	}

	end := bytes.IndexByte(data, '\n')
	restart := bytes.IndexByte(data[1:], '$')
	if restart >= 0 {
		restart++
	}
	if restart > 0 && (end < 0 || restart < end) {
		b.Consume(restart)
		return frame{}, scanMalformed, fmt.Errorf("%w: truncated sentence", ErrMalformedFrame)
	}
	if end < 0 {
		if len(data) > maxSentenceLen {
			n := len(data)
			b.Consume(n)
			return frame{}, scanMalformed, fmt.Errorf("%w: unterminated sentence (%d bytes)", ErrMalformedFrame, n)
		}
		return frame{}, scanNeedMore, nil
	}

	line := string(bytes.TrimRight(data[:end], "\r"))
	b.Consume(end + 1)
	if len(line) > maxSentenceLen {
		return frame{}, scanMalformed, fmt.Errorf("%w: sentence too long (%d bytes)", ErrMalformedFrame, len(line))
	}
	if err := checkNMEAChecksum(line); err != nil {
		return frame{}, scanMalformed, err
	}
	return frame{text: line}, scanFrame, nil
}

// checkNMEAChecksum verifies the XOR checksum between '$' and '*' against the
// two hex digits following '*'.
func checkNMEAChecksum(line string) error {
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return fmt.Errorf("%w: missing checksum", ErrMalformedFrame)
	}
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) != 2 {
		return fmt.Errorf("%w: bad checksum %q", ErrMalformedFrame, ck)
	}
	want, err := hex.DecodeString(ck)
	if err != nil {
		return fmt.Errorf("%w: bad checksum %q", ErrMalformedFrame, ck)
	}
	got := byte(0)
	payload := line[1:star]
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return fmt.Errorf("%w: bad checksum (got %02X want %02X)", ErrMalformedFrame, got, want[0])
	}
	return nil
}

// sentenceType normalizes the address field to its last three letters, so
// GPGGA, GNGGA and GLGGA are all GGA.
func sentenceType(line string) string {
	addr := line
	if i := strings.IndexByte(addr, ','); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, '*'); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimPrefix(addr, "$")
	if len(addr) > 3 {
		addr = addr[len(addr)-3:]
	}
	return strings.ToUpper(addr)
}

func (nmeaExtractor) decode(f frame) (fixUpdate, bool, error) {
	typ := sentenceType(f.text)
	switch typ {
	case nmea.TypeGGA, nmea.TypeRMC, nmea.TypeGLL, nmea.TypeGSA:
	default:
		return fixUpdate{}, false, nil
	}

	// The checksum is already verified; hand the decoder an upper-case one.
	line := f.text
	if star := strings.LastIndexByte(line, '*'); star >= 0 {
		line = line[:star+1] + strings.ToUpper(strings.TrimSpace(line[star+1:]))
	}
	quality := ""
	if typ == nmea.TypeGGA {
		line, quality = ggaStandInQuality(line)
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return fixUpdate{}, false, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, typ, err)
	}

	switch m := s.(type) {
	case nmea.GGA:
		return ggaUpdate(m, quality), true, nil
	case nmea.RMC:
		return rmcUpdate(m), true, nil
	case nmea.GLL:
		return gllUpdate(m), true, nil
	case nmea.GSA:
		return gsaUpdate(m), true, nil
	}
	return fixUpdate{}, false, nil
}

// Field positions after the address field.
const (
	ggaFieldQuality    = 5
	ggaFieldSatellites = 6
	ggaFieldHDOP       = 7
	ggaFieldAltitude   = 8
	ggaFieldSeparation = 10

	rmcFieldSpeed  = 6
	rmcFieldCourse = 7

	gsaFieldPDOP = 14
	gsaFieldHDOP = 15
	gsaFieldVDOP = 16
)

// reported tells a blank field from a reported zero; go-nmea decodes both
// as 0.
func reported(fields []string, i int) bool {
	return i < len(fields) && strings.TrimSpace(fields[i]) != ""
}

func reportedF64(fields []string, i int, v float64) *float64 {
	if !reported(fields, i) {
		return nil
	}
	return f64(v)
}

// ggaStandInQuality returns the GGA fix quality as sent, and a line go-nmea
// will accept. go-nmea only knows qualities 0-8, so other numeric values
// (9 is SBAS on several receivers) are swapped for 1 and the checksum is
// recomputed.
func ggaStandInQuality(line string) (string, string) {
	star := strings.LastIndexByte(line, '*')
	if !strings.HasPrefix(line, "$") || star < 0 {
		return line, ""
	}
	fields := strings.Split(line[1:star], ",")
	if len(fields) <= ggaFieldQuality+1 {
		return line, ""
	}
	q := strings.TrimSpace(fields[ggaFieldQuality+1])
	n, err := strconv.Atoi(q)
	if err != nil || (n >= 0 && n <= 8) {
		return line, q
	}
	fields[ggaFieldQuality+1] = "1"
	body := strings.Join(fields, ",")
	return "$" + body + "*" + nmea.Checksum(body), q
}

// GGA: time, position, fix quality (0=invalid), satellites in use, HDOP,
// altitude above MSL and geoid separation. Position is only taken from
// sentences reporting a fix. quality is the raw fix quality field.
func ggaUpdate(m nmea.GGA, quality string) fixUpdate {
	u := fixUpdate{family: nmea.TypeGGA, utc: nmeaTime(m.Time)}
	if quality == "" {
		quality = m.FixQuality
	}
	q, err := strconv.Atoi(strings.TrimSpace(quality))
	if err != nil {
		q = 0
	}
	u.fixQuality = intp(q)
	if reported(m.Fields, ggaFieldSatellites) {
		u.satellites = intp(int(m.NumSatellites))
	}
	u.signal = boolp(q != 0)
	if q == 0 {
		return u
	}
	u.lat = f64(m.Latitude)
	u.lon = f64(m.Longitude)
	u.alt = reportedF64(m.Fields, ggaFieldAltitude, m.Altitude)
	u.geoidSep = reportedF64(m.Fields, ggaFieldSeparation, m.Separation)
	u.hdop = reportedF64(m.Fields, ggaFieldHDOP, m.HDOP)
	return u
}

// RMC: time, validity, position, speed over ground (knots), course, date.
// Void fixes still carry time and date. Stationary receivers often leave the
// course blank.
func rmcUpdate(m nmea.RMC) fixUpdate {
	u := fixUpdate{family: nmea.TypeRMC, utc: nmeaTime(m.Time), date: nmeaDate(m.Date)}
	valid := strings.TrimSpace(m.Validity) == "A"
	u.signal = boolp(valid)
	if !valid {
		return u
	}
	u.lat = f64(m.Latitude)
	u.lon = f64(m.Longitude)
	u.speedKt = reportedF64(m.Fields, rmcFieldSpeed, m.Speed)
	u.courseDeg = reportedF64(m.Fields, rmcFieldCourse, m.Course)
	return u
}

func gllUpdate(m nmea.GLL) fixUpdate {
	u := fixUpdate{family: nmea.TypeGLL, utc: nmeaTime(m.Time)}
	valid := strings.TrimSpace(m.Validity) == "A"
	u.signal = boolp(valid)
	if !valid {
		return u
	}
	u.lat = f64(m.Latitude)
	u.lon = f64(m.Longitude)
	return u
}

// GSA: fix type 1=none, 2=2D, 3=3D, plus the DOP triple.
func gsaUpdate(m nmea.GSA) fixUpdate {
	u := fixUpdate{family: nmea.TypeGSA}
	fix := strings.TrimSpace(m.FixType)
	u.signal = boolp(fix == "2" || fix == "3")
	if fix == "2" || fix == "3" {
		u.pdop = reportedF64(m.Fields, gsaFieldPDOP, m.PDOP)
		u.hdop = reportedF64(m.Fields, gsaFieldHDOP, m.HDOP)
		u.vdop = reportedF64(m.Fields, gsaFieldVDOP, m.VDOP)
	}
	return u
}

func nmeaTime(t nmea.Time) *UTCTime {
	if !t.Valid {
		return nil
	}
	return &UTCTime{Hour: t.Hour, Minute: t.Minute, Second: t.Second, Nanosecond: t.Millisecond * int(time.Millisecond)}
}

func nmeaDate(d nmea.Date) *Date {
	if !d.Valid {
		return nil
	}
	// Two-digit year; receivers in service report 1980 onwards.
	year := 2000 + d.YY
	if d.YY >= 80 {
		year = 1900 + d.YY
	}
	return &Date{Year: year, Month: time.Month(d.MM), Day: d.DD}
}
