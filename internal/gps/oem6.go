package gps

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"gnssrx/internal/framebuf"
)

// Novatel OEM6 binary framing:
//
//	[0..2]   sync AA 44 12
//	[3]      header length (28 for the long header)
//	[4..5]   message id
//	[6]      message type
//	[7]      port address
//	[8..9]   message length (payload only)
//	[10..11] sequence
//	[12]     idle time
//	[13]     time status
//	[14..15] GPS week
//	[16..19] GPS milliseconds of week
//	[20..23] receiver status
//	header length .. +message length: payload
//	trailing 4 bytes: CRC32 over header+payload
const (
	oem6HeaderLen = 28
	oem6CRCLen    = 4
	// oem6MaxMsgLen rejects headers whose length field is implausible.
	oem6MaxMsgLen = 16384
)

var oem6Sync = []byte{0xAA, 0x44, 0x12}

const (
	oem6MsgBestPos = 42
	oem6MsgBestVel = 99
	oem6MsgTime    = 101
	oem6MsgPsrDOP  = 174
)

// Payload offsets and minimum lengths for the decoded logs.
const (
	bestPosSolStat    = 0
	bestPosPosType    = 4
	bestPosLat        = 8
	bestPosLon        = 16
	bestPosHgt        = 24
	bestPosUndulation = 32
	bestPosSolnSVs    = 65
	bestPosLen        = 72

	bestVelSolStat = 0
	bestVelHorSpd  = 16
	bestVelTrkGnd  = 24
	bestVelVertSpd = 32
	bestVelLen     = 44

	timeUTCYear   = 28
	timeUTCMonth  = 32
	timeUTCDay    = 33
	timeUTCHour   = 34
	timeUTCMin    = 35
	timeUTCMillis = 36
	timeUTCStatus = 40
	timeLen       = 44

	psrDOPPDOP = 4
	psrDOPHDOP = 8
	psrDOPLen  = 28
)

// Solution status and position types used to derive fix quality.
const (
	solComputed = 0

	posNone       = 0
	posFixedPos   = 1
	posSingle     = 16
	posPsrDiff    = 17
	posWAAS       = 18
	posPropagated = 19
	posL1Float    = 32
	posIonoFree   = 33
	posNarrowFlt  = 34
	posL1Int      = 48
	posWideInt    = 49
	posNarrowInt  = 50
)

const knotsPerMS = 3600.0 / 1852.0

// oem6CRC is the Novatel CRC32: reflected polynomial 0xEDB88320 with a zero
// initial register and no final inversion. crc32.Update inverts on entry and
// exit, so pre-invert the seed and post-invert the result.
func oem6CRC(p []byte) uint32 {
	return ^crc32.Update(0xFFFFFFFF, crc32.IEEETable, p)
}

type oem6Extractor struct{}

func (oem6Extractor) next(b *framebuf.Buffer) (frame, scanResult, error) {
	data := b.Bytes()
	start := bytes.Index(data, oem6Sync)
	if start < 0 {
		return frame{}, scanNeedMore, nil
	}
	if start > 0 {
		b.Consume(start)
		data = b.Bytes()
	}
	if len(data) < oem6HeaderLen {
		return frame{}, scanNeedMore, nil
	}

	hdrLen := int(data[3])
	msgLen := int(binary.LittleEndian.Uint16(data[8:10]))
	if hdrLen < oem6HeaderLen || msgLen > oem6MaxMsgLen {
		b.Consume(1)
		return frame{}, scanMalformed, fmt.Errorf("%w: oem6 bad header (hdr=%d len=%d)", ErrMalformedFrame, hdrLen, msgLen)
	}
	body := hdrLen + msgLen
	total := body + oem6CRCLen
	if len(data) < total {
		return frame{}, scanNeedMore, nil
	}

	want := binary.LittleEndian.Uint32(data[body:total])
	if got := oem6CRC(data[:body]); got != want {
		b.Consume(1)
		return frame{}, scanMalformed, fmt.Errorf("%w: oem6 crc mismatch (got %08X want %08X)", ErrMalformedFrame, got, want)
	}

	raw := make([]byte, body)
	copy(raw, data[:body])
	b.Consume(total)
	return frame{raw: raw}, scanFrame, nil
}

func (oem6Extractor) decode(f frame) (fixUpdate, bool, error) {
	raw := f.raw
	hdrLen := int(raw[3])
	id := binary.LittleEndian.Uint16(raw[4:6])
	payload := raw[hdrLen:]

	switch id {
	case oem6MsgBestPos:
		if len(payload) < bestPosLen {
			return fixUpdate{}, false, shortPayload("BESTPOS", len(payload))
		}
		return bestPosUpdate(payload), true, nil
	case oem6MsgBestVel:
		if len(payload) < bestVelLen {
			return fixUpdate{}, false, shortPayload("BESTVEL", len(payload))
		}
		return bestVelUpdate(payload), true, nil
	case oem6MsgTime:
		if len(payload) < timeLen {
			return fixUpdate{}, false, shortPayload("TIME", len(payload))
		}
		return timeUpdate(payload), true, nil
	case oem6MsgPsrDOP:
		if len(payload) < psrDOPLen {
			return fixUpdate{}, false, shortPayload("PSRDOP", len(payload))
		}
		return psrDOPUpdate(payload), true, nil
	}
	return fixUpdate{}, false, nil
}

func shortPayload(name string, n int) error {
	return fmt.Errorf("%w: oem6 %s payload too short (%d bytes)", ErrMalformedFrame, name, n)
}

func bestPosUpdate(p []byte) fixUpdate {
	solStat := le32(p, bestPosSolStat)
	posType := le32(p, bestPosPosType)
	valid := solStat == solComputed && posType != posNone

	u := fixUpdate{family: "BESTPOS", signal: boolp(valid)}
	q := 0
	if valid {
		q = fixQualityFromPosType(posType)
	}
	u.fixQuality = intp(q)
	u.satellites = intp(int(p[bestPosSolnSVs]))
	if !valid {
		return u
	}
	u.lat = f64(leF64(p, bestPosLat))
	u.lon = f64(leF64(p, bestPosLon))
	u.alt = f64(leF64(p, bestPosHgt))
	u.geoidSep = f64(float64(leF32(p, bestPosUndulation)))
	return u
}

// fixQualityFromPosType maps a position type onto the GGA fix quality scale.
func fixQualityFromPosType(t uint32) int {
	switch t {
	case posNone:
		return 0
	case posSingle:
		return 1
	case posPsrDiff, posWAAS:
		return 2
	case posL1Int, posWideInt, posNarrowInt:
		return 4
	case posL1Float, posIonoFree, posNarrowFlt:
		return 5
	case posPropagated:
		return 6
	case posFixedPos:
		return 7
	default:
		return 1
	}
}

func bestVelUpdate(p []byte) fixUpdate {
	u := fixUpdate{family: "BESTVEL"}
	if le32(p, bestVelSolStat) != solComputed {
		return u
	}
	u.speedKt = f64(leF64(p, bestVelHorSpd) * knotsPerMS)
	u.courseDeg = f64(leF64(p, bestVelTrkGnd))
	u.vertSpeedMS = f64(leF64(p, bestVelVertSpd))
	return u
}

func timeUpdate(p []byte) fixUpdate {
	u := fixUpdate{family: "TIME"}
	// 0=invalid, 1=valid, 2=warning (leap seconds not yet known).
	if le32(p, timeUTCStatus) != 1 {
		return u
	}
	ms := int(le32(p, timeUTCMillis))
	u.date = &Date{
		Year:  int(le32(p, timeUTCYear)),
		Month: time.Month(p[timeUTCMonth]),
		Day:   int(p[timeUTCDay]),
	}
	u.utc = &UTCTime{
		Hour:       int(p[timeUTCHour]),
		Minute:     int(p[timeUTCMin]),
		Second:     ms / 1000,
		Nanosecond: (ms % 1000) * int(time.Millisecond),
	}
	return u
}

// PSRDOP carries no VDOP; derive it from PDOP² = HDOP² + VDOP².
func psrDOPUpdate(p []byte) fixUpdate {
	pdop := float64(leF32(p, psrDOPPDOP))
	hdop := float64(leF32(p, psrDOPHDOP))
	u := fixUpdate{family: "PSRDOP", pdop: f64(pdop), hdop: f64(hdop)}
	if d := pdop*pdop - hdop*hdop; d >= 0 {
		u.vdop = f64(math.Sqrt(d))
	}
	return u
}

func le32(p []byte, off int) uint32 { return binary.LittleEndian.Uint32(p[off:]) }

func leF32(p []byte, off int) float32 { return math.Float32frombits(le32(p, off)) }

func leF64(p []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(p[off:]))
}
