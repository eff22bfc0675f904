package gps

import (
	"errors"
	"fmt"
	"strings"

	"gnssrx/internal/framebuf"
)

// ErrMalformedFrame marks a frame that was located in the stream but failed
// validation (checksum, CRC, header sanity, field decoding). Such frames are
// dropped and parsing continues.
var ErrMalformedFrame = errors.New("malformed frame")

// ParserMode selects the framing used for a whole session.
type ParserMode int

const (
	ParserNMEA ParserMode = iota
	ParserNovatelOEM6
)

func (m ParserMode) String() string {
	switch m {
	case ParserNMEA:
		return "NMEA"
	case ParserNovatelOEM6:
		return "NOVATEL_OEM6"
	default:
		return fmt.Sprintf("ParserMode(%d)", int(m))
	}
}

// ParseParserMode accepts the config spellings of a parser mode.
func ParseParserMode(s string) (ParserMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NMEA":
		return ParserNMEA, nil
	case "NOVATEL_OEM6", "OEM6", "NOVATEL":
		return ParserNovatelOEM6, nil
	default:
		return 0, fmt.Errorf("unknown parser %q (want NMEA or NOVATEL_OEM6)", s)
	}
}

type scanResult int

const (
	// scanNeedMore: no complete frame at the head; the caller must wait for
	// more bytes.
	scanNeedMore scanResult = iota
	scanFrame
	scanMalformed
)

// frame is a complete, integrity-checked frame copied out of the buffer.
type frame struct {
	// text is set for NMEA sentences (without line terminator).
	text string
	// raw is set for binary frames (header+payload, without CRC).
	raw []byte
}

// frameExtractor locates the next frame at the head of a buffer. It consumes
// everything it has finished with, including the returned frame.
type frameExtractor interface {
	next(b *framebuf.Buffer) (frame, scanResult, error)
	// decode turns a frame into a fix update. ok is false for message types
	// the session does not interpret.
	decode(f frame) (u fixUpdate, ok bool, err error)
}

func newExtractor(m ParserMode) frameExtractor {
	if m == ParserNovatelOEM6 {
		return &oem6Extractor{}
	}
	return &nmeaExtractor{}
}
