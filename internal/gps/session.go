package gps

import (
	"fmt"
	"io"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"gnssrx/internal/framebuf"
)

// Options configures a Session.
type Options struct {
	Parser ParserMode

	// UTCSource limits which message family may write the UTC time and date
	// (e.g. "GGA", "RMC", "TIME"). Empty lets every family write them.
	UTCSource string

	// Diagnostics, when set, receives every ErrMalformedFrame and raw dump
	// failure. It is called synchronously from Feed/Process.
	Diagnostics func(error)

	// Dump, when set, receives a copy of every byte passed to Feed.
	Dump io.Writer

	// Now defaults to time.Now.
	Now func() time.Time
}

// Stats summarizes one Process call.
type Stats struct {
	Decoded   int `json:"decoded"`
	Ignored   int `json:"ignored"`
	Malformed int `json:"malformed"`
}

func (s *Stats) add(o Stats) {
	s.Decoded += o.Decoded
	s.Ignored += o.Ignored
	s.Malformed += o.Malformed
}

// Session turns a raw receiver byte stream into an Observation.
//
// A Session is driven synchronously: callers Feed bytes as they arrive and
// call Process to extract complete frames. Process never blocks and never
// performs I/O other than writing to the optional Dump. A Session is not safe
// for concurrent use; Service wraps one with a mutex.
type Session struct {
	mode  ParserMode
	ex    frameExtractor
	buf   framebuf.Buffer
	asm   assembler
	state stateTracker

	lastGGA string
	totals  Stats

	dump  io.Writer
	diag  func(error)
	nowFn func() time.Time
}

func NewSession(opts Options) *Session {
	s := &Session{
		mode:  opts.Parser,
		ex:    newExtractor(opts.Parser),
		dump:  opts.Dump,
		diag:  opts.Diagnostics,
		nowFn: opts.Now,
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	s.asm.utcSource = opts.UTCSource
	s.asm.obs.Source = opts.Parser.String()
	return s
}

func (s *Session) Mode() ParserMode { return s.mode }

// Feed appends p to the receive buffer.
func (s *Session) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if s.dump != nil {
		if _, err := s.dump.Write(p); err != nil {
			// Stop mirroring; parsing is unaffected.
			s.report(fmt.Errorf("raw dump disabled: %w", err))
			s.dump = nil
		}
	}
	s.buf.Append(p)
}

// Process extracts and decodes every complete frame currently buffered.
// Incomplete trailing bytes stay buffered for the next call.
func (s *Session) Process() Stats {
	var st Stats
	for {
		f, res, err := s.ex.next(&s.buf)
		switch res {
		case scanNeedMore:
			s.totals.add(st)
			return st
		case scanMalformed:
			st.Malformed++
			s.report(err)
			continue
		}

		u, ok, err := s.ex.decode(f)
		if err != nil {
			st.Malformed++
			s.report(err)
			continue
		}
		if !ok {
			st.Ignored++
			continue
		}
		st.Decoded++
		if u.family == nmea.TypeGGA {
			s.lastGGA = f.text
		}
		s.asm.merge(s.nowFn(), u)
		s.state.frameDecoded(u.signal)
	}
}

// Ingest is Feed followed by Process.
func (s *Session) Ingest(p []byte) Stats {
	s.Feed(p)
	return s.Process()
}

// Snapshot returns the current observation and whether it changed since the
// dirty flag was last cleared. reset clears the flag.
func (s *Session) Snapshot(reset bool) (Observation, bool) {
	return s.asm.snapshot(reset)
}

// LastGGA returns the most recent GGA sentence as received (without line
// terminator), or "" if none arrived since the last reset.
func (s *Session) LastGGA(reset bool) string {
	out := s.lastGGA
	if reset {
		s.lastGGA = ""
	}
	return out
}

func (s *Session) LinkAlive() bool { return s.state.st.LinkAlive }

func (s *Session) SignalAcquired() bool { return s.state.st.SignalAcquired }

func (s *Session) State() ConnectionState { return s.state.st }

// Totals are the cumulative Process counts since the session started.
func (s *Session) Totals() Stats { return s.totals }

// Buffered is the number of received bytes not yet consumed by a parser.
func (s *Session) Buffered() int { return s.buf.Len() }

// DiscardBuffered drops all buffered bytes and returns how many were dropped.
func (s *Session) DiscardBuffered() int { return s.buf.Reset() }

// Reset starts a new session on the same parser: buffer, observation, state
// and cached GGA are cleared.
func (s *Session) Reset() {
	s.buf.Reset()
	s.asm.reset()
	s.state.reset()
	s.lastGGA = ""
	s.totals = Stats{}
}

func (s *Session) report(err error) {
	if err != nil && s.diag != nil {
		s.diag(err)
	}
}
