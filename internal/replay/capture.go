// Package replay records raw receiver bytes and plays them back.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Timed capture format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are <t_ns>,<hex> where t_ns is nanoseconds since START and
//   hex is one chunk of bytes exactly as read from the receiver.
//
// Keeping read boundaries lets a replay reproduce the chunking the parser
// saw live.

type Record struct {
	At time.Duration
	// Chunk is nil for START markers.
	Chunk []byte
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}

		tsStr, hexStr, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("capture line %d: missing comma", lineNo)
		}
		tsStr = strings.TrimSpace(tsStr)
		hexStr = strings.ReplaceAll(strings.TrimSpace(hexStr), " ", "")
		if tsStr == "" || hexStr == "" {
			return nil, fmt.Errorf("capture line %d: empty field", lineNo)
		}
		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil || tsNs < 0 {
			return nil, fmt.Errorf("capture line %d: bad timestamp %q", lineNo, tsStr)
		}
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("capture line %d: %w", lineNo, err)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Chunk: b})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// IsTimedCapture reports whether head (the first bytes of a file) looks like
// a timed capture rather than raw receiver output.
func IsTimedCapture(head []byte) bool {
	head = bytes.TrimLeft(head, " \t\r\n")
	return bytes.HasPrefix(head, []byte("START")) || bytes.HasPrefix(head, []byte("#"))
}

// Writer appends chunks to a timed capture. It implements io.Writer, stamping
// each Write with the current time, so it can be used directly as a session
// dump sink.
type Writer struct {
	c      io.Closer
	w      *bufio.Writer
	start  time.Time
	now    func() time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter starts a timed capture on wc.
func NewWriter(wc io.WriteCloser) (*Writer, error) {
	bw := bufio.NewWriterSize(wc, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		return nil, err
	}
	return &Writer{c: wc, w: bw, start: time.Now(), now: time.Now}, nil
}

func (ww *Writer) WriteChunk(now time.Time, chunk []byte) error {
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	if len(chunk) == 0 {
		return nil
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(chunk))
	return err
}

func (ww *Writer) Write(p []byte) (int, error) {
	if err := ww.WriteChunk(ww.now(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.c.Close()
		return err
	}
	return ww.c.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play hands each chunk to cb with the capture's relative timing.
//
// START markers reset the origin. speed: 1.0 = real time, 2.0 = twice as
// fast, 0.5 = half speed. Play stops early when ctx is done.
func Play(ctx context.Context, records []Record, speed float64, loop bool, sleeper Sleeper, cb func(chunk []byte) error) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin, lastAt time.Duration
		haveLast := false

		for _, r := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if r.Chunk == nil {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				if wait := time.Duration(float64(at-lastAt) / speed); wait > 0 {
					sleeper.Sleep(wait)
				}
			}
			if err := cb(r.Chunk); err != nil {
				return err
			}
			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}
