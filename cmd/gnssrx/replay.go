package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"gnssrx/internal/gps"
	"gnssrx/internal/replay"
)

// rawChunkSize splits raw captures, which carry no read boundaries.
const rawChunkSize = 4096

type captureSummary struct {
	Timed       bool
	Segments    int
	Chunks      int
	Bytes       int
	MaxDuration time.Duration
}

func summarizeCapture(records []replay.Record, timed bool) captureSummary {
	s := captureSummary{Timed: timed}
	origin := time.Duration(0)
	for _, r := range records {
		if r.Chunk == nil {
			s.Segments++
			origin = r.At
			continue
		}
		s.Chunks++
		s.Bytes += len(r.Chunk)
		if at := r.At - origin; at > s.MaxDuration {
			s.MaxDuration = at
		}
	}
	if s.Segments == 0 && s.Chunks > 0 {
		s.Segments = 1
	}
	return s
}

// loadCapture reads a timed capture, or splits a raw one into chunks.
func loadCapture(path string) ([]replay.Record, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if replay.IsTimedCapture(b) {
		recs, err := replay.NewReader(bytes.NewReader(b)).ReadAll()
		return recs, true, err
	}
	recs := make([]replay.Record, 0, len(b)/rawChunkSize+1)
	for len(b) > 0 {
		n := min(rawChunkSize, len(b))
		recs = append(recs, replay.Record{Chunk: b[:n]})
		b = b[n:]
	}
	return recs, false, nil
}

type noSleep struct{}

func (noSleep) Sleep(time.Duration) {}

func runReplay(ctx context.Context, path string, f replayFlags, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mode, err := gps.ParseParserMode(f.parser)
	if err != nil {
		return err
	}
	recs, timed, err := loadCapture(path)
	if err != nil {
		return fmt.Errorf("read capture: %w", err)
	}
	sum := summarizeCapture(recs, timed)
	if sum.Chunks == 0 {
		return fmt.Errorf("capture %s holds no data", path)
	}

	var sleeper replay.Sleeper
	if f.fast || !timed {
		sleeper = noSleep{}
	}

	var bar *progressbar.ProgressBar
	if !f.quiet && isTerminal(errOut) {
		bar = progressbar.NewOptions(sum.Bytes,
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionSetDescription("Replaying"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	sess := gps.NewSession(gps.Options{Parser: mode, UTCSource: f.utcSource})
	enc := json.NewEncoder(out)
	err = replay.Play(ctx, recs, f.speed, false, sleeper, func(chunk []byte) error {
		sess.Ingest(chunk)
		if bar != nil {
			_ = bar.Add(len(chunk))
		}
		if obs, fresh := sess.Snapshot(true); fresh {
			return enc.Encode(obs)
		}
		return nil
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	if !f.quiet {
		t := sess.Totals()
		fmt.Fprintf(errOut, "capture=%s timed=%t segments=%d chunks=%d bytes=%d duration=%s\n",
			path, sum.Timed, sum.Segments, sum.Chunks, sum.Bytes, sum.MaxDuration)
		fmt.Fprintf(errOut, "decoded=%d ignored=%d malformed=%d link_alive=%t signal_acquired=%t\n",
			t.Decoded, t.Ignored, t.Malformed, sess.LinkAlive(), sess.SignalAcquired())
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
