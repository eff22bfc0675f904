package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"gnssrx/internal/replay"
	"gnssrx/internal/sim"
)

type simulateFlags struct {
	port     string
	baud     int
	out      string
	timed    bool
	fast     bool
	interval time.Duration
	count    int

	lat, lon, alt, radius float64
	period                time.Duration
	sats                  int
	noFix                 bool
}

func (f simulateFlags) rover() sim.Rover {
	return sim.Rover{
		CenterLatDeg: f.lat,
		CenterLonDeg: f.lon,
		AltMSLM:      f.alt,
		RadiusM:      f.radius,
		Period:       f.period,
		Satellites:   f.sats,
		NoFix:        f.noFix,
	}
}

// nopWriteCloser keeps runSimulate from closing stdout.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// runSimulate writes rover NMEA to a serial port, a file or stdout. With
// timed, the output is a capture that `replay` plays back with its original
// pacing.
func runSimulate(ctx context.Context, f simulateFlags, open deviceOpener, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.interval <= 0 {
		return fmt.Errorf("--interval must be > 0")
	}
	if f.port != "" && f.out != "" {
		return fmt.Errorf("--port and --out are mutually exclusive")
	}
	if f.timed && f.port != "" {
		return fmt.Errorf("--timed needs --out or stdout")
	}

	var wc io.WriteCloser
	switch {
	case f.port != "":
		if open == nil {
			open = openSerialDevice
		}
		p, err := open(f.port, f.baud, 0)
		if err != nil {
			return err
		}
		wc = p
		log.Printf("simulating rover on port=%s baud=%d", f.port, f.baud)
	case f.out != "":
		file, err := os.Create(f.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", f.out, err)
		}
		wc = file
	default:
		wc = nopWriteCloser{stdout}
	}

	emit := func(_ time.Time, p []byte) error {
		_, err := wc.Write(p)
		return err
	}
	if f.timed {
		tw, err := replay.NewWriter(wc)
		if err != nil {
			_ = wc.Close()
			return err
		}
		wc = tw
		emit = tw.WriteChunk
	}

	err := roverStream(ctx, f.rover(), time.Now(), f.interval, f.count, !f.fast, emit)
	if cerr := wc.Close(); err == nil {
		err = cerr
	}
	return err
}

// roverStream emits one epoch of sentences per interval starting at start.
// count <= 0 runs until ctx is done. Without pace, epochs are generated
// back to back with simulated timestamps.
func roverStream(ctx context.Context, r sim.Rover, start time.Time, interval time.Duration, count int, pace bool, emit func(at time.Time, p []byte) error) error {
	var tick <-chan time.Time
	if pace {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for i := 0; count <= 0 || i < count; i++ {
		if i > 0 && tick != nil {
			select {
			case <-ctx.Done():
			case <-tick:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		at := start.Add(time.Duration(i) * interval)
		if err := emit(at, []byte(strings.Join(r.Sentences(at), ""))); err != nil {
			return fmt.Errorf("simulate: %w", err)
		}
	}
	return nil
}
