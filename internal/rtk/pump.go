package rtk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
)

// PumpStats counts what Pump moved.
type PumpStats struct {
	Chunks   uint64
	Bytes    uint64
	Rejected uint64
}

// Pump reads correction bytes from src and forwards every chunk until ctx is
// done or src fails. Chunks refused by the forwarder are counted and dropped;
// the pump keeps reading so a later Arm picks the stream up again. A src
// that returns (0, nil) on timeout is polled again.
func Pump(ctx context.Context, src io.Reader, f *Forwarder) (PumpStats, error) {
	var st PumpStats
	if src == nil || f == nil {
		return st, fmt.Errorf("rtk: pump needs a source and a forwarder")
	}
	buf := make([]byte, 1024)
	loggedInactive := false
	for {
		if ctx.Err() != nil {
			return st, nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			st.Chunks++
			st.Bytes += uint64(n)
			if ferr := f.Forward(buf[:n]); ferr != nil {
				st.Rejected++
				if !errors.Is(ferr, ErrForwarderInactive) {
					log.Printf("rtk forward error: %v", ferr)
				} else if !loggedInactive {
					log.Printf("rtk corrections dropped: forwarder inactive")
					loggedInactive = true
				}
			} else {
				loggedInactive = false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			return st, fmt.Errorf("rtk: correction source: %w", err)
		}
	}
}
