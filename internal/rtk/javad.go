package rtk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxReplyLines bounds how many unrelated lines (NMEA chatter, echoes) may
// be skipped while waiting for a command reply.
const maxReplyLines = 10

var errReplyTimeout = errors.New("timed out waiting for reply")

// Correction formats accepted by the receiver's AIM input.
var aimFormats = map[string]string{
	"cmr":   "cmr",
	"rtcm":  "rtcm",
	"rtcm2": "rtcm",
	"rtcm3": "rtcm3",
}

// aimArmCommands switches the current terminal into JPS input mode with
// frames prefixed by ">>" carrying corrections in format, and makes the
// current terminal the differential source.
func aimArmCommands(format string) ([]string, error) {
	f, ok := aimFormats[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return nil, fmt.Errorf("unsupported correction format %q (want cmr, rtcm or rtcm3)", format)
	}
	return []string{
		"%%set,/par/cur/term/imode,cmd\r\n",
		"%%set,/par/cur/term/jps/0,{nscmd,37,n,\"\"}\r\n",
		fmt.Sprintf("%%%%set,/par/cur/term/jps/1,{%s,-1,y,\">>\"}\r\n", f),
		"%%set,/par/cur/term/jps/2,{none,-1,n,\"\"}\r\n",
		"%%set,/par/pos/pd/port,/cur/term\r\n",
		"%%set,/par/cur/term/imode,jps\r\n",
	}, nil
}

// aimDisarmCommand returns the current terminal to plain command input.
const aimDisarmCommand = "%%set,/par/cur/term/imode,cmd\r\n"

// commander runs a command/reply exchange with a JAVAD receiver: write one
// command line, then wait for a line starting with RE (accepted) or ER
// (rejected).
type commander struct {
	w       io.Writer
	r       io.Reader
	timeout time.Duration

	pending []byte
}

func (c *commander) exec(ctx context.Context, cmd string) error {
	if _, err := c.w.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("write %q: %w", strings.TrimSpace(cmd), err)
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for i := 0; i < maxReplyLines; i++ {
		line, err := c.readLine(ctx, deadline)
		if err != nil {
			return fmt.Errorf("%q: %w", strings.TrimSpace(cmd), err)
		}
		switch {
		case strings.HasPrefix(line, "RE"):
			return nil
		case strings.HasPrefix(line, "ER"):
			return fmt.Errorf("%q rejected: %s", strings.TrimSpace(cmd), line)
		}
	}
	return fmt.Errorf("%q: no reply within %d lines", strings.TrimSpace(cmd), maxReplyLines)
}

// readLine returns the next non-empty line. Reads from the port are expected
// to time out on their own (serial ports return (0, nil)); the deadline is
// checked between reads.
func (c *commander) readLine(ctx context.Context, deadline time.Time) (string, error) {
	tmp := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(c.pending[:i]))
			c.pending = c.pending[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errReplyTimeout
		}
		n, err := c.r.Read(tmp)
		c.pending = append(c.pending, tmp[:n]...)
		if err != nil {
			return "", err
		}
	}
}
