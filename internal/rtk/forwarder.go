// Package rtk forwards externally received RTK correction bytes to a JAVAD
// receiver over its primary port using AIM framing.
//
// The forwarder must be armed (a command negotiation on the shared port)
// before corrections are accepted. Arming is attempted once; there is no
// automatic retry.
package rtk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrForwarderInactive is returned by Forward when the forwarder is not
	// active. Nothing is written.
	ErrForwarderInactive = errors.New("rtk: forwarder inactive")
	// ErrArmFailure wraps any failure of the arming negotiation.
	ErrArmFailure = errors.New("rtk: arm failed")
	// ErrArming is returned by Disarm while an Arm negotiation still owns
	// the port. The state is left unchanged.
	ErrArming = errors.New("rtk: arm negotiation in progress")
)

// State is the forwarder lifecycle state.
type State int

const (
	StateInactive State = iota
	// StateArming: negotiation with the receiver is in progress.
	StateArming
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateArming:
		return "arming"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// aimPrefix marks a correction frame for the receiver's AIM input.
var aimPrefix = []byte(">>")

const defaultReplyTimeout = 2 * time.Second

type Options struct {
	// Format is the correction stream format: cmr, rtcm or rtcm3.
	Format string
	// ReplyTimeout bounds the wait for each command reply.
	ReplyTimeout time.Duration
}

// Forwarder wraps correction bytes as ">>"+data and writes them to sink.
//
// sink is shared with other writers of the port (typically a
// *port.Shared); every Forward is a single Write call. replies is the read
// side of the same port, used only while arming and disarming, before the
// receive loop owns it.
type Forwarder struct {
	sink    io.Writer
	replies io.Reader
	opts    Options

	mu        sync.Mutex
	state     State
	lastErr   error
	forwarded uint64
}

func NewForwarder(sink io.Writer, replies io.Reader, opts Options) *Forwarder {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	return &Forwarder{sink: sink, replies: replies, opts: opts}
}

func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastError is the error of the last failed Arm or Disarm, if any.
func (f *Forwarder) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Forwarded is the number of correction bytes written (excluding prefixes).
func (f *Forwarder) Forwarded() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forwarded
}

// Arm negotiates AIM mode. On success the forwarder is Active; on any
// failure it is Inactive and the error wraps ErrArmFailure.
func (f *Forwarder) Arm(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case StateActive:
		f.mu.Unlock()
		return nil
	case StateArming:
		f.mu.Unlock()
		return fmt.Errorf("%w: negotiation already in progress", ErrArmFailure)
	}
	f.state = StateArming
	f.mu.Unlock()

	err := f.negotiate(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.state = StateInactive
		f.lastErr = fmt.Errorf("%w: %v", ErrArmFailure, err)
		return f.lastErr
	}
	f.state = StateActive
	f.lastErr = nil
	return nil
}

func (f *Forwarder) negotiate(ctx context.Context) error {
	cmds, err := aimArmCommands(f.opts.Format)
	if err != nil {
		return err
	}
	if f.sink == nil || f.replies == nil {
		return fmt.Errorf("no port")
	}
	c := &commander{w: f.sink, r: f.replies, timeout: f.opts.ReplyTimeout}
	for _, cmd := range cmds {
		if err := c.exec(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Disarm returns the receiver port to command mode. The forwarder becomes
// Inactive regardless of whether the receiver acknowledged. It fails with
// ErrArming while an Arm is negotiating, since both would read replies from
// the same port.
func (f *Forwarder) Disarm(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case StateInactive:
		f.mu.Unlock()
		return nil
	case StateArming:
		f.mu.Unlock()
		return ErrArming
	}
	f.state = StateInactive
	f.mu.Unlock()

	c := &commander{w: f.sink, r: f.replies, timeout: f.opts.ReplyTimeout}
	if err := c.exec(ctx, aimDisarmCommand); err != nil {
		err = fmt.Errorf("rtk: disarm: %w", err)
		f.mu.Lock()
		f.lastErr = err
		f.mu.Unlock()
		return err
	}
	return nil
}

// Forward writes ">>"+p to the sink as one write. It fails with
// ErrForwarderInactive, writing nothing, unless the forwarder is Active.
func (f *Forwarder) Forward(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateActive {
		return ErrForwarderInactive
	}
	if len(p) == 0 {
		return nil
	}
	frame := make([]byte, 0, len(aimPrefix)+len(p))
	frame = append(frame, aimPrefix...)
	frame = append(frame, p...)
	if _, err := f.sink.Write(frame); err != nil {
		return fmt.Errorf("rtk: forward: %w", err)
	}
	f.forwarded += uint64(len(p))
	return nil
}
