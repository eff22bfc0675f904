package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the receiver driver.
//
// Device and Baud are informational here (they are reported in snapshots);
// the caller opens the byte source. MaxBuffered caps how many unparsed bytes
// may accumulate before the buffer is discarded; zero disables the cap.
type Config struct {
	Device      string
	Baud        int
	MaxBuffered int

	Session Options
}

// Snapshot is the driver's externally visible state.
type Snapshot struct {
	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`
	Parser string `json:"parser"`

	Observation Observation     `json:"observation"`
	State       ConnectionState `json:"state"`
	Totals      Stats           `json:"totals"`

	Buffered       int    `json:"buffered_bytes"`
	DiscardedBytes uint64 `json:"discarded_bytes,omitempty"`
	DroppedUpdates uint64 `json:"dropped_updates,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	UpdatedUTC     string `json:"updated_utc,omitempty"`
}

// UpdateFunc is called after every read that decoded at least one frame.
// Callbacks run on their own goroutine, in order, never on the read path.
type UpdateFunc func(obs Observation, st ConnectionState)

// updateQueueLen bounds the updates waiting for slow callbacks; newer
// updates are dropped while it is full.
const updateQueueLen = 32

type update struct {
	obs   Observation
	state ConnectionState
}

// Service drives a Session from a byte source: one goroutine reads, the Run
// loop feeds and processes. All Session access happens under mu.
type Service struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last    atomic.Value // Snapshot
	dropped atomic.Uint64

	mu        sync.Mutex
	sess      *Session
	discarded uint64
	lastErr   string
	onUpdate  []UpdateFunc
}

func NewService(cfg Config) *Service {
	s := &Service{cfg: cfg}
	opts := cfg.Session
	userDiag := opts.Diagnostics
	opts.Diagnostics = func(err error) {
		// Called from Ingest with mu held.
		s.lastErr = err.Error()
		if userDiag != nil {
			userDiag(err)
		}
	}
	s.sess = NewSession(opts)
	s.publishLocked()
	return s
}

// OnUpdate registers fn; it must be called before Start/Run.
func (s *Service) OnUpdate(fn UpdateFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = append(s.onUpdate, fn)
}

// readerStopWait bounds how long Run waits for its reader after returning.
const readerStopWait = 2 * SerialReadTimeout

type readResult struct {
	data []byte
	err  error
}

// Run reads src until ctx is done or src fails. A clean end of input
// (io.EOF) returns nil.
func (s *Service) Run(ctx context.Context, src io.Reader) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if src == nil {
		return fmt.Errorf("gps source is nil")
	}

	s.mu.Lock()
	fns := append([]UpdateFunc(nil), s.onUpdate...)
	s.mu.Unlock()
	updates := make(chan update, updateQueueLen)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for u := range updates {
			for _, fn := range fns {
				fn(u.obs, u.state)
			}
		}
	}()
	defer func() {
		close(updates)
		<-dispatchDone
	}()

	readCh := make(chan readResult, 16)
	readerDone := make(chan struct{})
	defer func() {
		// Give a reader with a read timeout the chance to notice cancellation,
		// so the port is free for whoever talks to the receiver next.
		select {
		case <-readerDone:
		case <-time.After(readerStopWait):
		}
	}()
	go func() {
		defer close(readerDone)
		buf := make([]byte, 4096)
		for ctx.Err() == nil {
			n, err := src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case readCh <- readResult{data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readCh <- readResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-readCh:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return nil
				}
				s.setError(fmt.Sprintf("gps read stopped: %v", r.err))
				return fmt.Errorf("gps read: %w", r.err)
			}
			u, ok := s.ingest(r.data)
			if !ok || len(fns) == 0 {
				continue
			}
			select {
			case updates <- u:
			default:
				if s.dropped.Add(1) == 1 {
					log.Printf("gps update callbacks falling behind; dropping updates")
				}
			}
		}
	}
}

// Start runs the driver in the background until Close.
func (s *Service) Start(ctx context.Context, src io.Reader) error {
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("gps enabled device=%s baud=%d parser=%s", s.cfg.Device, s.cfg.Baud, s.cfg.Session.Parser)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(childCtx, src); err != nil {
			log.Printf("gps stopped: %v", err)
		}
	}()
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// ingest feeds p and reports the update to hand to callbacks, if any frame
// was decoded.
func (s *Service) ingest(p []byte) (update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sess.Ingest(p)
	if limit := s.cfg.MaxBuffered; limit > 0 && s.sess.Buffered() > limit {
		n := s.sess.DiscardBuffered()
		s.discarded += uint64(n)
		log.Printf("gps buffer watchdog: discarded %d unparsed bytes (limit %d)", n, limit)
	}
	s.publishLocked()
	if st.Decoded == 0 {
		return update{}, false
	}
	obs, _ := s.sess.Snapshot(false)
	return update{obs: obs, state: s.sess.State()}, true
}

func (s *Service) publishLocked() {
	obs, _ := s.sess.Snapshot(false)
	snap := Snapshot{
		Device:         s.cfg.Device,
		Baud:           s.cfg.Baud,
		Parser:         s.sess.Mode().String(),
		Observation:    obs,
		State:          s.sess.State(),
		Totals:         s.sess.Totals(),
		Buffered:       s.sess.Buffered(),
		DiscardedBytes: s.discarded,
		DroppedUpdates: s.dropped.Load(),
		LastError:      s.lastErr,
	}
	if !obs.Timestamp.IsZero() {
		snap.UpdatedUTC = obs.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	s.last.Store(snap)
}

// Snapshot returns the last published driver state without blocking on the
// processing loop.
func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v := s.last.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}

// LastGGA is Session.LastGGA under the driver lock.
func (s *Service) LastGGA(reset bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.LastGGA(reset)
}

func (s *Service) LinkAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.LinkAlive()
}

func (s *Service) SignalAcquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.SignalAcquired()
}

// Restart resets the session (buffer, observation, link/signal state).
func (s *Service) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Reset()
	s.lastErr = ""
	s.publishLocked()
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = msg
	s.publishLocked()
}
