// Package port serializes writes to a receiver port shared by several
// producers (configuration commands, forwarded corrections).
package port

import (
	"fmt"
	"io"
	"sync"
)

// Shared wraps the write side of a device port. Each Write holds the lock
// for exactly one complete write, so bytes from different producers never
// interleave.
type Shared struct {
	mu sync.Mutex
	w  io.Writer

	writes uint64
	bytes  uint64
}

func NewShared(w io.Writer) *Shared {
	return &Shared{w: w}
}

// Write writes all of p or returns an error. Short writes from the
// underlying port are retried until p is drained.
func (s *Shared) Write(p []byte) (int, error) {
	if s == nil || s.w == nil {
		return 0, fmt.Errorf("port: no writer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for total < len(p) {
		n, err := s.w.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	s.writes++
	s.bytes += uint64(total)
	return total, nil
}

// WriteString writes a command line as one locked write.
func (s *Shared) WriteString(cmd string) error {
	_, err := s.Write([]byte(cmd))
	return err
}

// Stats reports completed writes and bytes.
func (s *Shared) Stats() (writes, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.bytes
}
