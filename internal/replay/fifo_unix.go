//go:build unix

package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const fifoPollInterval = 100 * time.Millisecond

// openFIFO creates path as a named pipe (reusing an existing one) and opens
// it for writing once a reader attaches. It gives up when ctx is done.
func openFIFO(ctx context.Context, path string) (*os.File, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("mkfifo: %w", err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, statErr
		}
		if info.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("%s exists and is not a named pipe", path)
		}
	}

	logged := false
	for {
		// A non-blocking write open fails with ENXIO until a reader exists.
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				unix.Close(fd)
				return nil, fmt.Errorf("open fifo: %w", err)
			}
			return os.NewFile(uintptr(fd), path), nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("open fifo: %w", err)
		}
		if !logged {
			log.Printf("raw dump waiting for reader on %s", path)
			logged = true
		}
		t := time.NewTimer(fifoPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("open fifo: %w", ctx.Err())
		case <-t.C:
		}
	}
}
