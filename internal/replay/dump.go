package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	FormatRaw   = "raw"
	FormatTimed = "timed"
)

// DumpConfig selects where received bytes are mirrored.
type DumpConfig struct {
	Dir    string
	Prefix string
	// Format is FormatRaw (bytes as received) or FormatTimed (capture
	// records that keep read boundaries and timing).
	Format string
	// FIFO creates a named pipe instead of a regular file. Raw format only.
	FIFO bool
}

// DumpName builds <prefix>_<YYYYMMDD_HHMMSS>.gps from the local time now.
func DumpName(prefix string, now time.Time) string {
	return fmt.Sprintf("%s_%s.gps", prefix, now.Format("20060102_150405"))
}

// OpenDump opens the dump sink described by cfg and returns it with its path.
// An empty prefix means dumping is disabled and returns a nil writer. A FIFO
// sink waits for a reader until ctx is done.
func OpenDump(ctx context.Context, cfg DumpConfig, now time.Time) (io.WriteCloser, string, error) {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		return nil, "", nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, DumpName(prefix, now))

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if format == "" {
		format = FormatRaw
	}
	switch format {
	case FormatRaw:
		if cfg.FIFO {
			f, err := openFIFO(ctx, path)
			if err != nil {
				return nil, "", err
			}
			return f, path, nil
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, "", fmt.Errorf("open raw dump: %w", err)
		}
		return f, path, nil
	case FormatTimed:
		if cfg.FIFO {
			return nil, "", fmt.Errorf("fifo dumps must use the %s format", FormatRaw)
		}
		w, err := CreateWriter(path)
		if err != nil {
			return nil, "", fmt.Errorf("open timed dump: %w", err)
		}
		return w, path, nil
	default:
		return nil, "", fmt.Errorf("unknown dump format %q", cfg.Format)
	}
}
