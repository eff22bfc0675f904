package port

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
)

// chunkWriter accepts at most max bytes per call and records each call.
type chunkWriter struct {
	max   int
	buf   bytes.Buffer
	calls int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.buf.Write(p)
}

func TestShared_RetriesShortWrites(t *testing.T) {
	cw := &chunkWriter{max: 3}
	s := NewShared(cw)
	n, err := s.Write([]byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("Write()=(%d,%v) want (10,nil)", n, err)
	}
	if cw.buf.String() != "0123456789" {
		t.Fatalf("unexpected output %q", cw.buf.String())
	}
	if writes, b := s.Stats(); writes != 1 || b != 10 {
		t.Fatalf("Stats()=(%d,%d) want (1,10)", writes, b)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("io failure") }

func TestShared_ErrorReleasesLock(t *testing.T) {
	s := NewShared(failWriter{})
	if err := s.WriteString("a"); err == nil {
		t.Fatalf("expected error")
	}
	// A second write would deadlock if the lock were still held.
	if err := s.WriteString("b"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestShared_ConcurrentWritesDoNotInterleave(t *testing.T) {
	cw := &chunkWriter{max: 2}
	s := NewShared(cw)

	var wg sync.WaitGroup
	for _, msg := range []string{"AAAAAAAA|", "BBBBBBBB|", "CCCCCCCC|"} {
		msg := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := s.WriteString(msg); err != nil {
					t.Errorf("write: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	for _, part := range strings.Split(strings.TrimSuffix(cw.buf.String(), "|"), "|") {
		if len(part) != 8 || strings.Count(part, part[:1]) != 8 {
			t.Fatalf("interleaved write %q", part)
		}
	}
}
