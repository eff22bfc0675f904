package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCaster accepts one connection, records the request headers, answers
// with status and payload, then reports the first line the client uploads.
func fakeCaster(t *testing.T, status string, payload []byte) (addr string, headers <-chan []string, uploads <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	hdrCh := make(chan []string, 1)
	upCh := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var hdr []string
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			hdr = append(hdr, line)
		}
		hdrCh <- hdr
		_, _ = conn.Write([]byte(status + "\r\n"))
		_, _ = conn.Write(payload)
		line, err := br.ReadString('\n')
		if err == nil {
			upCh <- strings.TrimRight(line, "\r\n")
		}
		// Hold the connection until the client goes away.
		_, _ = br.ReadByte()
	}()
	return ln.Addr().String(), hdrCh, upCh
}

func TestClient_StreamsCorrectionsAndUploadsGGA(t *testing.T) {
	payload := []byte{0xD3, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
	addr, headers, uploads := fakeCaster(t, "ICY 200 OK", payload)

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	sink := func(p []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p...)
		if len(got) == len(payload) {
			close(done)
		}
		return nil
	}
	const gga = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"

	c := NewClient(Config{Addr: addr, Mountpoint: "/RTCM3", User: "rover", Password: "secret", GGAInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx, sink, func() string { return gga }) }()

	select {
	case hdr := <-headers:
		if len(hdr) == 0 || hdr[0] != "GET /RTCM3 HTTP/1.0" {
			t.Fatalf("unexpected request line %v", hdr)
		}
		want := "Authorization: Basic " + base64.StdEncoding.EncodeToString([]byte("rover:secret"))
		found := false
		for _, h := range hdr {
			if h == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing %q in %v", want, hdr)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for request")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for corrections")
	}
	select {
	case line := <-uploads:
		if line != gga {
			t.Fatalf("uploaded %q want %q", line, gga)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for GGA upload")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := c.Stats()
	if st.Connects != 1 || st.Bytes != uint64(len(payload)) {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestClient_SinkErrorsAreCounted(t *testing.T) {
	addr, _, _ := fakeCaster(t, "ICY 200 OK", []byte("abc"))
	errInactive := errors.New("inactive")
	seen := make(chan struct{}, 1)
	sink := func([]byte) error {
		select {
		case seen <- struct{}{}:
		default:
		}
		return errInactive
	}

	c := NewClient(Config{Addr: addr, Mountpoint: "M", GGAInterval: -1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx, sink, nil) }()

	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for sink")
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().SinkErrors == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sink error not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_HandshakeRejectsSourceTable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("SOURCETABLE 200 OK\r\n"))
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := NewClient(Config{Addr: ln.Addr().String(), Mountpoint: "NOPE"})
	if _, err := c.handshake(conn); !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestClient_RunRequiresAddr(t *testing.T) {
	c := NewClient(Config{})
	if err := c.Run(context.Background(), func([]byte) error { return nil }, nil); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
