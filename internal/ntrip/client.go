// Package ntrip pulls an RTK correction stream from an NTRIP v1 caster.
package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	defaultGGAInterval = 10 * time.Second
	dialTimeout        = 5 * time.Second
	handshakeTimeout   = 10 * time.Second
	// readTimeout declares the stream dead when the caster goes quiet.
	readTimeout = 30 * time.Second
	userAgent   = "NTRIP gnssrx/1.0"
)

// ErrBadResponse is returned when the caster rejects the request or answers
// with something other than a stream.
var ErrBadResponse = errors.New("ntrip: unexpected caster response")

type Config struct {
	// Addr is the caster host:port.
	Addr       string
	Mountpoint string
	User       string
	Password   string

	// GGAInterval is how often the receiver position is uploaded (VRS
	// casters need it). Zero uses the default; negative disables uploads.
	GGAInterval time.Duration
}

// Sink receives correction bytes. Errors are counted, never fatal.
type Sink func(p []byte) error

// GGASource returns the latest GGA sentence without line terminator, or "".
type GGASource func() string

// Stats are cumulative counters for one Client.
type Stats struct {
	Connects   int    `json:"connects"`
	Bytes      uint64 `json:"bytes"`
	SinkErrors uint64 `json:"sink_errors"`
	GGASent    uint64 `json:"gga_sent"`
	LastError  string `json:"last_error,omitempty"`
}

type Client struct {
	cfg Config

	mu    sync.Mutex
	stats Stats
}

func NewClient(cfg Config) *Client {
	if cfg.GGAInterval == 0 {
		cfg.GGAInterval = defaultGGAInterval
	}
	return &Client{cfg: cfg}
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.LastError = err.Error()
}

// Run connects, streams corrections into sink and reconnects with
// exponential backoff until ctx is done.
func (c *Client) Run(ctx context.Context, sink Sink, gga GGASource) error {
	if strings.TrimSpace(c.cfg.Addr) == "" {
		return fmt.Errorf("ntrip: addr is required")
	}
	if sink == nil {
		return fmt.Errorf("ntrip: sink is nil")
	}

	log.Printf("ntrip enabled addr=%s mountpoint=%s", c.cfg.Addr, c.cfg.Mountpoint)
	backoff := 500 * time.Millisecond
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.session(ctx, sink, gga)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.setError(err)
			log.Printf("ntrip stream ended: %v (retry in %s)", err, backoff)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// session runs one connection to completion.
func (c *Client) session(ctx context.Context, sink Sink, gga GGASource) error {
	d := &net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer func() { _ = conn.Close() }()

	// Unblock reads on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	br, err := c.handshake(conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Connects++
	c.mu.Unlock()
	log.Printf("ntrip connected mountpoint=%s", c.cfg.Mountpoint)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if gga != nil && c.cfg.GGAInterval > 0 {
		go c.uploadGGA(sessCtx, conn, gga)
	}

	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := br.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.stats.Bytes += uint64(n)
			c.mu.Unlock()
			if serr := sink(buf[:n]); serr != nil {
				c.mu.Lock()
				c.stats.SinkErrors++
				c.stats.LastError = serr.Error()
				c.mu.Unlock()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("caster closed stream")
			}
			return err
		}
	}
}

// handshake sends the v1 request and checks the status line. Any bytes
// following the header stay buffered in the returned reader.
func (c *Client) handshake(conn net.Conn) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if _, err := io.WriteString(conn, c.request()); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	status = strings.TrimSpace(status)
	switch {
	case status == "ICY 200 OK":
		// NTRIP v1 streams start right after the status line.
		return br, nil
	case strings.HasPrefix(status, "HTTP/1.") && strings.Contains(status, " 200"):
		// v2-style answer: skip headers.
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return nil, fmt.Errorf("read headers: %w", err)
			}
			if strings.TrimSpace(line) == "" {
				return br, nil
			}
		}
	case strings.HasPrefix(status, "SOURCETABLE"):
		return nil, fmt.Errorf("%w: mountpoint %q not found (caster sent source table)", ErrBadResponse, c.cfg.Mountpoint)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadResponse, status)
	}
}

func (c *Client) request() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.0\r\n", strings.TrimPrefix(c.cfg.Mountpoint, "/"))
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	if c.cfg.User != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.User + ":" + c.cfg.Password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("\r\n")
	return b.String()
}

func (c *Client) uploadGGA(ctx context.Context, conn net.Conn, gga GGASource) {
	t := time.NewTicker(c.cfg.GGAInterval)
	defer t.Stop()
	send := func() {
		s := gga()
		if s == "" {
			return
		}
		if _, err := io.WriteString(conn, s+"\r\n"); err != nil {
			c.setError(fmt.Errorf("gga upload: %w", err))
			return
		}
		c.mu.Lock()
		c.stats.GGASent++
		c.mu.Unlock()
	}
	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			send()
		}
	}
}
