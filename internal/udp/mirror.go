// Package udp mirrors the raw receiver stream to a UDP listener.
package udp

import (
	"fmt"
	"net"
	"sync"
)

// maxDatagram keeps each datagram under a typical Ethernet MTU.
const maxDatagram = 1400

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)

type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

// Mirror forwards received bytes as UDP datagrams. It implements io.Writer so
// it can be attached as a session dump target.
type Mirror struct {
	dest string

	mu    sync.Mutex
	conn  udpConn
	sent  uint64
	bytes uint64
}

func NewMirror(dest string) (*Mirror, error) {
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return net.ResolveUDPAddr(network, address)
	}
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	}
	return newMirror(dest, resolve, dial)
}

func newMirror(dest string, resolve resolveFunc, dial dialFunc) (*Mirror, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Mirror{dest: dest, conn: conn}, nil
}

func (m *Mirror) Dest() string { return m.dest }

// Write sends p in datagrams of at most maxDatagram bytes.
func (m *Mirror) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return 0, net.ErrClosed
	}
	n := 0
	for n < len(p) {
		end := min(n+maxDatagram, len(p))
		if _, err := m.conn.Write(p[n:end]); err != nil {
			return n, err
		}
		m.sent++
		m.bytes += uint64(end - n)
		n = end
	}
	return n, nil
}

// Stats returns datagrams and bytes sent so far.
func (m *Mirror) Stats() (datagrams, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.bytes
}

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
