package snapmux

import (
	"fmt"
	"net"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// UDPSource adapts a UDP socket to the LineSource interface. Each received
// datagram is surfaced as one or more newline-terminated lines; Write sends
// commands back to the perception host, defaulting to the last peer a
// datagram was received from.
type UDPSource struct {
	conn *net.UDPConn

	// device is the explicit command destination, when configured.
	device *net.UDPAddr

	// Read-side state. The mux is the only reader, so no lock is needed.
	pending  []byte
	scratch  []byte
	lastPeer *net.UDPAddr
}

// NewUDPSource opens a UDP socket listening on listenAddr. deviceAddr, when
// non-empty, fixes the destination for SendCommand writes.
func NewUDPSource(listenAddr, deviceAddr string, rcvBuf int) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address: %w", err)
	}

	if rcvBuf > 0 {
		if err := conn.SetReadBuffer(rcvBuf); err != nil {
			monitoring.Logf("snapmux: failed to set UDP receive buffer to %d: %v", rcvBuf, err)
		}
	}

	s := &UDPSource{
		conn:    conn,
		scratch: make([]byte, 64*1024),
	}

	if deviceAddr != "" {
		device, err := net.ResolveUDPAddr("udp", deviceAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to resolve device address: %w", err)
		}
		s.device = device
	}

	return s, nil
}

// Read returns bytes from the current datagram, fetching the next one when
// drained. A datagram without a trailing newline gets one appended so the
// line scanner always sees complete lines.
func (s *UDPSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		n, peer, err := s.conn.ReadFromUDP(s.scratch)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}
		s.lastPeer = peer
		s.pending = append(s.pending[:0], s.scratch[:n]...)
		if s.pending[len(s.pending)-1] != '\n' {
			s.pending = append(s.pending, '\n')
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write sends a command datagram to the configured device address, or to the
// most recent peer when none is configured.
func (s *UDPSource) Write(p []byte) (int, error) {
	dest := s.device
	if dest == nil {
		dest = s.lastPeer
	}
	if dest == nil {
		return 0, fmt.Errorf("no destination for command: no device address configured and no datagram received yet")
	}
	return s.conn.WriteToUDP(p, dest)
}

// Close closes the underlying socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the bound listen address, useful when the listener was
// opened on an ephemeral port.
func (s *UDPSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// NewUDPMux creates a Mux backed by a UDP socket.
func NewUDPMux(listenAddr, deviceAddr string, rcvBuf int) (*Mux[*UDPSource], error) {
	source, err := NewUDPSource(listenAddr, deviceAddr, rcvBuf)
	if err != nil {
		return nil, err
	}
	return NewMux[*UDPSource](source), nil
}
