package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPeer is returned when a command is sent on a UDP port before any
// datagram has been received, so there is nowhere to send it.
var ErrNoPeer = errors.New("no UDP peer has sent data yet")

const maxDatagramSize = 65535

// UDPPort adapts a UDP socket to SerialPorter. Each datagram carries one or
// more newline separated lines; a missing trailing newline is added so the
// scanner in Monitor sees a complete line per datagram. Writes go back to the
// most recent sender.
type UDPPort struct {
	conn net.PacketConn

	mu      sync.Mutex
	pending bytes.Buffer
	peer    net.Addr
	buf     []byte
}

// NewUDPPort wraps an already bound packet connection.
func NewUDPPort(conn net.PacketConn) *UDPPort {
	return &UDPPort{conn: conn, buf: make([]byte, maxDatagramSize)}
}

func (u *UDPPort) Read(p []byte) (int, error) {
	u.mu.Lock()
	if u.pending.Len() > 0 {
		defer u.mu.Unlock()
		return u.pending.Read(p)
	}
	u.mu.Unlock()

	for {
		n, addr, err := u.conn.ReadFrom(u.buf)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			continue
		}

		u.mu.Lock()
		u.peer = addr
		u.pending.Write(u.buf[:n])
		if u.buf[n-1] != '\n' {
			u.pending.WriteByte('\n')
		}
		read, err := u.pending.Read(p)
		u.mu.Unlock()
		return read, err
	}
}

func (u *UDPPort) Write(p []byte) (int, error) {
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return 0, ErrNoPeer
	}
	return u.conn.WriteTo(p, peer)
}

func (u *UDPPort) Close() error {
	return u.conn.Close()
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (u *UDPPort) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// NewUDPSerialMux listens on addr (host:port) and returns a SerialMux fed by
// the datagrams received there.
func NewUDPSerialMux(addr string) (*SerialMux[*UDPPort], error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid UDP address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewSerialMux(NewUDPPort(conn)), nil
}
