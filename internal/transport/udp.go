package transport

import (
	"net"
	"strconv"
	"time"
)

// UDP is a Transport over an unconnected UDP socket bound to an ephemeral
// local port. The peer address is fixed at open and used for every send.
type UDP struct {
	conn         *net.UDPConn
	peer         *net.UDPAddr
	writeTimeout time.Duration
}

// ListenUDP resolves the peer and binds an ephemeral local socket.
func ListenUDP(host string, port int, opts Options) (*UDP, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, newError(ErrTransportOpen, "resolve "+addr, err)
	}

	local := &net.UDPAddr{}
	if peer.IP.To4() != nil {
		local.IP = net.IPv4zero
	} else {
		local.IP = net.IPv6zero
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, newError(ErrTransportOpen, "bind", err)
	}

	return &UDP{conn: conn, peer: peer, writeTimeout: opts.WriteTimeout}, nil
}

// TryRead implements Transport. Datagrams from any source are accepted.
func (u *UDP) TryRead(buf []byte, timeout time.Duration) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil && isTimeout(err) {
		return n, ErrReadTimeout
	}
	return n, err
}

// WriteAll implements Transport. Send failures are marked Transient.
func (u *UDP) WriteAll(p []byte) error {
	if u.writeTimeout > 0 {
		if err := u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout)); err != nil {
			return Transient(err)
		}
	}
	if _, err := u.conn.WriteToUDP(p, u.peer); err != nil {
		return Transient(err)
	}
	return nil
}

// IsCleanEOF implements Transport. UDP has no close signal.
func (u *UDP) IsCleanEOF(int, error) bool {
	return false
}

// Close implements Transport.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// LocalAddr returns the bound local endpoint.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Peer returns the remote endpoint sends go to.
func (u *UDP) Peer() *net.UDPAddr {
	return u.peer
}
