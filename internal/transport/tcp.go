package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// TCP is a Transport over a connected TCP stream.
type TCP struct {
	conn         *net.TCPConn
	writeTimeout time.Duration
}

// DialTCP connects to host:port with Nagle disabled and keep-alive enabled.
func DialTCP(ctx context.Context, host string, port int, opts Options) (*TCP, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(ErrTransportOpen, "dial "+addr, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, newError(ErrTransportOpen, "dial "+addr, errors.New("not a TCP connection"))
	}
	// Best effort; some platforms reject these on certain sockets.
	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetKeepAlive(true)

	return &TCP{conn: tcpConn, writeTimeout: opts.WriteTimeout}, nil
}

// TryRead implements Transport.
func (t *TCP) TryRead(buf []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := t.conn.Read(buf)
	if err != nil && isTimeout(err) {
		return n, ErrReadTimeout
	}
	return n, err
}

// WriteAll implements Transport.
func (t *TCP) WriteAll(p []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	// net.Conn.Write returns an error on any short write.
	_, err := t.conn.Write(p)
	return err
}

// IsCleanEOF implements Transport. A zero-length read ending in io.EOF is the
// peer's orderly shutdown.
func (t *TCP) IsCleanEOF(n int, err error) bool {
	return n == 0 && errors.Is(err, io.EOF)
}

// Close implements Transport.
func (t *TCP) Close() error {
	return t.conn.Close()
}

// LocalAddr returns the local endpoint.
func (t *TCP) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
