// Package transport defines the byte-stream capability a connection worker
// polls, and opens serial, TCP and UDP implementations of it.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Origin names the registry family a connection belongs to.
type Origin string

const (
	OriginSerial Origin = "serial"
	OriginSocket Origin = "socket"
)

// Transport is the capability a worker needs from an open connection.
// A Transport is owned by exactly one goroutine; implementations need not be
// safe for concurrent use.
type Transport interface {
	// TryRead waits at most timeout for data. It returns ErrReadTimeout when
	// nothing arrived in time.
	TryRead(buf []byte, timeout time.Duration) (int, error)

	// WriteAll writes the whole of p or returns an error.
	WriteAll(p []byte) error

	// IsCleanEOF reports whether the result of TryRead means the peer closed
	// the connection in an orderly way.
	IsCleanEOF(n int, err error) bool

	// Close releases the underlying device or socket.
	Close() error
}

// Params is implemented by SerialParams and SocketParams.
type Params interface {
	Origin() Origin
	Validate() error
}

// IsNil reports whether params is nil, including a nil *SerialParams or
// *SocketParams held in the interface.
func IsNil(params Params) bool {
	switch p := params.(type) {
	case nil:
		return true
	case *SerialParams:
		return p == nil
	case *SocketParams:
		return p == nil
	default:
		return false
	}
}

// Options carries the timeouts applied while opening and writing.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Opener constructs a Transport from validated parameters.
type Opener func(ctx context.Context, params Params, opts Options) (Transport, error)

// Open validates params and opens the matching transport. Validation failures
// are reported before any OS resource is touched.
func Open(ctx context.Context, params Params, opts Options) (Transport, error) {
	if IsNil(params) {
		return nil, newError(ErrValidation, "open", fmt.Errorf("missing connection parameters"))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	switch p := params.(type) {
	case SerialParams:
		return openSerial(p, opts)
	case *SerialParams:
		return openSerial(*p, opts)
	case SocketParams:
		return openSocket(ctx, p, opts)
	case *SocketParams:
		return openSocket(ctx, *p, opts)
	default:
		return nil, newError(ErrValidation, "open", fmt.Errorf("unsupported parameters %T", params))
	}
}

func openSocket(ctx context.Context, p SocketParams, opts Options) (Transport, error) {
	switch p.NormalizedProtocol() {
	case ProtocolTCP:
		return DialTCP(ctx, p.Host, p.Port, opts)
	default:
		return ListenUDP(p.Host, p.Port, opts)
	}
}
