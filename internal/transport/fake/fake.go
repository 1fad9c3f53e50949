// Package fake provides an in-memory Transport for tests.
package fake

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/radio-control/commlink/internal/transport"
)

const backlog = 1024

// Transport is a scripted, in-memory transport. It is safe to drive from a
// test goroutine while a worker polls it.
type Transport struct {
	inbound chan []byte
	written chan []byte
	closeCh chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	readErr  error
	hangUp   bool
	closed   bool
	onClose  func()
}

// New returns an open fake transport.
func New() *Transport {
	return &Transport{
		inbound: make(chan []byte, backlog),
		written: make(chan []byte, backlog),
		closeCh: make(chan struct{}),
	}
}

// Feed queues p to be returned by a later TryRead.
func (f *Transport) Feed(p []byte) {
	f.inbound <- append([]byte(nil), p...)
}

// FailWrites makes every subsequent WriteAll return err.
func (f *Transport) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// FailReads makes the next TryRead return err.
func (f *Transport) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// HangUp makes the next TryRead report an orderly peer close.
func (f *Transport) HangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangUp = true
}

// OnClose registers fn to run inside Close.
func (f *Transport) OnClose(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

// Writes returns a copy of every payload written so far.
func (f *Transport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Closed reports whether Close has been called.
func (f *Transport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Done is closed when Close is called.
func (f *Transport) Done() <-chan struct{} {
	return f.closeCh
}

// TryRead implements transport.Transport.
func (f *Transport) TryRead(buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return 0, net.ErrClosed
	case f.readErr != nil:
		err := f.readErr
		f.readErr = nil
		f.mu.Unlock()
		return 0, err
	case f.hangUp:
		f.mu.Unlock()
		return 0, io.EOF
	}
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-f.inbound:
		return copy(buf, p), nil
	case <-f.closeCh:
		return 0, net.ErrClosed
	case <-timer.C:
		return 0, transport.ErrReadTimeout
	}
}

// WriteAll implements transport.Transport.
func (f *Transport) WriteAll(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return net.ErrClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	select {
	case f.written <- cp:
	default:
	}
	return nil
}

// IsCleanEOF implements transport.Transport.
func (f *Transport) IsCleanEOF(n int, err error) bool {
	return n == 0 && err == io.EOF
}

// Close implements transport.Transport.
func (f *Transport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	fn := f.onClose
	close(f.closeCh)
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Peer returns the far end of f: writes to it feed TryRead and reads from it
// return what WriteAll sent.
func (f *Transport) Peer() *Peer {
	return &Peer{t: f}
}

// Peer is the far end of a fake Transport.
type Peer struct {
	t        *Transport
	mu       sync.Mutex
	deadline time.Time
	pending  []byte
}

// Write feeds p to the transport.
func (p *Peer) Write(b []byte) (int, error) {
	p.t.Feed(b)
	return len(b), nil
}

// Read returns bytes written by the transport.
func (p *Peer) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		ctx := context.Background()
		if !p.deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, p.deadline)
			defer cancel()
		}
		select {
		case data := <-p.t.written:
			p.pending = data
		case <-ctx.Done():
			return 0, os.ErrDeadlineExceeded
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// SetReadDeadline bounds subsequent Read calls.
func (p *Peer) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	return nil
}

// Close is a no-op.
func (p *Peer) Close() error {
	return nil
}

// Opener returns a transport.Opener that hands out fakes and records them in
// order, so tests can reach the transport a worker owns.
type Opener struct {
	mu         sync.Mutex
	transports []*Transport
	err        error
}

// Open implements transport.Opener.
func (o *Opener) Open(_ context.Context, params transport.Params, _ transport.Options) (transport.Transport, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	f := New()
	o.transports = append(o.transports, f)
	return f, nil
}

// FailWith makes subsequent opens return err.
func (o *Opener) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Opened returns every transport handed out so far.
func (o *Opener) Opened() []*Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Transport, len(o.transports))
	copy(out, o.transports)
	return out
}

// Last returns the most recently opened transport, or nil.
func (o *Opener) Last() *Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.transports) == 0 {
		return nil
	}
	return o.transports[len(o.transports)-1]
}
