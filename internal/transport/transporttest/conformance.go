// Package transporttest provides a conformance suite every Transport
// implementation must pass.
package transporttest

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radio-control/commlink/internal/transport"
)

// Peer is the far end of a transport under test.
type Peer interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Factory opens a fresh transport and its peer. Implementations register
// their own cleanup on t.
type Factory func(t *testing.T) (transport.Transport, Peer)

const (
	probeTimeout = 50 * time.Millisecond
	ioDeadline   = 2 * time.Second
)

// Run exercises the Transport contract against transports produced by newPair.
func Run(t *testing.T, newPair Factory) {
	t.Run("ReadTimesOut", func(t *testing.T) {
		tr, _ := newPair(t)
		buf := make([]byte, 64)

		start := time.Now()
		n, err := tr.TryRead(buf, probeTimeout)
		elapsed := time.Since(start)

		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, transport.ErrReadTimeout)
		assert.False(t, tr.IsCleanEOF(n, err))
		assert.Less(t, elapsed, 10*probeTimeout, "TryRead must honor its timeout")
	})

	t.Run("WriteReachesPeer", func(t *testing.T) {
		tr, peer := newPair(t)
		msg := []byte("AT+PING\r\n")

		require.NoError(t, tr.WriteAll(msg))
		assert.Equal(t, msg, ReadFromPeer(t, peer, len(msg)))
	})

	t.Run("PeerDataIsRead", func(t *testing.T) {
		tr, peer := newPair(t)
		msg := []byte("OK\r\n")

		_, err := peer.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, msg, ReadFromTransport(t, tr, len(msg)))
	})

	t.Run("BinarySafe", func(t *testing.T) {
		tr, peer := newPair(t)
		msg := []byte{0x00, 0xff, 0x7e, 0x0a, 0x0d, 0x80}

		require.NoError(t, tr.WriteAll(msg))
		assert.Equal(t, msg, ReadFromPeer(t, peer, len(msg)))

		_, err := peer.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, msg, ReadFromTransport(t, tr, len(msg)))
	})

	t.Run("Close", func(t *testing.T) {
		tr, _ := newPair(t)
		assert.NoError(t, tr.Close())
	})
}

// ReadFromTransport polls tr until want bytes have arrived.
func ReadFromTransport(t *testing.T, tr transport.Transport, want int) []byte {
	t.Helper()

	var got bytes.Buffer
	buf := make([]byte, 256)
	deadline := time.Now().Add(ioDeadline)
	for got.Len() < want && time.Now().Before(deadline) {
		n, err := tr.TryRead(buf, probeTimeout)
		if errors.Is(err, transport.ErrReadTimeout) {
			continue
		}
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.Equal(t, want, got.Len(), "timed out reading from transport")
	return got.Bytes()
}

// ReadFromPeer reads from peer until want bytes have arrived.
func ReadFromPeer(t *testing.T, peer Peer, want int) []byte {
	t.Helper()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(ioDeadline)))
	var got bytes.Buffer
	buf := make([]byte, 256)
	for got.Len() < want {
		n, err := peer.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	return got.Bytes()
}
