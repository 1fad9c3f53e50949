//go:build linux

package transport

import (
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// OpenTestPTY returns the master side of a new pseudo terminal and the path
// of its slave, which stands in for a serial device.
func OpenTestPTY(t *testing.T) (*os.File, string) {
	t.Helper()

	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("pseudo terminals unavailable: %v", err)
	}
	t.Cleanup(func() { _ = master.Close() })

	raw, err := master.SyscallConn()
	require.NoError(t, err)

	var ptn int
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		if ctrlErr = unix.IoctlSetPointerInt(int(fd), unix.TIOCSPTLCK, 0); ctrlErr != nil {
			return
		}
		ptn, ctrlErr = unix.IoctlGetInt(int(fd), unix.TIOCGPTN)
	})
	require.NoError(t, err)
	require.NoError(t, ctrlErr)

	return master, fmt.Sprintf("/dev/pts/%d", ptn)
}

func TestSerialLineSettings(t *testing.T) {
	_, path := OpenTestPTY(t)

	p := SerialParams{Port: path, Baud: 9600, DataBits: 7, Parity: ParityEven, StopBits: 2, Flow: FlowSoftware}
	s, err := OpenSerial(p, DefaultOptions())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	term, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	require.NoError(t, err)

	assert.Equal(t, uint32(unix.CS7), term.Cflag&unix.CSIZE)
	assert.NotZero(t, term.Cflag&unix.CSTOPB)
	assert.NotZero(t, term.Cflag&unix.PARENB)
	assert.Zero(t, term.Cflag&unix.PARODD)
	assert.NotZero(t, term.Iflag&unix.IXON)
	assert.Zero(t, term.Lflag&unix.ICANON)
	assert.Zero(t, term.Lflag&unix.ECHO)
}

func TestMapSerialParams(t *testing.T) {
	p := validSerial()
	p.Baud = 12345
	_, err := mapSerialParams(p)
	assert.ErrorIs(t, err, ErrValidation)

	p = validSerial()
	p.Parity = ParityOdd
	p.Flow = FlowHardware
	s, err := mapSerialParams(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.PARENB|unix.PARODD), s.parity)
	assert.Equal(t, uint32(unix.CRTSCTS), s.cflow)
	assert.Equal(t, uint32(unix.B115200), s.speed)
	assert.Equal(t, uint32(unix.CS8), s.dataBits)
}

func TestUnsupportedBaudFailsBeforeOpen(t *testing.T) {
	p := validSerial()
	p.Port = "/dev/does-not-exist"
	p.Baud = 12345

	_, err := OpenSerial(p, DefaultOptions())
	assert.ErrorIs(t, err, ErrValidation)
}
