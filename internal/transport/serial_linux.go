//go:build linux

package transport

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// toUnixBaud maps a baud rate to the termios speed constant.
var toUnixBaud = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

// Serial is a Transport over a tty device in raw mode.
type Serial struct {
	fd           int
	path         string
	writeTimeout time.Duration
}

// termiosSettings holds the flag values derived from SerialParams.
type termiosSettings struct {
	speed    uint32
	dataBits uint32
	stopBits uint32
	parity   uint32
	iflow    uint32
	cflow    uint32
}

// mapSerialParams translates validated params into termios flags. It never
// touches the OS.
func mapSerialParams(p SerialParams) (termiosSettings, error) {
	var s termiosSettings

	speed, ok := toUnixBaud[p.Baud]
	if !ok {
		return s, validationf("unsupported baud rate %d", p.Baud)
	}
	s.speed = speed

	switch p.DataBits {
	case 5:
		s.dataBits = unix.CS5
	case 6:
		s.dataBits = unix.CS6
	case 7:
		s.dataBits = unix.CS7
	case 8:
		s.dataBits = unix.CS8
	default:
		return s, validationf("invalid data bits %d", p.DataBits)
	}

	switch p.StopBits {
	case 1:
	case 2:
		s.stopBits = unix.CSTOPB
	default:
		return s, validationf("invalid stop bits %d", p.StopBits)
	}

	switch p.Parity {
	case ParityNone:
	case ParityEven:
		s.parity = unix.PARENB
	case ParityOdd:
		s.parity = unix.PARENB | unix.PARODD
	default:
		return s, validationf("invalid parity %q", p.Parity)
	}

	switch p.Flow {
	case FlowNone:
	case FlowSoftware:
		s.iflow = unix.IXON | unix.IXOFF
	case FlowHardware:
		s.cflow = unix.CRTSCTS
	default:
		return s, validationf("invalid flow control %q", p.Flow)
	}

	return s, nil
}

func openSerial(p SerialParams, opts Options) (Transport, error) {
	return OpenSerial(p, opts)
}

// OpenSerial opens the device exclusively and applies raw line settings.
func OpenSerial(p SerialParams, opts Options) (*Serial, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	settings, err := mapSerialParams(p)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Open(p.Port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, newError(ErrTransportOpen, "open "+p.Port, err)
	}

	s := &Serial{fd: fd, path: p.Port, writeTimeout: opts.WriteTimeout}
	if err := s.configure(settings); err != nil {
		_ = unix.Close(fd)
		return nil, newError(ErrTransportOpen, "configure "+p.Port, err)
	}
	return s, nil
}

func (s *Serial) configure(settings termiosSettings) error {
	if err := unix.IoctlSetInt(s.fd, unix.TIOCEXCL, 0); err != nil {
		return fmt.Errorf("exclusive access: %w", err)
	}

	t, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL | unix.ISIG | unix.IEXTEN
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Iflag &^= unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IGNBRK | unix.INPCK | unix.ISTRIP

	t.Cflag &^= unix.CBAUD
	t.Cflag |= settings.speed
	t.Ispeed = settings.speed
	t.Ospeed = settings.speed

	t.Cflag &^= unix.CSIZE | unix.CSTOPB | unix.PARENB | unix.PARODD | unix.CRTSCTS
	t.Cflag |= settings.dataBits | settings.stopBits | settings.parity | settings.cflow

	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	t.Iflag |= settings.iflow

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, t); err != nil {
		return err
	}
	return unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// TryRead implements Transport.
func (s *Serial) TryRead(buf []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, ErrReadTimeout
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrReadTimeout
	}

	revents := fds[0].Revents
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("%s: device error", s.path)
	}

	read, err := unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, ErrReadTimeout
		}
		return 0, err
	}
	if read == 0 {
		return 0, fmt.Errorf("%s: device hung up", s.path)
	}
	return read, nil
}

// WriteAll implements Transport.
func (s *Serial) WriteAll(p []byte) error {
	deadline := time.Now().Add(s.writeTimeout)
	for len(p) > 0 {
		n, err := unix.Write(s.fd, p)
		if n > 0 {
			p = p[n:]
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return err
		}

		remaining := time.Until(deadline)
		if s.writeTimeout <= 0 {
			remaining = time.Second
		} else if remaining <= 0 {
			return fmt.Errorf("%s: write timed out", s.path)
		}
		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, int(remaining/time.Millisecond)+1); err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
	return nil
}

// IsCleanEOF implements Transport. A serial line has no orderly close.
func (s *Serial) IsCleanEOF(int, error) bool {
	return false
}

// Close implements Transport.
func (s *Serial) Close() error {
	return unix.Close(s.fd)
}
