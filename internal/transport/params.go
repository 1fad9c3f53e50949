package transport

import (
	"fmt"
	"strings"
)

// Parity values accepted for serial connections.
const (
	ParityNone = "none"
	ParityEven = "even"
	ParityOdd  = "odd"
)

// Flow control values accepted for serial connections.
const (
	FlowNone     = "none"
	FlowSoftware = "software"
	FlowHardware = "hardware"
)

// Socket protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// SerialParams describes a serial device and its line settings.
type SerialParams struct {
	Port     string `json:"port"`
	Baud     int    `json:"baud"`
	DataBits int    `json:"data_bits"`
	Parity   string `json:"parity"`
	StopBits int    `json:"stop_bits"`
	Flow     string `json:"flow"`
}

// Origin implements Params.
func (SerialParams) Origin() Origin { return OriginSerial }

// Validate checks every field against the accepted enums.
func (p SerialParams) Validate() error {
	if p.Port == "" {
		return validationf("port cannot be empty")
	}
	if p.Baud <= 0 {
		return validationf("invalid baud rate %d", p.Baud)
	}
	switch p.DataBits {
	case 5, 6, 7, 8:
	default:
		return validationf("invalid data bits %d (want 5, 6, 7 or 8)", p.DataBits)
	}
	switch p.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return validationf("invalid parity %q (want none, even or odd)", p.Parity)
	}
	switch p.StopBits {
	case 1, 2:
	default:
		return validationf("invalid stop bits %d (want 1 or 2)", p.StopBits)
	}
	switch p.Flow {
	case FlowNone, FlowSoftware, FlowHardware:
	default:
		return validationf("invalid flow control %q (want none, software or hardware)", p.Flow)
	}
	return nil
}

// SocketParams describes a remote TCP or UDP endpoint.
type SocketParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Origin implements Params.
func (SocketParams) Origin() Origin { return OriginSocket }

// NormalizedProtocol returns the lower-cased protocol name.
func (p SocketParams) NormalizedProtocol() string {
	return strings.ToLower(strings.TrimSpace(p.Protocol))
}

// Validate checks the endpoint and protocol.
func (p SocketParams) Validate() error {
	switch p.NormalizedProtocol() {
	case ProtocolTCP, ProtocolUDP:
	default:
		return validationf("unsupported protocol %q (want tcp or udp)", p.Protocol)
	}
	if p.Host == "" {
		return validationf("host cannot be empty")
	}
	if p.Port < 1 || p.Port > 65535 {
		return validationf("invalid port %d", p.Port)
	}
	return nil
}

func validationf(format string, args ...any) error {
	return newError(ErrValidation, "validate", fmt.Errorf(format, args...))
}
