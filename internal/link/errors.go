package link

import (
	"errors"

	"github.com/radio-control/commlink/internal/transport"
)

// Registry error codes.
var (
	ErrNotFound          = errors.New("NOT_FOUND")
	ErrQueueFullOrClosed = errors.New("QUEUE_FULL_OR_CLOSED")
)

// Code returns the normalized code carried by err: "OK" for nil,
// "INTERNAL" when err carries none.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, code := range []error{
		transport.ErrValidation,
		transport.ErrTransportOpen,
		transport.ErrFatalIO,
		ErrNotFound,
		ErrQueueFullOrClosed,
	} {
		if errors.Is(err, code) {
			return code.Error()
		}
	}
	return "INTERNAL"
}
