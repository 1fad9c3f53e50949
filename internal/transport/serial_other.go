//go:build !linux

package transport

import (
	"errors"
	"runtime"
)

func openSerial(p SerialParams, _ Options) (Transport, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return nil, newError(ErrTransportOpen, "open "+p.Port, errors.New("serial transport not supported on "+runtime.GOOS))
}
