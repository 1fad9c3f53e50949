package transport

import (
	"sort"

	gxserial "github.com/Gurux/gxserial-go"
)

// ListSerialPorts returns the serial device paths present on the host, sorted.
func ListSerialPorts() ([]string, error) {
	ports, err := gxserial.GetPortNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
