// Package telemetry turns worker traffic into timestamped records, writes
// them to per-connection log files and fans them out to live observers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Direction tags a record as outbound, inbound or status.
type Direction string

const (
	DirTX  Direction = "TX"
	DirRX  Direction = "RX"
	DirSYS Direction = "SYS"
)

// TimestampLayout is RFC 3339 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Record is one structured unit of observed traffic or status.
type Record struct {
	WhenISO    string    `json:"when_iso"`
	IntervalMS int64     `json:"interval_ms"`
	Dir        Direction `json:"dir"`
	Origin     string    `json:"origin"`
	Text       string    `json:"text"`
	Raw        RawBytes  `json:"raw"`
	ConnID     string    `json:"connId"`
}

// Line formats r the way it appears in a connection log file, without the
// trailing newline.
func (r Record) Line() string {
	return fmt.Sprintf("[%s] (%s) %d | %s", r.WhenISO, r.Dir, r.IntervalMS, r.Text)
}

// Key identifies the connection that produced r.
func (r Record) Key() string {
	return r.Origin + "/" + r.ConnID
}

// RawBytes marshals as a JSON array of byte values rather than base64.
type RawBytes []byte

// MarshalJSON implements json.Marshaler.
func (b RawBytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, 2+len(b)*4)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *RawBytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	// []uint8 would decode from base64, so go through ints.
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	values := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("raw byte %d out of range", v)
		}
		values[i] = byte(v)
	}
	*b = values
	return nil
}

// Publisher receives records from workers. Publish must not block.
type Publisher interface {
	Publish(rec Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(rec Record)

// Publish implements Publisher.
func (f PublisherFunc) Publish(rec Record) { f(rec) }

// Fanout publishes to every non-nil publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(rec Record) {
	for _, p := range f {
		if p != nil {
			p.Publish(rec)
		}
	}
}
