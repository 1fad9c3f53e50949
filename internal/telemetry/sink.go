package telemetry

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SinkConfig locates and bounds the per-connection log files.
type SinkConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// LogFileName returns the log file name for a connection opened at t.
// Path separators in connID are replaced so the file stays inside the log dir.
func LogFileName(origin, connID string, t time.Time) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(connID)
	return fmt.Sprintf("%s_%s_%s.log", origin, safe, t.UTC().Format("20060102_150405"))
}

// Sink builds records for one worker and delivers them to the live publisher
// and the worker's log file. A Sink is used only by its worker goroutine.
type Sink struct {
	origin string
	connID string
	pub    Publisher
	out    io.WriteCloser
	path   string
	log    logrus.FieldLogger

	now        func() time.Time
	last       time.Time
	writeFails atomic.Int64
}

// NewSink opens the log file for a connection. The file is created eagerly so
// an unusable destination fails here, before any transport I/O.
func NewSink(cfg SinkConfig, origin, connID string, pub Publisher, log logrus.FieldLogger) (*Sink, error) {
	opened := time.Now()
	path := filepath.Join(cfg.Dir, LogFileName(origin, connID, opened))

	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	if _, err := out.Write(nil); err != nil {
		return nil, fmt.Errorf("open telemetry log %s: %w", path, err)
	}

	return newSink(origin, connID, pub, out, path, log, time.Now), nil
}

func newSink(origin, connID string, pub Publisher, out io.WriteCloser, path string, log logrus.FieldLogger, now func() time.Time) *Sink {
	return &Sink{
		origin: origin,
		connID: connID,
		pub:    pub,
		out:    out,
		path:   path,
		log:    log,
		now:    now,
		last:   now(),
	}
}

// Path returns the log file path.
func (s *Sink) Path() string {
	return s.path
}

// Emit records raw bytes observed in direction dir.
func (s *Sink) Emit(dir Direction, raw []byte) {
	s.emit(dir, strings.ToValidUTF8(string(raw), "\uFFFD"), raw)
}

// EmitText records a status or text message.
func (s *Sink) EmitText(dir Direction, text string) {
	s.emit(dir, text, []byte(text))
}

// Emitf formats a status message.
func (s *Sink) Emitf(dir Direction, format string, args ...any) {
	s.EmitText(dir, fmt.Sprintf(format, args...))
}

func (s *Sink) emit(dir Direction, text string, raw []byte) {
	now := s.now()
	interval := now.Sub(s.last).Milliseconds()
	if interval < 0 {
		interval = 0
	}
	s.last = now

	rec := Record{
		WhenISO:    now.Local().Format(TimestampLayout),
		IntervalMS: interval,
		Dir:        dir,
		Origin:     s.origin,
		Text:       text,
		Raw:        append(RawBytes(nil), raw...),
		ConnID:     s.connID,
	}

	if s.pub != nil {
		s.pub.Publish(rec)
	}

	if _, err := io.WriteString(s.out, rec.Line()+"\n"); err != nil {
		// Only the first failure is reported.
		if s.writeFails.Add(1) == 1 && s.log != nil {
			s.log.WithError(err).WithField("path", s.path).Warn("telemetry log write failed")
		}
	}
}

// WriteFailures returns how many log writes have failed.
func (s *Sink) WriteFailures() int64 {
	return s.writeFails.Load()
}

// Close closes the log file.
func (s *Sink) Close() error {
	return s.out.Close()
}
