// Package audit records control actions (open, close, transmit) as JSON lines.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/logging"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	User      string                 `json:"user"`
	Origin    string                 `json:"origin"`
	ConnID    string                 `json:"connId"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
}

// Logger appends audit entries to a size-rotated file. A nil *Logger is
// valid and records nothing.
type Logger struct {
	mu   sync.Mutex
	out  io.WriteCloser
	path string
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewLogger opens the audit file named by cfg.File.
func NewLogger(cfg config.AuditConfig, log logrus.FieldLogger) (*Logger, error) {
	out := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	// open eagerly so a bad path fails at startup
	if _, err := out.Write(nil); err != nil {
		return nil, err
	}
	return newLogger(out, cfg.File, log), nil
}

func newLogger(out io.WriteCloser, path string, log logrus.FieldLogger) *Logger {
	if log == nil {
		log = logging.Nop()
	}
	return &Logger{
		out:  out,
		path: path,
		log:  logging.Component(log, "audit"),
		now:  time.Now,
	}
}

// LogControlAction records one action. The user comes from the auth claims
// in ctx; the code is derived from err.
func (l *Logger) LogControlAction(ctx context.Context, action, origin, connID string, params map[string]interface{}, err error) {
	if l == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}

	l.writeEntry(AuditEntry{
		Timestamp: l.now().UTC(),
		User:      auth.SubjectFromContext(ctx),
		Origin:    origin,
		ConnID:    connID,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      link.Code(err),
	})
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry AuditEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		l.log.WithError(err).Error("failed to marshal audit entry")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		l.log.WithError(err).Error("failed to write audit entry")
	}
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}
