package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/link"
)

func readEntries(t *testing.T, path string) []AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	logger, err := NewLogger(config.AuditConfig{File: path, MaxSizeMB: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewLoggerCreatesFile(t *testing.T) {
	logger := newTestLogger(t)
	_, err := os.Stat(logger.GetFilePath())
	assert.NoError(t, err)
}

func TestLogControlAction(t *testing.T) {
	logger := newTestLogger(t)

	ctx := auth.WithClaims(context.Background(), &auth.Claims{Subject: "op-7"})
	logger.LogControlAction(ctx, "serial.open", "serial", "main",
		map[string]interface{}{"port": "/dev/ttyUSB0", "baud": 115200}, nil)
	logger.LogControlAction(context.Background(), "socket.tx", "socket", "gw",
		map[string]interface{}{"bytes": 5}, fmt.Errorf("tx gw: %w", link.ErrQueueFullOrClosed))
	require.NoError(t, logger.Close())

	entries := readEntries(t, logger.GetFilePath())
	require.Len(t, entries, 2)

	assert.Equal(t, "op-7", entries[0].User)
	assert.Equal(t, "serial.open", entries[0].Action)
	assert.Equal(t, "serial", entries[0].Origin)
	assert.Equal(t, "main", entries[0].ConnID)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, "OK", entries[0].Code)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.Equal(t, "anonymous", entries[1].User)
	assert.Equal(t, OutcomeFailure, entries[1].Outcome)
	assert.Equal(t, "QUEUE_FULL_OR_CLOSED", entries[1].Code)
	assert.EqualValues(t, 5, entries[1].Params["bytes"])
}

func TestUnknownErrorCode(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogControlAction(context.Background(), "serial.close", "serial", "main", nil, errors.New("boom"))
	require.NoError(t, logger.Close())

	entries := readEntries(t, logger.GetFilePath())
	require.Len(t, entries, 1)
	assert.Equal(t, "INTERNAL", entries[0].Code)
}

func TestConcurrentWritesStayLineAligned(t *testing.T) {
	logger := newTestLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.LogControlAction(context.Background(), "socket.tx", "socket", fmt.Sprintf("c%d", i), nil, nil)
		}(i)
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	assert.Len(t, readEntries(t, logger.GetFilePath()), 20)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	logger.LogControlAction(context.Background(), "serial.open", "serial", "main", nil, nil)
	assert.NoError(t, logger.Close())
	assert.Empty(t, logger.GetFilePath())
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	logger := newTestLogger(t)
	require.NoError(t, logger.Close())
	logger.LogControlAction(context.Background(), "serial.open", "serial", "main", nil, nil)
	assert.Empty(t, readEntries(t, logger.GetFilePath()))
}
