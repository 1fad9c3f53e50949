package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/payload"
	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
)

// monitorOptions holds flags shared by monitor serial and monitor socket.
type monitorOptions struct {
	connID     string
	appendMode string
	logDir     string
}

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	mopts := &monitorOptions{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open one connection, print its telemetry and send stdin lines",
		Long: `monitor opens a single serial or socket connection in the foreground.
Every record is printed as "[timestamp] (dir) interval | text". Each line read
from stdin is transmitted with the --append line ending. The command exits on
stdin EOF, on SIGINT/SIGTERM, or when the connection stops.`,
	}
	cmd.PersistentFlags().StringVar(&mopts.connID, "conn-id", link.DefaultConnID, "Connection id used in records and the log file name")
	cmd.PersistentFlags().StringVar(&mopts.appendMode, "append", payload.ModeLF, "Line ending appended to stdin lines: lf, cr, crlf or none")
	cmd.PersistentFlags().StringVar(&mopts.logDir, "log-dir", "", "Telemetry log directory (overrides config)")

	var serial transport.SerialParams
	serialCmd := &cobra.Command{
		Use:   "serial",
		Short: "Monitor a serial device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorCmd(cmd, opts, mopts, serial)
		},
	}
	serialCmd.Flags().StringVar(&serial.Port, "port", "", "Serial device path")
	serialCmd.Flags().IntVar(&serial.Baud, "baud", 115200, "Baud rate")
	serialCmd.Flags().IntVar(&serial.DataBits, "data-bits", 8, "Data bits (5-8)")
	serialCmd.Flags().StringVar(&serial.Parity, "parity", transport.ParityNone, "Parity: none, even or odd")
	serialCmd.Flags().IntVar(&serial.StopBits, "stop-bits", 1, "Stop bits (1 or 2)")
	serialCmd.Flags().StringVar(&serial.Flow, "flow", transport.FlowNone, "Flow control: none, software or hardware")
	_ = serialCmd.MarkFlagRequired("port")

	var socket transport.SocketParams
	socketCmd := &cobra.Command{
		Use:   "socket",
		Short: "Monitor a TCP or UDP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorCmd(cmd, opts, mopts, socket)
		},
	}
	socketCmd.Flags().StringVar(&socket.Host, "host", "127.0.0.1", "Remote host")
	socketCmd.Flags().IntVar(&socket.Port, "port", 0, "Remote port")
	socketCmd.Flags().StringVar(&socket.Protocol, "protocol", transport.ProtocolTCP, "tcp or udp")
	_ = socketCmd.MarkFlagRequired("port")

	cmd.AddCommand(serialCmd, socketCmd)
	return cmd
}

func runMonitorCmd(cmd *cobra.Command, opts *rootOptions, mopts *monitorOptions, params transport.Params) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	linkCfg := link.ConfigFrom(cfg.Link, cfg.Telemetry)
	if mopts.logDir != "" {
		linkCfg.Sink.Dir = mopts.logDir
	}
	return runMonitor(cmd.Context(), linkCfg, params, mopts, cmd.InOrStdin(), cmd.OutOrStdout(), log)
}

// lineWriter prints records one per line. Workers and the stdin reader
// report concurrently, so writes are serialized.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) Publish(rec telemetry.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, rec.Line())
}

// runMonitor opens params under mopts.connID, echoes records to out and
// transmits lines read from in until in ends, ctx is done or the worker stops.
func runMonitor(ctx context.Context, cfg link.Config, params transport.Params, mopts *monitorOptions, in io.Reader, out io.Writer, log logrus.FieldLogger) error {
	reg := link.NewRegistry(params.Origin(), cfg, &lineWriter{out: out}, log)
	defer reg.CloseAll()

	if err := reg.Open(ctx, mopts.connID, params); err != nil {
		return err
	}

	tick := cfg.ReadTimeout
	if tick <= 0 {
		tick = link.DefaultConfig().ReadTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stdinDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if err := transmitLine(ctx, reg, mopts, scanner.Text(), tick); err != nil {
				stdinDone <- err
				return
			}
		}
		stdinDone <- scanner.Err()
	}()

	ticker := time.NewTicker(2 * tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-stdinDone:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err == nil {
				drainQueue(ctx, reg, mopts.connID, tick)
			}
			return err
		case <-ticker.C:
			if !reg.IsConnected(mopts.connID) {
				return fmt.Errorf("connection %q stopped", mopts.connID)
			}
		}
	}
}

// transmitLine queues one stdin line. A full queue is backpressure: the line
// is retried every tick while the connection is up.
func transmitLine(ctx context.Context, reg *link.Registry, mopts *monitorOptions, line string, tick time.Duration) error {
	for {
		err := reg.Transmit(mopts.connID, line, mopts.appendMode)
		if err == nil || !errors.Is(err, link.ErrQueueFullOrClosed) || !reg.IsConnected(mopts.connID) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tick):
		}
	}
}

// drainQueue waits for the worker to take every queued line, then one more
// read cycle so the last echoes are printed.
func drainQueue(ctx context.Context, reg *link.Registry, connID string, tick time.Duration) {
	for reg.Pending(connID) > 0 && reg.IsConnected(connID) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * tick):
	}
}
