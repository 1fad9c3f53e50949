package link

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
)

// handle is the registry's grip on one running worker.
type handle struct {
	info     ConnectionInfo
	outbound chan []byte
	stop     chan struct{}
	done     chan struct{}
}

func newHandle(info ConnectionInfo, queueCapacity int) *handle {
	return &handle{
		info:     info,
		outbound: make(chan []byte, queueCapacity),
		stop:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// signalStop requests the worker to exit. Repeated calls have no effect.
func (h *handle) signalStop() {
	select {
	case h.stop <- struct{}{}:
	default:
	}
}

// join waits until the worker has exited and released its transport.
func (h *handle) join() {
	<-h.done
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// worker runs the polling loop over one transport. It owns the transport.
type worker struct {
	id     string
	origin string
	tr     transport.Transport
	h      *handle
	cfg    Config
	pub    telemetry.Publisher
	log    logrus.FieldLogger
}

// run is the worker goroutine. The transport is closed before done is
// closed, so a joined worker has always released its device or socket.
func (w *worker) run() {
	defer close(w.h.done)
	defer func() {
		if err := w.tr.Close(); err != nil {
			w.log.WithError(err).Debug("transport close failed")
		}
	}()

	sink, err := telemetry.NewSink(w.cfg.Sink, w.origin, w.id, w.pub, w.log)
	if err != nil {
		w.log.WithError(err).Error("worker aborted: telemetry log unavailable")
		return
	}
	defer func() { _ = sink.Close() }()

	w.log.WithField("log", sink.Path()).Info("worker started")
	w.loop(sink)
	sink.Emitf(telemetry.DirSYS, "[INFO] %s worker stopped", w.origin)
	w.log.Info("worker stopped")
}

func (w *worker) loop(sink *telemetry.Sink) {
	buf := make([]byte, w.cfg.ReadBufferSize)

	for {
		select {
		case <-w.h.stop:
			return
		default:
		}

		if !w.drain(sink) {
			return
		}

		n, err := w.tr.TryRead(buf, w.cfg.ReadTimeout)
		if n > 0 {
			sink.Emit(telemetry.DirRX, buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrReadTimeout):
		case w.tr.IsCleanEOF(n, err):
			sink.Emitf(telemetry.DirSYS, "[INFO] %s peer closed the connection", w.origin)
			return
		default:
			sink.Emitf(telemetry.DirSYS, "[ERROR] %s read: %v", w.origin, err)
			return
		}
	}
}

// drain writes up to TxBatch queued payloads without blocking on the queue.
// It returns false when a write failure must stop the worker.
func (w *worker) drain(sink *telemetry.Sink) bool {
	for range w.cfg.TxBatch {
		var payload []byte
		select {
		case payload = <-w.h.outbound:
		default:
			return true
		}

		if err := w.tr.WriteAll(payload); err != nil {
			if transport.IsTransient(err) {
				sink.Emitf(telemetry.DirSYS, "[WARN] %s write: %v", w.origin, err)
				continue
			}
			sink.Emitf(telemetry.DirSYS, "[ERROR] %s write: %v", w.origin, err)
			return false
		}
		sink.Emit(telemetry.DirTX, payload)
	}
	return true
}
