// Package link manages live connections: a keyed registry of workers, each
// polling one transport and reporting through its own telemetry sink.
package link

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/logging"
	"github.com/radio-control/commlink/internal/payload"
	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
)

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	ID       string           `json:"connId"`
	Origin   transport.Origin `json:"origin"`
	Params   transport.Params `json:"params"`
	OpenedAt time.Time        `json:"openedAt"`
}

// Option customizes a Registry.
type Option func(*Registry)

// WithOpener replaces the function used to open transports.
func WithOpener(open transport.Opener) Option {
	return func(r *Registry) {
		r.open = open
	}
}

// Registry maps connection ids to running workers for one origin.
//
// r.mu guards only the handles map and is never held across I/O. Lifecycle
// changes to one id (open, close) are serialized by a per-id lock so two
// workers for the same id are never alive at once.
type Registry struct {
	origin transport.Origin
	cfg    Config
	pub    telemetry.Publisher
	log    logrus.FieldLogger
	open   transport.Opener

	mu      sync.Mutex
	handles map[string]*handle

	locksMu sync.Mutex
	locks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates an empty registry for origin. Records from every worker
// go to pub, which may be nil.
func NewRegistry(origin transport.Origin, cfg Config, pub telemetry.Publisher, log logrus.FieldLogger, opts ...Option) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	r := &Registry{
		origin:  origin,
		cfg:     cfg.withDefaults(),
		pub:     pub,
		log:     logging.Component(log, "link").WithField("origin", string(origin)),
		open:    transport.Open,
		handles: make(map[string]*handle),
		locks:   make(map[string]*idLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Origin returns the origin this registry serves.
func (r *Registry) Origin() transport.Origin {
	return r.origin
}

func (r *Registry) lockID(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// Open starts a worker for id over a transport built from params. A worker
// already registered under id is stopped and joined first. On error nothing
// is registered.
func (r *Registry) Open(ctx context.Context, id string, params transport.Params) error {
	if id == "" {
		id = DefaultConnID
	}
	if transport.IsNil(params) {
		return fmt.Errorf("%w: missing connection parameters", transport.ErrValidation)
	}
	if params.Origin() != r.origin {
		return fmt.Errorf("%w: %s parameters sent to the %s registry", transport.ErrValidation, params.Origin(), r.origin)
	}
	if err := params.Validate(); err != nil {
		return err
	}

	unlock := r.lockID(id)
	defer unlock()

	r.prune()

	r.mu.Lock()
	old := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if old != nil {
		old.signalStop()
		old.join()
		r.log.WithField("connId", id).Info("previous worker stopped before reopen")
	}

	tr, err := r.open(ctx, params, r.cfg.Transport)
	if err != nil {
		return fmt.Errorf("open %s connection %q: %w", r.origin, id, err)
	}

	h := newHandle(ConnectionInfo{
		ID:       id,
		Origin:   r.origin,
		Params:   params,
		OpenedAt: time.Now().UTC(),
	}, r.cfg.QueueCapacity)

	w := &worker{
		id:     id,
		origin: string(r.origin),
		tr:     tr,
		h:      h,
		cfg:    r.cfg,
		pub:    r.pub,
		log:    r.log.WithField("connId", id),
	}
	go w.run()

	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	return nil
}

// Close stops and joins the worker for id. It reports whether one was
// registered.
func (r *Registry) Close(id string) bool {
	if id == "" {
		id = DefaultConnID
	}

	unlock := r.lockID(id)
	defer unlock()

	r.prune()

	r.mu.Lock()
	h := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if h == nil {
		return false
	}
	h.signalStop()
	h.join()
	return true
}

// CloseAll stops every worker and waits for all of them. It returns how many
// were registered.
func (r *Registry) CloseAll() int {
	r.prune()

	r.mu.Lock()
	handles := make([]*handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	r.mu.Unlock()

	// Signal everyone first so shutdown costs one tick, not one per worker.
	for _, h := range handles {
		h.signalStop()
	}
	for _, h := range handles {
		h.join()
	}
	return len(handles)
}

// Transmit queues text, with the append mode applied, for the worker
// registered under id. It never blocks: a full queue or an exited worker
// yields ErrQueueFullOrClosed. Unlike the other operations it does not prune;
// an exited worker is still found and reported through its closed state.
func (r *Registry) Transmit(id, text, appendMode string) error {
	if id == "" {
		id = DefaultConnID
	}

	r.mu.Lock()
	h := r.handles[id]
	r.mu.Unlock()

	if h == nil {
		return fmt.Errorf("%w: %s connection %q", ErrNotFound, r.origin, id)
	}
	if h.finished() {
		return fmt.Errorf("%w: %s connection %q has stopped", ErrQueueFullOrClosed, r.origin, id)
	}

	select {
	case h.outbound <- payload.Apply(text, appendMode):
		return nil
	default:
		return fmt.Errorf("%w: %s connection %q queue is full", ErrQueueFullOrClosed, r.origin, id)
	}
}

// Pending reports how many payloads are queued for id and not yet taken by
// its worker. Unknown ids have none.
func (r *Registry) Pending(id string) int {
	if id == "" {
		id = DefaultConnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[id]
	if h == nil {
		return 0
	}
	return len(h.outbound)
}

// IsConnected reports whether id has a registered worker. A worker that
// failed since the last prune may still be reported until the next call.
func (r *Registry) IsConnected(id string) bool {
	if id == "" {
		id = DefaultConnID
	}
	r.prune()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// Connections lists live connections sorted by id.
func (r *Registry) Connections() []ConnectionInfo {
	r.prune()

	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// prune removes handles whose worker has exited on its own.
func (r *Registry) prune() {
	r.mu.Lock()
	var finished []*handle
	for id, h := range r.handles {
		if h.finished() {
			finished = append(finished, h)
			delete(r.handles, id)
		}
	}
	r.mu.Unlock()

	for _, h := range finished {
		h.signalStop()
		h.join()
		r.log.WithField("connId", h.info.ID).Debug("pruned finished worker")
	}
}
