package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Event is a record as delivered to observers, with a hub-wide monotonic ID.
type Event struct {
	ID     int64          `json:"id,omitempty"`
	Type   string         `json:"type"`
	Record *Record        `json:"record,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Filter selects records by origin and connection id. Empty fields match all.
type Filter struct {
	Origin string
	ConnID string
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec *Record) bool {
	if rec == nil {
		return true
	}
	if f.Origin != "" && f.Origin != rec.Origin {
		return false
	}
	if f.ConnID != "" && f.ConnID != rec.ConnID {
		return false
	}
	return true
}

// FilterFromRequest reads the origin and connId query parameters.
func FilterFromRequest(r *http.Request) Filter {
	q := r.URL.Query()
	return Filter{Origin: q.Get("origin"), ConnID: q.Get("connId")}
}

// HubConfig sizes subscriber queues and the replay buffers. ReplayBuffer is
// the number of events kept per connection; ReplayConnections caps how many
// connections keep a buffer, the least recently active one being evicted.
type HubConfig struct {
	ClientBuffer      int
	ReplayBuffer      int
	ReplayConnections int
	HeartbeatInterval time.Duration
}

// Subscription is one observer's bounded event queue.
type Subscription struct {
	ID      string
	filter  Filter
	events  chan Event
	hub     *Hub
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans records out to observers without ever blocking the publisher.
//
// Lock ordering: h.mu, then EventBuffer.mu. Subscription channels are only
// closed while holding h.mu for writing, and only sent to while holding it
// for reading, so a send never races a close.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	buffers map[string]*EventBuffer

	cfg     HubConfig
	log     logrus.FieldLogger
	nextID  atomic.Int64
	dropped atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
	upgrader websocket.Upgrader
}

// NewHub creates a hub.
func NewHub(cfg HubConfig, log logrus.FieldLogger) *Hub {
	if cfg.ClientBuffer < 1 {
		cfg.ClientBuffer = 256
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReplayConnections < 1 {
		cfg.ReplayConnections = 64
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		buffers: make(map[string]*EventBuffer),
		cfg:     cfg,
		log:     log,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Publish implements Publisher. Subscribers whose queue is full miss the event.
func (h *Hub) Publish(rec Record) {
	event := Event{
		ID:     h.nextID.Add(1),
		Type:   "record",
		Record: &rec,
	}

	if h.cfg.ReplayBuffer > 0 {
		h.bufferEvent(rec.Key(), event)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Match(&rec) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers an in-process observer.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		filter: filter,
		events: make(chan Event, h.cfg.ClientBuffer),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		close(sub.events)
		sub.once.Do(func() {})
	default:
		h.subs[sub.ID] = sub
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.once.Do(func() {
		delete(h.subs, sub.ID)
		close(sub.events)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of events discarded across subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Replay returns buffered events after lastID that pass filter, oldest first.
func (h *Hub) Replay(filter Filter, lastID int64) []Event {
	h.mu.RLock()
	buffers := make([]*EventBuffer, 0, len(h.buffers))
	for _, buffer := range h.buffers {
		buffers = append(buffers, buffer)
	}
	h.mu.RUnlock()

	var events []Event
	for _, buffer := range buffers {
		for _, event := range buffer.GetEventsAfter(lastID) {
			if filter.Match(event.Record) {
				events = append(events, event)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

// bufferEvent adds an event to the per-connection ring buffer. A new
// connection beyond ReplayConnections evicts the buffer whose newest event
// is oldest.
func (h *Hub) bufferEvent(key string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buffer, exists := h.buffers[key]
	if !exists {
		if len(h.buffers) >= h.cfg.ReplayConnections {
			h.evictStalestBuffer()
		}
		buffer = NewEventBuffer(h.cfg.ReplayBuffer)
		h.buffers[key] = buffer
	}
	buffer.AddEvent(event)
}

// evictStalestBuffer must be called with h.mu held for writing.
func (h *Hub) evictStalestBuffer() {
	var (
		stalest string
		lowest  int64 = -1
	)
	for key, buffer := range h.buffers {
		if id := buffer.LastID(); lowest < 0 || id < lowest {
			stalest, lowest = key, id
		}
	}
	delete(h.buffers, stalest)
}

// ReplayConnections returns how many connections currently keep a replay buffer.
func (h *Hub) ReplayConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buffers)
}

// Stop closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for id, sub := range h.subs {
			sub.once.Do(func() { close(sub.events) })
			delete(h.subs, id)
		}
	})
}

// lastEventID reads the resume point from the Last-Event-ID header, falling
// back to the lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// ServeSSE streams records as server-sent events until the client goes away
// or the hub stops. Query parameters origin and connId filter the stream.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	filter := FilterFromRequest(r)
	sub := h.Subscribe(filter)
	defer sub.Close()

	ready := Event{Type: "ready", Data: map[string]any{"clientId": sub.ID}}
	if err := writeSSE(w, flusher, ready); err != nil {
		return
	}

	// Events published between Subscribe and Replay arrive on both paths.
	var replayed int64
	if lastID := lastEventID(r); lastID > 0 {
		for _, event := range h.Replay(filter, lastID) {
			if err := writeSSE(w, flusher, event); err != nil {
				return
			}
			replayed = event.ID
		}
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			heartbeat := Event{Type: "heartbeat", Data: map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)}}
			if err := writeSSE(w, flusher, heartbeat); err != nil {
				return
			}
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if event.ID <= replayed {
				continue
			}
			if err := writeSSE(w, flusher, event); err != nil {
				h.log.WithError(err).WithField("client", sub.ID).Debug("sse client write failed")
				return
			}
		}
	}
}

// writeSSE writes one event in text/event-stream framing. Record events carry
// the bare record as data.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	var payload any = event.Data
	if event.Record != nil {
		payload = event.Record
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// ServeWS upgrades the request to a WebSocket and streams records as JSON
// text messages. Pings are sent at the heartbeat interval.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	filter := FilterFromRequest(r)
	sub := h.Subscribe(filter)
	defer sub.Close()

	// The reader only exists to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	const writeWait = 5 * time.Second

	var replayed int64
	if lastID := lastEventID(r); lastID > 0 {
		for _, event := range h.Replay(filter, lastID) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event.Record); err != nil {
				return
			}
			replayed = event.ID
		}
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if event.ID <= replayed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event.Record); err != nil {
				h.log.WithError(err).WithField("client", sub.ID).Debug("websocket client write failed")
				return
			}
		}
	}
}

// EventBuffer is a bounded ring of the most recent events for one connection.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// AddEvent appends an event, evicting the oldest when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

// GetEventsAfter returns events with an ID greater than lastID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.ID > lastID {
			result = append(result, event)
		}
	}
	return result
}

// LastID returns the ID of the newest buffered event, or 0 when empty.
func (b *EventBuffer) LastID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.events) == 0 {
		return 0
	}
	return b.events[len(b.events)-1].ID
}

// GetSize returns the number of buffered events.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
