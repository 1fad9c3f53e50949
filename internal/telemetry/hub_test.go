package telemetry

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radio-control/commlink/internal/logging"
)

func testHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	h := NewHub(cfg, logging.Nop())
	t.Cleanup(h.Stop)
	return h
}

func rec(origin, connID, text string) Record {
	return Record{Origin: origin, ConnID: connID, Dir: DirRX, Text: text, Raw: RawBytes(text)}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := testHub(t, HubConfig{})
	done := make(chan struct{})
	go func() {
		for range 10000 {
			h.Publish(rec("serial", "main", "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with no observer")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	h := testHub(t, HubConfig{ClientBuffer: 2})
	sub := h.Subscribe(Filter{})

	for range 5 {
		h.Publish(rec("serial", "main", "x"))
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Equal(t, uint64(3), h.Dropped())
	assert.Equal(t, int64(1), receive(t, sub).ID)
	assert.Equal(t, int64(2), receive(t, sub).ID)
}

func TestSubscribeFilter(t *testing.T) {
	h := testHub(t, HubConfig{})
	serialOnly := h.Subscribe(Filter{Origin: "serial"})
	devB := h.Subscribe(Filter{ConnID: "b"})

	h.Publish(rec("socket", "a", "1"))
	h.Publish(rec("serial", "b", "2"))

	ev := receive(t, serialOnly)
	assert.Equal(t, "2", ev.Record.Text)
	ev = receive(t, devB)
	assert.Equal(t, "2", ev.Record.Text)

	select {
	case ev := <-serialOnly.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSubscriptionCloseAndStop(t *testing.T) {
	h := NewHub(HubConfig{}, logging.Nop())
	a := h.Subscribe(Filter{})
	b := h.Subscribe(Filter{})
	assert.Equal(t, 2, h.Subscribers())

	a.Close()
	a.Close()
	_, ok := <-a.C()
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers())

	h.Stop()
	h.Stop()
	_, ok = <-b.C()
	assert.False(t, ok)

	late := h.Subscribe(Filter{})
	_, ok = <-late.C()
	assert.False(t, ok)
	late.Close()

	// publishing after stop is still safe
	h.Publish(rec("serial", "main", "x"))
}

func TestReplay(t *testing.T) {
	h := testHub(t, HubConfig{ReplayBuffer: 3})
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		h.Publish(rec("serial", "main", text))
	}
	h.Publish(rec("socket", "main", "6"))

	events := h.Replay(Filter{Origin: "serial"}, 0)
	require.Len(t, events, 3)
	assert.Equal(t, "3", events[0].Record.Text)
	assert.Equal(t, "5", events[2].Record.Text)

	events = h.Replay(Filter{}, 4)
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].ID)
	assert.Equal(t, int64(6), events[1].ID)
}

func TestReplayEvictsStalestConnection(t *testing.T) {
	h := testHub(t, HubConfig{ReplayBuffer: 4, ReplayConnections: 2})
	h.Publish(rec("socket", "a", "1"))
	h.Publish(rec("socket", "b", "2"))
	h.Publish(rec("socket", "a", "3"))
	h.Publish(rec("socket", "c", "4"))

	assert.Equal(t, 2, h.ReplayConnections())
	assert.Empty(t, h.Replay(Filter{ConnID: "b"}, 0))
	assert.Len(t, h.Replay(Filter{ConnID: "a"}, 0), 2)
	assert.Len(t, h.Replay(Filter{ConnID: "c"}, 0), 1)

	for i := range 100 {
		h.Publish(rec("socket", "short-"+strconv.Itoa(i), "x"))
	}
	assert.Equal(t, 2, h.ReplayConnections())
}

func TestEventBuffer(t *testing.T) {
	b := NewEventBuffer(2)
	b.AddEvent(Event{ID: 1})
	b.AddEvent(Event{ID: 2})
	b.AddEvent(Event{ID: 3})

	assert.Equal(t, 2, b.GetSize())
	assert.Equal(t, int64(3), b.LastID())
	assert.Zero(t, NewEventBuffer(1).LastID())
	after := b.GetEventsAfter(2)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].ID)
}

type sseEvent struct {
	id   string
	name string
	data string
}

func readSSE(t *testing.T, scanner *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended: %v", scanner.Err())
	return ev
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Subscribers() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServeSSE(t *testing.T) {
	h := testHub(t, HubConfig{ReplayBuffer: 10, HeartbeatInterval: 50 * time.Millisecond})
	h.Publish(rec("serial", "main", "old-1"))
	h.Publish(rec("socket", "main", "other"))
	h.Publish(rec("serial", "main", "old-2"))

	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"?origin=serial&connId=main", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	ready := readSSE(t, scanner)
	assert.Equal(t, "ready", ready.name)

	replayed := readSSE(t, scanner)
	assert.Equal(t, "record", replayed.name)
	assert.Equal(t, "3", replayed.id)
	var got Record
	require.NoError(t, json.Unmarshal([]byte(replayed.data), &got))
	assert.Equal(t, "old-2", got.Text)

	waitSubscribers(t, h, 1)
	h.Publish(rec("socket", "main", "filtered"))
	h.Publish(rec("serial", "main", "live"))

	for {
		ev := readSSE(t, scanner)
		if ev.name == "heartbeat" {
			continue
		}
		assert.Equal(t, "record", ev.name)
		assert.Equal(t, "5", ev.id)
		require.NoError(t, json.Unmarshal([]byte(ev.data), &got))
		assert.Equal(t, "live", got.Text)
		assert.Equal(t, RawBytes("live"), got.Raw)
		break
	}

	heartbeat := readSSE(t, scanner)
	assert.Equal(t, "heartbeat", heartbeat.name)
}

func TestServeSSEEndsOnStop(t *testing.T) {
	h := NewHub(HubConfig{}, logging.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	scanner := bufio.NewScanner(resp.Body)
	assert.Equal(t, "ready", readSSE(t, scanner).name)

	waitSubscribers(t, h, 1)
	h.Stop()

	for scanner.Scan() {
	}
	assert.Equal(t, 0, h.Subscribers())
}

func TestServeWS(t *testing.T) {
	h := testHub(t, HubConfig{HeartbeatInterval: time.Second})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?connId=dev"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	waitSubscribers(t, h, 1)
	h.Publish(rec("socket", "other", "skip"))
	h.Publish(rec("socket", "dev", "hello"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Record
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "dev", got.ConnID)

	require.NoError(t, conn.Close())
	waitSubscribers(t, h, 0)
}
