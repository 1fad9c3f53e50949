package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/command"
	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/logging"
	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
	"github.com/radio-control/commlink/internal/transport/fake"
)

type testEnv struct {
	server       *Server
	handler      http.Handler
	hub          *telemetry.Hub
	serialOpener *fake.Opener
	socketOpener *fake.Opener
}

func setupAPITest(t *testing.T, middleware *auth.Middleware) *testEnv {
	t.Helper()
	hub := telemetry.NewHub(telemetry.HubConfig{ClientBuffer: 64, ReplayBuffer: 16, HeartbeatInterval: time.Second}, logging.Nop())
	t.Cleanup(hub.Stop)

	cfg := link.DefaultConfig()
	cfg.ReadTimeout = 20 * time.Millisecond
	cfg.Sink.Dir = t.TempDir()

	env := &testEnv{hub: hub, serialOpener: &fake.Opener{}, socketOpener: &fake.Opener{}}
	serial := link.NewRegistry(transport.OriginSerial, cfg, hub, logging.Nop(), link.WithOpener(env.serialOpener.Open))
	socket := link.NewRegistry(transport.OriginSocket, cfg, hub, logging.Nop(), link.WithOpener(env.socketOpener.Open))
	orch := command.NewOrchestrator(serial, socket,
		command.WithPortLister(func() ([]string, error) { return []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, nil }))
	t.Cleanup(orch.Shutdown)

	env.server = NewServer(hub, orch, middleware, config.Baseline().Server, logging.Nop())
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func dataMap(t *testing.T, resp Response) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

const serialBody = `{"port":"/dev/ttyUSB0","baud":115200,"data_bits":8,"parity":"none","stop_bits":1,"flow":"none"}`

func TestHealth(t *testing.T) {
	env := setupAPITest(t, nil)
	rec, resp := env.do(t, http.MethodGet, "/api/v1/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, "ok", dataMap(t, resp)["status"])
	_, err := uuid.Parse(resp.CorrelationID)
	assert.NoError(t, err)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestMethodNotAllowed(t *testing.T) {
	env := setupAPITest(t, nil)
	rec, resp := env.do(t, http.MethodGet, "/api/v1/serial/open", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", resp.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestListPorts(t *testing.T) {
	env := setupAPITest(t, nil)
	rec, resp := env.do(t, http.MethodGet, "/api/v1/serial/ports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"/dev/ttyACM0", "/dev/ttyUSB0"}, dataMap(t, resp)["ports"])
}

func TestSerialLifecycle(t *testing.T) {
	env := setupAPITest(t, nil)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/serial/open", serialBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "main", dataMap(t, resp)["connId"])

	rec, resp = env.do(t, http.MethodGet, "/api/v1/serial/connected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, dataMap(t, resp)["connected"])

	rec, _ = env.do(t, http.MethodPost, "/api/v1/serial/tx", `{"payload":"AT","append":"cr"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tr := env.serialOpener.Last()
	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("AT\r"), tr.Writes()[0])

	rec, resp = env.do(t, http.MethodPost, "/api/v1/serial/close", `{"conn_id":"main"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, dataMap(t, resp)["closed"])

	_, resp = env.do(t, http.MethodGet, "/api/v1/serial/connected?conn_id=main", "")
	assert.Equal(t, false, dataMap(t, resp)["connected"])
}

func TestSocketOpenAndCloseAll(t *testing.T) {
	env := setupAPITest(t, nil)

	for _, id := range []string{"a", "b"} {
		body := fmt.Sprintf(`{"host":"127.0.0.1","port":7000,"protocol":"UDP","conn_id":%q}`, id)
		rec, _ := env.do(t, http.MethodPost, "/api/v1/socket/open", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	_, resp := env.do(t, http.MethodGet, "/api/v1/connections", "")
	conns := dataMap(t, resp)
	assert.Len(t, conns["socket"], 2)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/socket/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, dataMap(t, resp)["closed"])

	for _, id := range []string{"a", "b"} {
		_, resp = env.do(t, http.MethodGet, "/api/v1/socket/connected?conn_id="+id, "")
		assert.Equal(t, false, dataMap(t, resp)["connected"])
	}
}

func TestErrorMapping(t *testing.T) {
	env := setupAPITest(t, nil)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown field", "/api/v1/serial/open", `{"port":"/dev/x","speed":9600}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"trailing data", "/api/v1/socket/close", `{} {}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad json", "/api/v1/socket/tx", `{"payload":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing payload", "/api/v1/socket/tx", `{"append":"lf"}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"bad parity", "/api/v1/serial/open", strings.Replace(serialBody, `"none","stop_bits"`, `"mark","stop_bits"`, 1), http.StatusBadRequest, "VALIDATION"},
		{"bad protocol", "/api/v1/socket/open", `{"host":"h","port":1,"protocol":"sctp"}`, http.StatusBadRequest, "VALIDATION"},
		{"tx unknown id", "/api/v1/socket/tx", `{"payload":"x","conn_id":"ghost"}`, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "error", resp.Result)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.CorrelationID)
		})
	}
}

func TestTransportOpenFailure(t *testing.T) {
	env := setupAPITest(t, nil)
	env.socketOpener.FailWith(fmt.Errorf("%w: connection refused", transport.ErrTransportOpen))

	rec, resp := env.do(t, http.MethodPost, "/api/v1/socket/open", `{"host":"127.0.0.1","port":9,"protocol":"tcp"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "TRANSPORT_OPEN", resp.Code)
	assert.Contains(t, resp.Message, "connection refused")
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("x: %w", transport.ErrValidation), http.StatusBadRequest, "VALIDATION"},
		{command.ErrInvalidParameter, http.StatusBadRequest, "BAD_REQUEST"},
		{link.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{link.ErrQueueFullOrClosed, http.StatusServiceUnavailable, "QUEUE_FULL_OR_CLOSED"},
		{transport.ErrTransportOpen, http.StatusBadGateway, "TRANSPORT_OPEN"},
		{NewAPIError("FORBIDDEN", "no", http.StatusForbidden, nil), http.StatusForbidden, "FORBIDDEN"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		apiErr := ToAPIError(tt.err)
		assert.Equal(t, tt.status, apiErr.StatusCode, tt.err.Error())
		assert.Equal(t, tt.code, apiErr.Code, tt.err.Error())
	}
}

func TestAuthScopes(t *testing.T) {
	const secret = "s3cret"
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Algorithm: "HS256", SecretKey: secret})
	require.NoError(t, err)
	env := setupAPITest(t, auth.NewMiddleware(verifier))

	token := func(scopes ...interface{}) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":    "tester",
			"scopes": scopes,
			"exp":    time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		return "Bearer " + signed
	}

	rec, _ := env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/connections", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", resp.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/connections", "", "Authorization", token(auth.ScopeRead))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/serial/open", serialBody, "Authorization", token(auth.ScopeRead))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", resp.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/serial/open", serialBody, "Authorization", token(auth.ScopeControl))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTelemetrySSE(t *testing.T) {
	env := setupAPITest(t, nil)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/telemetry?origin=socket", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(prefix string) string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}
	waitFor("event: ready")

	env.hub.Publish(telemetry.Record{Dir: telemetry.DirRX, Origin: "serial", ConnID: "main", Text: "skip"})
	env.hub.Publish(telemetry.Record{Dir: telemetry.DirRX, Origin: "socket", ConnID: "main", Text: "OK", Raw: []byte("OK")})

	waitFor("event: record")
	data := waitFor("data: ")
	var rec telemetry.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &rec))
	assert.Equal(t, "OK", rec.Text)
	assert.Equal(t, "socket", rec.Origin)
	assert.Equal(t, telemetry.RawBytes("OK"), rec.Raw)
}

func TestTelemetryWebSocket(t *testing.T) {
	env := setupAPITest(t, nil)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/telemetry/ws?connId=gw"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	env.hub.Publish(telemetry.Record{Dir: telemetry.DirTX, Origin: "socket", ConnID: "other", Text: "skip"})
	env.hub.Publish(telemetry.Record{Dir: telemetry.DirTX, Origin: "socket", ConnID: "gw", Text: "PING"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var rec telemetry.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "PING", rec.Text)
	assert.Equal(t, "gw", rec.ConnID)
}

func TestServeAndStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hub := telemetry.NewHub(telemetry.HubConfig{}, logging.Nop())
	defer hub.Stop()
	srv := NewServer(hub, nil, nil, config.Baseline().Server, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/api/v1/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestWriteResponseEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusTeapot, "TEAPOT", "short and stout", map[string]int{"cups": 2})

	var resp Response
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&resp))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "error", resp.Result)
	assert.Equal(t, "TEAPOT", resp.Code)
	assert.NotNil(t, resp.Details)
}
