package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/transport"
)

const apiV1 = "/api/v1"

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 1 << 20

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	m := s.authMiddleware

	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.withWriteTimeout(s.handleHealth))

	mux.HandleFunc(apiV1+"/serial/ports", m.RequireScope(s.withWriteTimeout(s.handlePorts), auth.ScopeRead))
	mux.HandleFunc(apiV1+"/serial/open", m.RequireScope(s.withWriteTimeout(s.handleOpenSerial), auth.ScopeControl))
	mux.HandleFunc(apiV1+"/socket/open", m.RequireScope(s.withWriteTimeout(s.handleOpenSocket), auth.ScopeControl))

	for _, origin := range []transport.Origin{transport.OriginSerial, transport.OriginSocket} {
		base := apiV1 + "/" + string(origin)
		mux.HandleFunc(base+"/close", m.RequireScope(s.withWriteTimeout(s.handleClose(origin)), auth.ScopeControl))
		mux.HandleFunc(base+"/tx", m.RequireScope(s.withWriteTimeout(s.handleTransmit(origin)), auth.ScopeControl))
		mux.HandleFunc(base+"/connected", m.RequireScope(s.withWriteTimeout(s.handleConnected(origin)), auth.ScopeRead))
	}

	mux.HandleFunc(apiV1+"/connections", m.RequireScope(s.withWriteTimeout(s.handleConnections), auth.ScopeRead))

	// Streaming endpoints run without a write deadline.
	mux.HandleFunc(apiV1+"/telemetry", m.RequireScope(s.handleTelemetry, auth.ScopeTelemetry))
	mux.HandleFunc(apiV1+"/telemetry/ws", m.RequireScope(s.handleTelemetryWS, auth.ScopeTelemetry))
}

// withWriteTimeout applies the configured write timeout to one response.
func (s *Server) withWriteTimeout(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.WriteTimeout <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		next(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("Only %s method is allowed", method), nil)
	return false
}

// decodeStrict decodes a single JSON object, rejecting unknown fields and
// trailing data. An empty body decodes as {}.
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed JSON or unknown fields: %v", ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	health := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
	}
	if s.telemetryHub != nil {
		health["subscribers"] = s.telemetryHub.Subscribers()
	}
	WriteSuccess(w, health)
}

// handlePorts handles GET /serial/ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	ports, err := s.orchestrator.ListPorts()
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"ports": ports})
}

type openSerialRequest struct {
	transport.SerialParams
	ConnID string `json:"conn_id"`
}

// handleOpenSerial handles POST /serial/open
func (s *Server) handleOpenSerial(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req openSerialRequest
	if err := decodeStrict(r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}

	if err := s.orchestrator.OpenSerial(r.Context(), req.ConnID, req.SerialParams); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"connId": connIDOrDefault(req.ConnID), "connected": true})
}

type openSocketRequest struct {
	transport.SocketParams
	ConnID string `json:"conn_id"`
}

// handleOpenSocket handles POST /socket/open
func (s *Server) handleOpenSocket(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req openSocketRequest
	if err := decodeStrict(r, &req); err != nil {
		WriteAPIError(w, err)
		return
	}

	if err := s.orchestrator.OpenSocket(r.Context(), req.ConnID, req.SocketParams); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"connId": connIDOrDefault(req.ConnID), "connected": true})
}

type closeRequest struct {
	ConnID *string `json:"conn_id"`
}

// handleClose handles POST /{origin}/close. Without conn_id every connection
// of that origin is closed.
func (s *Server) handleClose(origin transport.Origin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}

		var req closeRequest
		if err := decodeStrict(r, &req); err != nil {
			WriteAPIError(w, err)
			return
		}

		closed, err := s.orchestrator.Close(r.Context(), origin, req.ConnID)
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		WriteSuccess(w, map[string]interface{}{"closed": closed})
	}
}

type transmitRequest struct {
	Payload *string `json:"payload"`
	Append  string  `json:"append"`
	ConnID  string  `json:"conn_id"`
}

// handleTransmit handles POST /{origin}/tx
func (s *Server) handleTransmit(origin transport.Origin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}

		var req transmitRequest
		if err := decodeStrict(r, &req); err != nil {
			WriteAPIError(w, err)
			return
		}
		if req.Payload == nil {
			WriteAPIError(w, fmt.Errorf("%w: payload is required", ErrBadRequest))
			return
		}

		if err := s.orchestrator.Transmit(r.Context(), origin, req.ConnID, *req.Payload, req.Append); err != nil {
			WriteAPIError(w, err)
			return
		}
		WriteSuccess(w, map[string]interface{}{"queued": true})
	}
}

// handleConnected handles GET /{origin}/connected?conn_id=
func (s *Server) handleConnected(origin transport.Origin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}

		connID := connIDOrDefault(r.URL.Query().Get("conn_id"))
		connected, err := s.orchestrator.IsConnected(origin, connID)
		if err != nil {
			WriteAPIError(w, err)
			return
		}
		WriteSuccess(w, map[string]interface{}{"connId": connID, "connected": connected})
	}
}

// handleConnections handles GET /connections
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	WriteSuccess(w, s.orchestrator.Connections())
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry not available", nil)
		return
	}
	s.telemetryHub.ServeSSE(w, r)
}

// handleTelemetryWS handles GET /telemetry/ws
func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry not available", nil)
		return
	}
	s.telemetryHub.ServeWS(w, r)
}

func connIDOrDefault(connID string) string {
	if connID == "" {
		return link.DefaultConnID
	}
	return connID
}
