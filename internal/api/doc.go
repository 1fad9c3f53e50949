// Package api implements the HTTP control surface for commlink.
//
// Control requests (open, close, transmit, query) are decoded strictly,
// forwarded to the orchestrator and answered with a JSON envelope. The
// telemetry routes hand the connection over to the observer hub (SSE or
// WebSocket).
package api
