package api

import (
	"net/http"

	"github.com/radio-control/commlink/internal/command"
	"github.com/radio-control/commlink/internal/telemetry"
)

// OrchestratorPort is the orchestrator surface the API drives.
type OrchestratorPort = command.OrchestratorPort

// TelemetryPort defines the minimal interface the API needs from the telemetry hub.
type TelemetryPort interface {
	ServeSSE(w http.ResponseWriter, r *http.Request)
	ServeWS(w http.ResponseWriter, r *http.Request)
	Subscribers() int
}

// Compile-time assertions for port conformance
var _ TelemetryPort = (*telemetry.Hub)(nil)
