package command

import (
	"context"
	"errors"

	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/transport"
)

// OrchestratorPort defines the minimal interface the API needs from the orchestrator.
type OrchestratorPort interface {
	OpenSerial(ctx context.Context, connID string, params transport.SerialParams) error
	OpenSocket(ctx context.Context, connID string, params transport.SocketParams) error
	Close(ctx context.Context, origin transport.Origin, connID *string) (int, error)
	Transmit(ctx context.Context, origin transport.Origin, connID, payload, appendMode string) error
	IsConnected(origin transport.Origin, connID string) (bool, error)
	Connections() Connections
	ListPorts() ([]string, error)
}

// Registry is the part of link.Registry the orchestrator drives.
type Registry interface {
	Origin() transport.Origin
	Open(ctx context.Context, id string, params transport.Params) error
	Close(id string) bool
	CloseAll() int
	Transmit(id, text, appendMode string) error
	IsConnected(id string) bool
	Connections() []link.ConnectionInfo
}

// AuditLogger interface for writing audit records.
type AuditLogger interface {
	LogControlAction(ctx context.Context, action, origin, connID string, params map[string]interface{}, err error)
}

// Compile-time assertions.
var (
	_ Registry         = (*link.Registry)(nil)
	_ OrchestratorPort = (*Orchestrator)(nil)
)

// ErrInvalidParameter indicates a required parameter is missing or structurally invalid.
var ErrInvalidParameter = errors.New("BAD_REQUEST")
