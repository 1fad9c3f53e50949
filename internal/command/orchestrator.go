package command

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/logging"
	"github.com/radio-control/commlink/internal/transport"
)

// Connections lists live connections per registry.
type Connections struct {
	Serial []link.ConnectionInfo `json:"serial"`
	Socket []link.ConnectionInfo `json:"socket"`
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAuditLogger records every action through audit.
func WithAuditLogger(audit AuditLogger) Option {
	return func(o *Orchestrator) {
		o.auditLogger = audit
	}
}

// WithPortLister replaces serial device enumeration.
func WithPortLister(list func() ([]string, error)) Option {
	return func(o *Orchestrator) {
		o.listPorts = list
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		o.log = logging.Component(log, "command")
	}
}

// Orchestrator routes validated requests to the serial or socket registry.
type Orchestrator struct {
	serial Registry
	socket Registry

	auditLogger AuditLogger
	listPorts   func() ([]string, error)
	log         logrus.FieldLogger
}

// NewOrchestrator creates an orchestrator over the two registries.
func NewOrchestrator(serial, socket Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		serial:    serial,
		socket:    socket,
		listPorts: transport.ListSerialPorts,
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) registry(origin transport.Origin) (Registry, error) {
	switch origin {
	case transport.OriginSerial:
		return o.serial, nil
	case transport.OriginSocket:
		return o.socket, nil
	default:
		return nil, fmt.Errorf("%w: unknown origin %q", ErrInvalidParameter, origin)
	}
}

func connIDOrDefault(connID string) string {
	if connID == "" {
		return link.DefaultConnID
	}
	return connID
}

// OpenSerial opens (or reopens) the serial connection connID.
func (o *Orchestrator) OpenSerial(ctx context.Context, connID string, params transport.SerialParams) error {
	connID = connIDOrDefault(connID)
	err := o.serial.Open(ctx, connID, params)
	o.logAudit(ctx, "serial.open", transport.OriginSerial, connID, map[string]interface{}{
		"port":      params.Port,
		"baud":      params.Baud,
		"data_bits": params.DataBits,
		"parity":    params.Parity,
		"stop_bits": params.StopBits,
		"flow":      params.Flow,
	}, err)
	return err
}

// OpenSocket opens (or reopens) the socket connection connID.
func (o *Orchestrator) OpenSocket(ctx context.Context, connID string, params transport.SocketParams) error {
	connID = connIDOrDefault(connID)
	err := o.socket.Open(ctx, connID, params)
	o.logAudit(ctx, "socket.open", transport.OriginSocket, connID, map[string]interface{}{
		"host":     params.Host,
		"port":     params.Port,
		"protocol": params.NormalizedProtocol(),
	}, err)
	return err
}

// Close stops one connection of origin, or every connection of origin when
// connID is nil. It returns how many workers were stopped; closing an
// unknown id stops none and is not an error.
func (o *Orchestrator) Close(ctx context.Context, origin transport.Origin, connID *string) (int, error) {
	reg, err := o.registry(origin)
	if err != nil {
		return 0, err
	}

	if connID == nil {
		n := reg.CloseAll()
		o.logAudit(ctx, string(origin)+".close", origin, "*", map[string]interface{}{"closed": n}, nil)
		return n, nil
	}

	id := connIDOrDefault(*connID)
	n := 0
	if reg.Close(id) {
		n = 1
	}
	o.logAudit(ctx, string(origin)+".close", origin, id, map[string]interface{}{"closed": n}, nil)
	return n, nil
}

// Transmit queues payload, with the append mode applied, on connection connID.
func (o *Orchestrator) Transmit(ctx context.Context, origin transport.Origin, connID, payload, appendMode string) error {
	reg, err := o.registry(origin)
	if err != nil {
		return err
	}

	connID = connIDOrDefault(connID)
	err = reg.Transmit(connID, payload, appendMode)
	o.logAudit(ctx, string(origin)+".tx", origin, connID, map[string]interface{}{
		"bytes":  len(payload),
		"append": appendMode,
	}, err)
	return err
}

// IsConnected reports whether connID has a live worker.
func (o *Orchestrator) IsConnected(origin transport.Origin, connID string) (bool, error) {
	reg, err := o.registry(origin)
	if err != nil {
		return false, err
	}
	return reg.IsConnected(connIDOrDefault(connID)), nil
}

// Connections lists live connections in both registries.
func (o *Orchestrator) Connections() Connections {
	return Connections{
		Serial: o.serial.Connections(),
		Socket: o.socket.Connections(),
	}
}

// ListPorts enumerates serial devices.
func (o *Orchestrator) ListPorts() ([]string, error) {
	ports, err := o.listPorts()
	if err != nil {
		return nil, err
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}

// Shutdown stops every worker in both registries.
func (o *Orchestrator) Shutdown() {
	serial := o.serial.CloseAll()
	socket := o.socket.CloseAll()
	o.log.WithFields(logrus.Fields{
		"serial": serial,
		"socket": socket,
	}).Info("all connections stopped")
}

func (o *Orchestrator) logAudit(ctx context.Context, action string, origin transport.Origin, connID string, params map[string]interface{}, err error) {
	if err != nil {
		o.log.WithFields(logrus.Fields{
			"action": action,
			"connId": connID,
		}).WithError(err).Warn("control action failed")
	}
	if o.auditLogger == nil {
		return
	}
	o.auditLogger.LogControlAction(ctx, action, string(origin), connID, params, err)
}
