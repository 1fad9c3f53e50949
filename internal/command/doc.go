// Package command implements the orchestrator that sits between the control
// API or CLI and the two connection registries.
//
// The orchestrator applies the default connection id, routes each request to
// the serial or socket registry, and writes one audit entry per action.
// Payload bytes never reach the audit log, only their length.
package command
