package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/radio-control/commlink/internal/api"
	"github.com/radio-control/commlink/internal/audit"
	"github.com/radio-control/commlink/internal/auth"
	"github.com/radio-control/commlink/internal/command"
	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/link"
	"github.com/radio-control/commlink/internal/logging"
	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and connection workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

// service holds everything serve starts, in the order it must be torn down.
type service struct {
	log       *logrus.Logger
	hub       *telemetry.Hub
	broker    *telemetry.Broker
	forwarder *telemetry.MQTTForwarder
	audit     *audit.Logger
	orch      *command.Orchestrator
	server    *api.Server
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithField("version", Version).Info("starting commlink")

	svc, err := buildService(cfg, log)
	if err != nil {
		svc.shutdown()
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		svc.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	// Serve may not have installed its http.Server when shutdown runs, so
	// the listener is closed explicitly as well.
	defer func() { _ = ln.Close() }()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- svc.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-serverErr:
		if err != nil {
			log.WithError(err).Error("http server failed")
		}
	}

	svc.shutdown()
	log.Info("commlink stopped")
	return err
}

// buildService wires the components. On error the partially built service
// is returned so the caller can release what was started.
func buildService(cfg *config.Config, log *logrus.Logger) (*service, error) {
	svc := &service{log: log}

	svc.hub = telemetry.NewHub(telemetry.HubConfig{
		ClientBuffer:      cfg.Telemetry.ClientBuffer,
		ReplayBuffer:      cfg.Telemetry.ReplayBuffer,
		ReplayConnections: cfg.Telemetry.ReplayConnections,
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval,
	}, logging.Component(log, "hub"))
	log.Info("telemetry hub initialized")

	publishers := telemetry.Fanout{svc.hub}

	brokerURL := cfg.MQTT.Broker
	if cfg.MQTT.EmbeddedAddr != "" {
		broker, err := telemetry.StartBroker(cfg.MQTT.EmbeddedAddr, logging.Component(log, "mqtt-broker"))
		if err != nil {
			return svc, fmt.Errorf("failed to start embedded mqtt broker: %w", err)
		}
		svc.broker = broker
		if brokerURL == "" {
			brokerURL = broker.URL()
		}
		log.WithField("addr", cfg.MQTT.EmbeddedAddr).Info("embedded mqtt broker started")
	}
	if brokerURL != "" {
		forwarder, err := telemetry.NewMQTTForwarder(telemetry.MQTTConfig{
			Broker:      brokerURL,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			QoS:         byte(cfg.MQTT.QoS),
		}, logging.Component(log, "mqtt"))
		if err != nil {
			return svc, fmt.Errorf("failed to start mqtt forwarder: %w", err)
		}
		svc.forwarder = forwarder
		publishers = append(publishers, forwarder)
		log.WithField("broker", brokerURL).Info("mqtt forwarder connected")
	}

	var orchOpts []command.Option
	if cfg.Audit.File != "" {
		auditLogger, err := audit.NewLogger(cfg.Audit, log)
		if err != nil {
			return svc, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		svc.audit = auditLogger
		orchOpts = append(orchOpts, command.WithAuditLogger(auditLogger))
		log.WithField("file", cfg.Audit.File).Info("audit logger initialized")
	}

	var middleware *auth.Middleware
	if cfg.Auth.Enabled {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Algorithm:    cfg.Auth.Algorithm,
			SecretKey:    cfg.Auth.Secret,
			PublicKeyPEM: cfg.Auth.PublicKeyPEM,
		})
		if err != nil {
			return svc, fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		middleware = auth.NewMiddleware(verifier)
		log.WithField("algorithm", cfg.Auth.Algorithm).Info("api authentication enabled")
	}

	linkCfg := link.ConfigFrom(cfg.Link, cfg.Telemetry)
	serial := link.NewRegistry(transport.OriginSerial, linkCfg, publishers, log)
	socket := link.NewRegistry(transport.OriginSocket, linkCfg, publishers, log)
	orchOpts = append(orchOpts, command.WithLogger(log))
	svc.orch = command.NewOrchestrator(serial, socket, orchOpts...)

	svc.server = api.NewServer(svc.hub, svc.orch, middleware, cfg.Server, log)
	log.WithField("addr", cfg.Server.Addr).Info("api server created")
	return svc, nil
}

// shutdown releases components in dependency order: observers first so
// streaming requests end, then HTTP, workers, forwarding and audit.
func (s *service) shutdown() {
	if s == nil {
		return
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.server.Stop(ctx); err != nil {
			s.log.WithError(err).Warn("error stopping http server")
		}
		cancel()
	}
	if s.orch != nil {
		s.orch.Shutdown()
	}
	if s.forwarder != nil {
		sent, dropped := s.forwarder.Stats()
		s.forwarder.Close()
		s.log.WithFields(logrus.Fields{"sent": sent, "dropped": dropped}).Info("mqtt forwarder closed")
	}
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.log.WithError(err).Warn("error stopping mqtt broker")
		}
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.log.WithError(err).Warn("error closing audit logger")
		}
	}
}
