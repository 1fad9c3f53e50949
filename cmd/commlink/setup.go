package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/logging"
)

// loadConfig loads configuration and builds the process logger.
func loadConfig(opts *rootOptions) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, log, nil
}
