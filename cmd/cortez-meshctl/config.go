package main

import (
	"github.com/patrickcortez/cortezmesh/internal/config"
	"github.com/patrickcortez/cortezmesh/internal/logx"
	"github.com/patrickcortez/cortezmesh/internal/segment"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// loadConfig reads the environment (and .env), then applies any
// persistent-flag overrides the user passed on this invocation.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	if v, _ := cmd.Flags().GetBool("file-backend"); v {
		cfg.UseFileBackend = true
	}
	if v, _ := cmd.Flags().GetString("device-path"); v != "" {
		cfg.DevicePath = v
	}
	if v, _ := cmd.Flags().GetString("file-backend-dir"); v != "" {
		cfg.FileBackendDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

func setupBackend(cmd *cobra.Command) (segment.Backend, config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, config.Config{}, zerolog.Logger{}, err
	}
	logger := logx.New(cfg.Logger())
	backend, err := cfg.Backend()
	if err != nil {
		return nil, config.Config{}, logger, err
	}
	return backend, cfg, logger, nil
}
