// Package config provides configuration loading for integrationd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults filling the rest.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/breaker"
	"github.com/fyrsmithlabs/integrationd/internal/deploy"
	"github.com/fyrsmithlabs/integrationd/internal/dispatch"
	"github.com/fyrsmithlabs/integrationd/internal/integrator"
	"github.com/fyrsmithlabs/integrationd/internal/logging"
	"github.com/fyrsmithlabs/integrationd/internal/notify"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
	"github.com/fyrsmithlabs/integrationd/internal/store"
)

// Config holds the complete integrationd configuration.
type Config struct {
	Server      ServerConfig         `koanf:"server"`
	Logging     logging.Config       `koanf:"logging"`
	Store       store.Config         `koanf:"store"`
	Notify      notify.Config        `koanf:"notify"`
	Breaker     breaker.Config       `koanf:"breaker"`
	Retry       breaker.RetryConfig  `koanf:"retry"`
	Monitor     agents.MonitorConfig `koanf:"monitor"`
	Dispatch    dispatch.Config      `koanf:"dispatch"`
	Quality     quality.Config       `koanf:"quality"`
	Rollback    rollback.Config      `koanf:"rollback"`
	Deploy      deploy.Config        `koanf:"deploy"`
	Environment deploy.LocalConfig   `koanf:"environment"`
	Integrator  integrator.Config    `koanf:"integrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// applyDefaults fills in defaults for every section.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	cfg.Logging.ApplyDefaults()
	cfg.Store.ApplyDefaults()
	cfg.Notify.ApplyDefaults()
	cfg.Breaker.ApplyDefaults()
	cfg.Retry.ApplyDefaults()
	cfg.Monitor.ApplyDefaults()
	cfg.Dispatch.ApplyDefaults()
	cfg.Quality.ApplyDefaults()
	cfg.Rollback.ApplyDefaults()
	cfg.Deploy.ApplyDefaults()
	cfg.Environment.ApplyDefaults()
	cfg.Integrator.ApplyDefaults()
}

// Validate validates every configuration section.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("config: server http_port must be in [1,65535]")
	}
	sections := []struct {
		name     string
		validate func() error
	}{
		{"logging", c.Logging.Validate},
		{"notify", c.Notify.Validate},
		{"breaker", c.Breaker.Validate},
		{"retry", c.Retry.Validate},
		{"monitor", c.Monitor.Validate},
		{"dispatch", c.Dispatch.Validate},
		{"quality", c.Quality.Validate},
		{"rollback", c.Rollback.Validate},
		{"deploy", c.Deploy.Validate},
		{"integrator", c.Integrator.Validate},
	}
	for _, section := range sections {
		if err := section.validate(); err != nil {
			return fmt.Errorf("config: %s: %w", section.name, err)
		}
	}
	return nil
}
