// Package config loads process configuration from the environment (and
// an optional .env file for local development), the way this module's
// teacher pack's cmd/ entrypoints do: a single typed struct populated by
// struct tags, rather than hand-rolled flag parsing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/patrickcortez/cortezmesh/internal/logx"
	"github.com/patrickcortez/cortezmesh/internal/segment"
	"github.com/patrickcortez/cortezmesh/pkg/mesh"
)

// Config is the full set of environment-tunable knobs for a mesh process:
// which backend to join the bus through, how big its channels are, and
// how its housekeeper is paced.
type Config struct {
	NodeName string `env:"CORTEZ_NODE_NAME" envDefault:"node"`

	UseFileBackend bool   `env:"CORTEZ_USE_FILE_BACKEND" envDefault:"false"`
	DevicePath     string `env:"CORTEZ_DEVICE_PATH" envDefault:"/dev/cortez_tunnel"`
	FileBackendDir string `env:"CORTEZ_FILE_BACKEND_DIR" envDefault:"/tmp/cortez-mesh"`

	InboxSize    uint64 `env:"CORTEZ_INBOX_SIZE" envDefault:"1048576"`
	RegistrySize uint64 `env:"CORTEZ_REGISTRY_SIZE" envDefault:"4194304"`

	HeartbeatInterval time.Duration `env:"CORTEZ_HEARTBEAT_INTERVAL" envDefault:"2s"`
	PeerTimeout       time.Duration `env:"CORTEZ_PEER_TIMEOUT" envDefault:"10s"`
	HousekeeperTick   time.Duration `env:"CORTEZ_HOUSEKEEPER_TICK" envDefault:"100ms"`

	LogLevel  string `env:"CORTEZ_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CORTEZ_LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"CORTEZ_METRICS_ADDR" envDefault:""`
}

// Load reads an optional .env file (ignored if absent) and then parses
// the environment into a Config.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Backend constructs the segment.Backend cfg selects.
func (c Config) Backend() (segment.Backend, error) {
	if c.UseFileBackend {
		return segment.NewFileBackend(c.FileBackendDir)
	}
	return segment.NewDeviceBackend(c.DevicePath), nil
}

// Logger returns the logx.Config cfg describes; pass it to logx.New to
// build the logger.
func (c Config) Logger() logx.Config {
	return logx.Config{
		Level:   logx.Level(c.LogLevel),
		Format:  logx.Format(c.LogFormat),
		Service: "cortez-meshctl",
	}
}

// MeshOptions translates cfg into the mesh.Options Init expects, wiring
// in backend and logger.
func (c Config) MeshOptions(backend segment.Backend, logger logx.Config) mesh.Options {
	opts := mesh.DefaultOptions(backend)
	opts.InboxSize = c.InboxSize
	opts.RegistrySize = c.RegistrySize
	opts.HeartbeatInterval = c.HeartbeatInterval
	opts.PeerTimeout = c.PeerTimeout
	opts.HousekeeperTick = c.HousekeeperTick
	opts.Logger = logx.New(logger)
	return opts
}
