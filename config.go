package mcpwire

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// ServerEnvConfig carries the environment-tunable settings of a
// SessionServer. Idle timeout of zero or less disables eviction entirely.
type ServerEnvConfig struct {
	Addr          string        `env:"MCPWIRE_ADDR,default=:8080"`
	IdleTimeout   time.Duration `env:"MCPWIRE_SESSION_IDLE_TIMEOUT,default=5m"`
	SweepInterval time.Duration `env:"MCPWIRE_SESSION_SWEEP_INTERVAL,default=30s"`
	BusCapacity   int           `env:"MCPWIRE_BUS_CAPACITY,default=1000"`
}

// LoadServerEnvConfig reads the server settings from the environment,
// falling back to the defaults baked into the struct tags.
func LoadServerEnvConfig() (ServerEnvConfig, error) {
	var cfg ServerEnvConfig
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return ServerEnvConfig{}, fmt.Errorf("failed to decode server config: %w", err)
	}
	return cfg, nil
}
