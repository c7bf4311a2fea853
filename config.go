package gnutella

import (
	"context"
	"fmt"

	"github.com/anacrolix/log"
	"github.com/sethvargo/go-envconfig"

	"github.com/dannyzb/gnutella/guess"
)

// Config is the top-level node configuration, loadable from the process
// environment via LoadConfig or built directly for tests.
type Config struct {
	DataDir      string `env:"GNUTELLA_DATA_DIR,default=."`
	ListenAddr   string `env:"GNUTELLA_LISTEN_ADDR,default=:0"`
	SharedCacheDir string `env:"GNUTELLA_SHARED_CACHE_DIR"`
	QueryKeyStorePath string `env:"GNUTELLA_QUERYKEY_STORE,default=querykeys.db"`

	BandwidthBytesPerSec int `env:"GNUTELLA_BANDWIDTH_BPS,default=1000000"`
	SearchMaxResults     int `env:"GNUTELLA_SEARCH_MAX_RESULTS,default=250"`
	Alpha                int `env:"GNUTELLA_GUESS_ALPHA,default=5"`
	WarmingCount         int `env:"GNUTELLA_GUESS_WARMING_COUNT,default=100"`

	EnableUpnp bool `env:"GNUTELLA_ENABLE_UPNP,default=true"`

	LogLevel string `env:"GNUTELLA_LOG_LEVEL,default=info"`
}

// LoadConfig reads Config from the environment, applying the defaults
// encoded in its struct tags.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (c Config) logLevel() log.Level {
	switch c.LogLevel {
	case "debug":
		return log.Debug
	case "warning":
		return log.Warning
	case "error":
		return log.Error
	default:
		return log.Info
	}
}

func (c Config) guessConfig() guess.Config {
	return guess.Config{
		SearchMaxResults: c.SearchMaxResults,
		Alpha:            c.Alpha,
		WarmingCount:     c.WarmingCount,
	}
}
