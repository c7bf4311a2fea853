package gnutella

import (
	"context"
	"testing"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	c := qt.New(t)
	t.Setenv("GNUTELLA_DATA_DIR", "")
	t.Setenv("GNUTELLA_LISTEN_ADDR", "")
	t.Setenv("GNUTELLA_BANDWIDTH_BPS", "")
	t.Setenv("GNUTELLA_GUESS_ALPHA", "")

	cfg, err := LoadConfig(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.DataDir, qt.Equals, ".")
	c.Assert(cfg.ListenAddr, qt.Equals, ":0")
	c.Assert(cfg.BandwidthBytesPerSec, qt.Equals, 1000000)
	c.Assert(cfg.Alpha, qt.Equals, 5)
	c.Assert(cfg.EnableUpnp, qt.IsTrue)
}

func TestLoadConfigReadsOverrides(t *testing.T) {
	c := qt.New(t)
	t.Setenv("GNUTELLA_GUESS_ALPHA", "9")
	t.Setenv("GNUTELLA_ENABLE_UPNP", "false")
	t.Setenv("GNUTELLA_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Alpha, qt.Equals, 9)
	c.Assert(cfg.EnableUpnp, qt.IsFalse)
	c.Assert(cfg.logLevel(), qt.Equals, log.Debug)
}

func TestConfigLogLevelFallsBackToInfo(t *testing.T) {
	c := qt.New(t)
	cfg := Config{LogLevel: "nonsense"}
	c.Assert(cfg.logLevel(), qt.Equals, log.Info)
}

func TestConfigGuessConfigTranslatesFields(t *testing.T) {
	c := qt.New(t)
	cfg := Config{SearchMaxResults: 42, Alpha: 3, WarmingCount: 7}
	gc := cfg.guessConfig()
	c.Assert(gc.SearchMaxResults, qt.Equals, 42)
	c.Assert(gc.Alpha, qt.Equals, 3)
	c.Assert(gc.WarmingCount, qt.Equals, 7)
}
