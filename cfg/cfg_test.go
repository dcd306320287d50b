package cfg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pintosgo/corevm/cfg"
)

func TestDefaultConfigPassesValidationOnceImagePathsAreSet(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Storage.FSImagePath = "/tmp/fs.img"
	c.Storage.SwapImagePath = "/tmp/swap.img"

	assert.NoError(t, cfg.ValidateConfig(&c))
}

func TestValidateConfigRejectsNonPositiveSizes(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Storage.FSImagePath = "/tmp/fs.img"
	c.Storage.SwapImagePath = "/tmp/swap.img"
	c.Cache.SlotCount = 0

	assert.Error(t, cfg.ValidateConfig(&c))
}

func TestValidateConfigRejectsMissingImagePaths(t *testing.T) {
	c := cfg.GetDefaultConfig()
	assert.Error(t, cfg.ValidateConfig(&c))
}

func TestValidateConfigRejectsUnknownSeverity(t *testing.T) {
	c := cfg.GetDefaultConfig()
	c.Storage.FSImagePath = "/tmp/fs.img"
	c.Storage.SwapImagePath = "/tmp/swap.img"
	c.Logging.Severity = "LOUD"

	assert.Error(t, cfg.ValidateConfig(&c))
}

func TestLogSeverityUnmarshalTextUppercasesAndValidates(t *testing.T) {
	var s cfg.LogSeverity
	assert.NoError(t, s.UnmarshalText([]byte("debug")))
	assert.Equal(t, cfg.DebugLogSeverity, s)

	var bad cfg.LogSeverity
	assert.Error(t, bad.UnmarshalText([]byte("verbose")))
}

func TestResolvedPathUnmarshalTextResolvesToAbsolute(t *testing.T) {
	var p cfg.ResolvedPath
	assert.NoError(t, p.UnmarshalText([]byte("relative/path.img")))
	assert.True(t, len(p) > 0 && p[0] == '/')
}

func TestDefaultFlushTickPeriodIsPositive(t *testing.T) {
	assert.Greater(t, cfg.DefaultFlushTickPeriod, time.Duration(0))
}
