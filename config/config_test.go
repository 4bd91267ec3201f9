package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1500*time.Millisecond, cfg.Pbft.Lambda)
	assert.Equal(t, 1000, cfg.Pbft.MaxVotesInPacket)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	content := `
pbft:
  lambda: 200ms
  committee_size: 4
sortition:
  computation_interval: 50
  changing_interval: 10
  targets:
    low: 6000
    high: 8000
node:
  log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Pbft.Lambda)
	assert.Equal(t, uint64(4), cfg.Pbft.CommitteeSize)
	assert.Equal(t, uint64(50), cfg.Sortition.ComputationInterval)
	assert.Equal(t, uint64(10), cfg.Sortition.ChangingInterval)
	assert.Equal(t, uint16(6000), cfg.Sortition.Targets.Low)
	assert.Equal(t, "debug", cfg.Node.LogLevel)

	// 文件里没写的字段保持默认
	assert.Equal(t, uint64(2), cfg.Pbft.MaxFuturePeriods)
	assert.Equal(t, uint16(32768), cfg.Sortition.Vrf.ThresholdUpper)
}

func TestLoadFromFileEmptyPath(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsInconsistentValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero lambda":       func(c *Config) { c.Pbft.Lambda = 0 },
		"changing > window": func(c *Config) { c.Sortition.ChangingInterval = c.Sortition.ComputationInterval + 1 },
		"inverted targets":  func(c *Config) { c.Sortition.Targets.Low, c.Sortition.Targets.High = 9000, 1000 },
		"zero targets":      func(c *Config) { c.Sortition.Targets.Low, c.Sortition.Targets.High = 0, 0 },
		"no committee":      func(c *Config) { c.Pbft.CommitteeSize = 0 },
		"no shards":         func(c *Config) { c.Proposer.ShardCount = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
