package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// getValidForkConfig returns a default configuration with the fields Validate requires filled in.
func getValidForkConfig(t *testing.T) *ForkConfig {
	forkConfig, err := DefaultForkConfig()
	assert.NoError(t, err)
	forkConfig.RpcUrl = "http://localhost:8545"
	return forkConfig
}

// TestForkConfigDefaultValid ensures the default config, once an rpc url is provided, passes validation.
func TestForkConfigDefaultValid(t *testing.T) {
	forkConfig, err := DefaultForkConfig()
	assert.NoError(t, err)

	// Verify the default config lacks an rpc url.
	assert.Error(t, forkConfig.Validate())

	forkConfig.RpcUrl = "http://localhost:8545"
	assert.NoError(t, forkConfig.Validate())
}

// TestForkConfigRoundTrip ensures a config written to disk reads back identically, and that fields missing from a
// file keep their defaults.
func TestForkConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forkdb.json")

	forkConfig := getValidForkConfig(t)
	forkConfig.SetPinnedNumber(17_000_000)
	forkConfig.CacheDirectory = "cache"
	forkConfig.Logging.Level = zerolog.DebugLevel
	assert.NoError(t, forkConfig.WriteToFile(path))

	readConfig, err := ReadForkConfigFromFile(path)
	assert.NoError(t, err)
	assert.EqualValues(t, forkConfig, readConfig)

	// A partial file keeps the defaults for everything it omits.
	partialPath := filepath.Join(dir, "partial.json")
	assert.NoError(t, os.WriteFile(partialPath, []byte(`{"rpcUrl": "http://node:8545", "rpcBlock": 5}`), 0644))
	readConfig, err = ReadForkConfigFromFile(partialPath)
	assert.NoError(t, err)
	assert.EqualValues(t, "http://node:8545", readConfig.RpcUrl)
	if assert.NotNil(t, readConfig.RpcBlock) {
		assert.EqualValues(t, 5, *readConfig.RpcBlock)
	}
	assert.EqualValues(t, 20, readConfig.PoolSize)

	// A missing file is an error.
	_, err = ReadForkConfigFromFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

// TestForkConfigValidate ensures invalid values are rejected.
func TestForkConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *ForkConfig)
	}{
		{"zero pool size", func(c *ForkConfig) { c.PoolSize = 0 }},
		{"negative retries", func(c *ForkConfig) { c.MaxRetries = -1 }},
		{"negative cache bound", func(c *ForkConfig) { c.MaxCachedEntries = -1 }},
		{"short block hash", func(c *ForkConfig) { c.RpcBlockHash = "0x1234" }},
		{"non-hex block hash", func(c *ForkConfig) { c.RpcBlockHash = "block" }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			forkConfig := getValidForkConfig(t)
			test.modify(forkConfig)
			assert.Error(t, forkConfig.Validate())
		})
	}
}

// TestForkConfigPinnedBlock ensures the pinned block is derived from the block hash when one is set, from the block
// number otherwise, and is left to the chain head when neither is set.
func TestForkConfigPinnedBlock(t *testing.T) {
	forkConfig := getValidForkConfig(t)

	// The default config follows the chain head rather than pinning genesis.
	_, pinned, err := forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.False(t, pinned)

	forkConfig.SetPinnedNumber(100)
	block, pinned, err := forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.True(t, pinned)
	number, ok := block.Number()
	assert.True(t, ok)
	assert.EqualValues(t, 100, number)

	// Block zero is a valid pin, distinct from no pin at all.
	forkConfig.SetPinnedNumber(0)
	block, pinned, err = forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.True(t, pinned)
	number, _ = block.Number()
	assert.EqualValues(t, 0, number)

	hash := common.HexToHash("0xabcdef")
	forkConfig.RpcBlockHash = hash.Hex()
	assert.NoError(t, forkConfig.Validate())
	block, pinned, err = forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.True(t, pinned)
	pinnedHash, ok := block.Hash()
	assert.True(t, ok)
	assert.Equal(t, hash, pinnedHash)

	// Pinning a number afterwards replaces the hash.
	forkConfig.SetPinnedNumber(7)
	block, _, err = forkConfig.PinnedBlock()
	assert.NoError(t, err)
	assert.Equal(t, types.BlockByNumber(7), block)
}

// TestForkConfigClientPoolOptions ensures durations are converted from milliseconds.
func TestForkConfigClientPoolOptions(t *testing.T) {
	forkConfig := getValidForkConfig(t)
	forkConfig.RequestTimeoutMs = 1500
	forkConfig.RetryDelayMs = 20
	forkConfig.MaxRetries = 7

	opts := forkConfig.ClientPoolOptions()
	assert.Equal(t, 1500*time.Millisecond, opts.RequestTimeout)
	assert.Equal(t, 20*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 7, opts.MaxRetries)
}
