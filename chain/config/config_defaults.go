package config

import (
	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/rs/zerolog"
)

// DefaultForkConfig obtains a default configuration for a fork.
// Returns a ForkConfig populated with default values.
func DefaultForkConfig() (*ForkConfig, error) {
	// Create a default config and return it.
	config := &ForkConfig{
		RpcUrl:            "",
		RpcBlock:          nil,
		PoolSize:          20,
		RequestTimeoutMs:  30_000,
		MaxRetries:        remote.DefaultMaxRetries,
		RetryDelayMs:      uint64(remote.DefaultRetryDelay.Milliseconds()),
		CacheDirectory:    "",
		MaxCachedEntries:  0,
		AbortOnLastCancel: false,
		Logging: LoggingConfig{
			Level:                zerolog.InfoLevel,
			EnableConsoleLogging: true,
			LogDirectory:         "",
		},
	}

	// Return the generated configuration.
	return config, nil
}
