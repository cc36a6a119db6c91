package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ForkConfig describes the configuration of a fork: which chain it reads, at which block, and how.
type ForkConfig struct {
	// RpcUrl describes the JSON-RPC endpoint of the chain to fork.
	RpcUrl string `json:"rpcUrl"`

	// RpcBlock describes the height of the block to pin the fork to. It is ignored if RpcBlockHash is set. If neither
	// is set, the fork is pinned to the latest block of the chain at the time it is created.
	RpcBlock *uint64 `json:"rpcBlock,omitempty"`

	// RpcBlockHash optionally describes the hash of the block to pin the fork to. Pinning by hash survives reorgs of
	// the pinned height.
	RpcBlockHash string `json:"rpcBlockHash,omitempty"`

	// PoolSize describes the number of connections opened to the endpoint.
	PoolSize uint `json:"poolSize"`

	// RequestTimeoutMs describes, in milliseconds, how long a single request attempt may take. Zero disables the
	// timeout.
	RequestTimeoutMs uint64 `json:"requestTimeoutMs"`

	// MaxRetries describes how many times a failed request is retried before it is reported as a network error.
	MaxRetries int `json:"maxRetries"`

	// RetryDelayMs describes, in milliseconds, the base delay between retries. The n-th retry waits n times as long.
	RetryDelayMs uint64 `json:"retryDelayMs"`

	// CacheDirectory describes the directory remote state is persisted to across runs. If the string is empty, the
	// cache is kept in memory only.
	CacheDirectory string `json:"cacheDirectory"`

	// MaxCachedEntries bounds, per kind of state, how many remote entries are kept in memory. Zero leaves the cache
	// unbounded.
	MaxCachedEntries int `json:"maxCachedEntries"`

	// AbortOnLastCancel describes whether a remote request is cancelled once every caller waiting on it has given
	// up. When disabled, the request completes and its result is cached for later callers.
	AbortOnLastCancel bool `json:"abortOnLastCancel"`

	// Logging describes the configuration used for logging
	Logging LoggingConfig `json:"loggingConfig"`
}

// LoggingConfig describes the configuration options used for logging
type LoggingConfig struct {
	// Level describes whether logs of certain severity levels (eg info, warning, etc.) will be emitted or discarded.
	// Increasing level values represent more severe logs
	Level zerolog.Level `json:"level"`

	// EnableConsoleLogging describes whether console logging is enabled
	EnableConsoleLogging bool `json:"enableConsoleLogging"`

	// LogDirectory describes the directory where structured log _files_ will be outputted. If the string is empty, then
	// no log files are kept
	LogDirectory string `json:"logDirectory"`
}

// ReadForkConfigFromFile reads a JSON-serialized ForkConfig from a provided file path. Fields missing from the file
// keep their default values.
// Returns the ForkConfig if it succeeds, or an error if one occurs.
func ReadForkConfigFromFile(path string) (*ForkConfig, error) {
	// Read our configuration file data
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Parse the configuration over the defaults
	forkConfig, err := DefaultForkConfig()
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(b, forkConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return forkConfig, nil
}

// WriteToFile writes the ForkConfig to a provided file path in a JSON-serialized format.
// Returns an error if one occurs.
func (c *ForkConfig) WriteToFile(path string) error {
	// Serialize the configuration
	b, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return errors.WithStack(err)
	}

	// Save it to the provided output path and return the result
	err = os.WriteFile(path, b, 0644)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// Validate validates that the ForkConfig meets certain requirements.
// Returns an error if one occurs.
func (c *ForkConfig) Validate() error {
	if c.RpcUrl == "" {
		return errors.Errorf("an rpc url must be provided")
	}
	if c.PoolSize == 0 {
		return errors.Errorf("pool size must be a positive number")
	}
	if c.MaxRetries < 0 {
		return errors.Errorf("max retries cannot be negative")
	}
	if c.MaxCachedEntries < 0 {
		return errors.Errorf("max cached entries cannot be negative")
	}
	if c.RpcBlockHash != "" {
		if _, _, err := c.PinnedBlock(); err != nil {
			return err
		}
	}
	return nil
}

// PinnedBlock returns the block the fork is pinned to. ok is false when no block is configured, in which case the
// fork is pinned to whichever block is the latest when it is created.
func (c *ForkConfig) PinnedBlock() (block types.BlockID, ok bool, err error) {
	if c.RpcBlockHash != "" {
		b, err := hexutil.Decode(c.RpcBlockHash)
		if err != nil || len(b) != common.HashLength {
			return types.BlockID{}, false, errors.Errorf("malformed block hash %q", c.RpcBlockHash)
		}
		return types.BlockByHash(common.BytesToHash(b)), true, nil
	}
	if c.RpcBlock == nil {
		return types.BlockID{}, false, nil
	}
	return types.BlockByNumber(*c.RpcBlock), true, nil
}

// SetPinnedNumber pins the fork to the block at the given height, replacing any configured block hash.
func (c *ForkConfig) SetPinnedNumber(number uint64) {
	c.RpcBlock = &number
	c.RpcBlockHash = ""
}

// ClientPoolOptions derives the options of the connection pool from the configuration.
func (c *ForkConfig) ClientPoolOptions() remote.ClientPoolOptions {
	return remote.ClientPoolOptions{
		RequestTimeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		MaxRetries:     c.MaxRetries,
		RetryDelay:     time.Duration(c.RetryDelayMs) * time.Millisecond,
	}
}
