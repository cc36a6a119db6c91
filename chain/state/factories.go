package state

import (
	"context"

	"github.com/crytic/forkdb/chain/config"
	"github.com/crytic/forkdb/chain/state/cache"
	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/forkdb/logging"
	"github.com/pkg/errors"
)

var factoryLogger = logging.GlobalLogger.NewSubLogger("module", "fork")

/*
NewForkDBFromConfig dials the endpoint described by forkConfig and returns a ForkDB pinned to its block. When no block
is configured, the latest block at the time of the call is resolved once and the fork is pinned to its height. When a
cache directory is configured, remote state is persisted there across runs. The returned fork owns the connection pool and
the persistent cache, and releases both on Close.
*/
func NewForkDBFromConfig(ctx context.Context, forkConfig *config.ForkConfig, metrics Metricer) (*ForkDB, error) {
	if err := forkConfig.Validate(); err != nil {
		return nil, err
	}
	pinned, ok, err := forkConfig.PinnedBlock()
	if err != nil {
		return nil, err
	}

	reader, err := remote.DialRPCReader(ctx, forkConfig.RpcUrl, forkConfig.PoolSize, forkConfig.ClientPoolOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", forkConfig.RpcUrl)
	}

	if !ok {
		pinned, err = pinLatest(ctx, reader)
		if err != nil {
			reader.Close()
			return nil, err
		}
		factoryLogger.Info("No fork block configured, pinning the fork to the latest block ", pinned.String())
	}

	var store *cache.PersistentStore
	if forkConfig.CacheDirectory != "" {
		store, err = cache.OpenPersistentStore(forkConfig.CacheDirectory, forkConfig.RpcUrl, pinned)
		if err != nil {
			reader.Close()
			return nil, err
		}
	}

	fork, err := NewForkDB(reader, pinned, Options{
		Cache: cache.Options{
			MaxRemoteEntries: forkConfig.MaxCachedEntries,
			Store:            store,
		},
		AbortOnLastCancel: forkConfig.AbortOnLastCancel,
		Metrics:           metrics,
	})
	if err != nil {
		reader.Close()
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	fork.closers = append(fork.closers, func() error {
		reader.Close()
		return nil
	})
	return fork, nil
}

// pinLatest resolves the block a fork following the chain head is pinned to.
func pinLatest(ctx context.Context, reader remote.HeadReader) (types.BlockID, error) {
	number, err := reader.BlockNumber(ctx)
	if err != nil {
		return types.BlockID{}, errors.Wrap(err, "could not resolve the latest block")
	}
	return types.BlockByNumber(number), nil
}

// NewUnbackedForkDB returns a ForkDB with no remote chain behind it: every account reads as empty until written
// locally. It behaves like a fork of an empty chain at genesis.
func NewUnbackedForkDB(opts Options) (*ForkDB, error) {
	return NewForkDB(remote.EmptyReader{}, types.BlockByNumber(0), opts)
}
