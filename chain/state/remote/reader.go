package remote

import (
	"context"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
)

/*
Reader defines how a fork obtains historical chain state. Every method takes the block to read at explicitly, so a
single Reader can serve forks pinned at different heights. Implementations return ErrNotFound (possibly wrapped) for
keys that do not exist at the block, and a *NetworkError for transport failures. Implementations must be safe for
concurrent use, and should return promptly once ctx is cancelled: a fork does not issue a new request for a key until
the abandoned request for it has returned.
*/
type Reader interface {
	// GetAccount returns the account record for addr. Implementations may populate Account.Code when the code was
	// obtained in the same round-trip.
	GetAccount(ctx context.Context, addr common.Address, block types.BlockID) (*types.Account, error)

	// GetCode returns the bytecode deployed at addr.
	GetCode(ctx context.Context, addr common.Address, block types.BlockID) ([]byte, error)

	// GetStorage returns the value of the storage slot of addr.
	GetStorage(ctx context.Context, addr common.Address, slot common.Hash, block types.BlockID) (common.Hash, error)

	// GetBlockHeader returns the header of the referenced block.
	GetBlockHeader(ctx context.Context, block types.BlockID) (*types.BlockHeader, error)
}

// HeadReader is implemented by Readers that can report the most recent block of the chain they read, so a fork can
// be pinned to it.
type HeadReader interface {
	// BlockNumber returns the height of the latest block.
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Reader = (*EmptyReader)(nil)

// EmptyReader is a Reader for a chain with no state: every lookup reports ErrNotFound. A fork over an EmptyReader
// behaves like a fresh local chain while keeping the fork's existence semantics.
type EmptyReader struct{}

func (EmptyReader) GetAccount(context.Context, common.Address, types.BlockID) (*types.Account, error) {
	return nil, ErrNotFound
}

func (EmptyReader) GetCode(context.Context, common.Address, types.BlockID) ([]byte, error) {
	return nil, ErrNotFound
}

func (EmptyReader) GetStorage(context.Context, common.Address, common.Hash, types.BlockID) (common.Hash, error) {
	return common.Hash{}, ErrNotFound
}

func (EmptyReader) GetBlockHeader(context.Context, types.BlockID) (*types.BlockHeader, error) {
	return nil, ErrNotFound
}
