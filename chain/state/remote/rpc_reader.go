package remote

import (
	"context"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var _ Reader = (*RPCReader)(nil)
var _ HeadReader = (*RPCReader)(nil)

/*
RPCReader is a Reader backed by an Ethereum JSON-RPC endpoint. It performs no caching of its own: caching, coalescing
and block pinning are the fork database's responsibility. Errors are either ErrNotFound, a *NetworkError once the
client pool has exhausted its retries, or the caller's context error.
*/
type RPCReader struct {
	clientPool *ClientPool
}

// NewRPCReader creates a Reader issuing its requests through clientPool.
func NewRPCReader(clientPool *ClientPool) *RPCReader {
	return &RPCReader{clientPool: clientPool}
}

// DialRPCReader dials poolSize connections to url and returns a Reader over them.
func DialRPCReader(ctx context.Context, url string, poolSize uint, opts ClientPoolOptions) (*RPCReader, error) {
	clientPool, err := NewClientPool(ctx, url, poolSize, opts)
	if err != nil {
		return nil, err
	}
	return NewRPCReader(clientPool), nil
}

// Close releases the reader's connections.
func (r *RPCReader) Close() {
	r.clientPool.Close()
}

/*
GetAccount fetches balance, nonce and code concurrently and reports the code alongside the record, so the fork can
cache it without another round-trip. Ethereum RPC reports zero values for accounts that do not exist, so an account
with no balance, nonce or code is reported as ErrNotFound.
*/
func (r *RPCReader) GetAccount(ctx context.Context, addr common.Address, block types.BlockID) (*types.Account, error) {
	var (
		balance hexutil.Big
		nonce   hexutil.Uint64
		code    hexutil.Bytes
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.clientPool.ExecuteRequestBlocking(gctx, &balance, "eth_getBalance", addr, block.RPCArg())
	})
	g.Go(func() error {
		return r.clientPool.ExecuteRequestBlocking(gctx, &nonce, "eth_getTransactionCount", addr, block.RPCArg())
	})
	g.Go(func() error {
		return r.clientPool.ExecuteRequestBlocking(gctx, &code, "eth_getCode", addr, block.RPCArg())
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	balanceTyped, overflow := uint256.FromBig(balance.ToInt())
	if overflow {
		return nil, errors.Errorf("balance of %s overflows 256 bits", addr.Hex())
	}
	account := &types.Account{
		AccountRecord: types.AccountRecord{
			Balance:  balanceTyped,
			Nonce:    uint64(nonce),
			CodeHash: types.CodeHash(code),
		},
		Code: code,
	}
	if account.IsEmpty() {
		return nil, ErrNotFound
	}
	return account, nil
}

// GetCode fetches the bytecode deployed at addr. Addresses without code yield empty bytecode rather than an error.
func (r *RPCReader) GetCode(ctx context.Context, addr common.Address, block types.BlockID) ([]byte, error) {
	var code hexutil.Bytes
	if err := r.clientPool.ExecuteRequestBlocking(ctx, &code, "eth_getCode", addr, block.RPCArg()); err != nil {
		return nil, err
	}
	return code, nil
}

// GetStorage fetches a storage slot. Ethereum RPC returns zero for slots that were never written.
func (r *RPCReader) GetStorage(ctx context.Context, addr common.Address, slot common.Hash, block types.BlockID) (common.Hash, error) {
	var data hexutil.Bytes
	if err := r.clientPool.ExecuteRequestBlocking(ctx, &data, "eth_getStorageAt", addr, slot, block.RPCArg()); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

// BlockNumber fetches the height of the chain's latest block.
func (r *RPCReader) BlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := r.clientPool.ExecuteRequestBlocking(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(number), nil
}

// rpcHeader is the subset of the eth_getBlockBy* response the fork keeps.
type rpcHeader struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
	GasLimit   hexutil.Uint64 `json:"gasLimit"`
	Miner      common.Address `json:"miner"`
	StateRoot  common.Hash    `json:"stateRoot"`
	BaseFee    *hexutil.Big   `json:"baseFeePerGas"`
	Difficulty *hexutil.Big   `json:"difficulty"`
	MixDigest  common.Hash    `json:"mixHash"`
}

// GetBlockHeader fetches a header without its transactions. A null response is reported as ErrNotFound.
func (r *RPCReader) GetBlockHeader(ctx context.Context, block types.BlockID) (*types.BlockHeader, error) {
	var head *rpcHeader
	var err error
	if hash, ok := block.Hash(); ok {
		err = r.clientPool.ExecuteRequestBlocking(ctx, &head, "eth_getBlockByHash", hash, false)
	} else {
		err = r.clientPool.ExecuteRequestBlocking(ctx, &head, "eth_getBlockByNumber", block.RPCArg(), false)
	}
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ErrNotFound
	}

	header := &types.BlockHeader{
		Number:     uint64(head.Number),
		Hash:       head.Hash,
		ParentHash: head.ParentHash,
		Timestamp:  uint64(head.Timestamp),
		GasLimit:   uint64(head.GasLimit),
		Coinbase:   head.Miner,
		StateRoot:  head.StateRoot,
		Difficulty: uint256.NewInt(0),
		MixDigest:  head.MixDigest,
	}
	if head.BaseFee != nil {
		header.BaseFee, _ = uint256.FromBig(head.BaseFee.ToInt())
	}
	if head.Difficulty != nil {
		header.Difficulty, _ = uint256.FromBig(head.Difficulty.ToInt())
	}
	return header, nil
}
