// Package rpctest serves a remote.StaticReader over Ethereum JSON-RPC, so code that dials a real endpoint can be
// exercised without one.
package rpctest

import (
	"context"
	"net/http/httptest"

	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/pkg/errors"
)

// ethService implements the eth_* methods the fork reads through, answering from a StaticReader.
type ethService struct {
	reader *remote.StaticReader
}

func blockID(block rpc.BlockNumberOrHash) (types.BlockID, error) {
	if hash, ok := block.Hash(); ok {
		return types.BlockByHash(hash), nil
	}
	if number, ok := block.Number(); ok && number >= 0 {
		return types.BlockByNumber(uint64(number)), nil
	}
	return types.BlockID{}, errors.Errorf("unsupported block parameter %s", block.String())
}

// account returns the account at block, reporting missing accounts as empty the way Ethereum nodes do.
func (s *ethService) account(ctx context.Context, addr common.Address, block rpc.BlockNumberOrHash) (*types.Account, error) {
	id, err := blockID(block)
	if err != nil {
		return nil, err
	}
	account, err := s.reader.GetAccount(ctx, addr, id)
	if remote.IsNotFound(err) {
		return &types.Account{AccountRecord: types.DefaultAccountRecord()}, nil
	}
	return account, err
}

func (s *ethService) BlockNumber(ctx context.Context) (hexutil.Uint64, error) {
	number, err := s.reader.BlockNumber(ctx)
	return hexutil.Uint64(number), err
}

func (s *ethService) GetBalance(ctx context.Context, addr common.Address, block rpc.BlockNumberOrHash) (*hexutil.Big, error) {
	account, err := s.account(ctx, addr, block)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(account.Balance.ToBig()), nil
}

func (s *ethService) GetTransactionCount(ctx context.Context, addr common.Address, block rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	account, err := s.account(ctx, addr, block)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(account.Nonce), nil
}

func (s *ethService) GetCode(ctx context.Context, addr common.Address, block rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	id, err := blockID(block)
	if err != nil {
		return nil, err
	}
	code, err := s.reader.GetCode(ctx, addr, id)
	if remote.IsNotFound(err) {
		return hexutil.Bytes{}, nil
	}
	return code, err
}

func (s *ethService) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash, block rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	id, err := blockID(block)
	if err != nil {
		return nil, err
	}
	value, err := s.reader.GetStorage(ctx, addr, slot, id)
	if err != nil && !remote.IsNotFound(err) {
		return nil, err
	}
	return value[:], nil
}

func (s *ethService) GetBlockByNumber(ctx context.Context, number rpc.BlockNumber, fullTx bool) (map[string]any, error) {
	if number < 0 {
		return nil, errors.Errorf("unsupported block tag %s", number.String())
	}
	return s.header(ctx, types.BlockByNumber(uint64(number)))
}

func (s *ethService) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (map[string]any, error) {
	return s.header(ctx, types.BlockByHash(hash))
}

// header renders a header the way eth_getBlockBy* does. Missing blocks are a null result, not an error.
func (s *ethService) header(ctx context.Context, block types.BlockID) (map[string]any, error) {
	header, err := s.reader.GetBlockHeader(ctx, block)
	if remote.IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"number":       hexutil.Uint64(header.Number),
		"hash":         header.Hash,
		"parentHash":   header.ParentHash,
		"timestamp":    hexutil.Uint64(header.Timestamp),
		"gasLimit":     hexutil.Uint64(header.GasLimit),
		"miner":        header.Coinbase,
		"stateRoot":    header.StateRoot,
		"mixHash":      header.MixDigest,
		"transactions": []common.Hash{},
	}
	if header.BaseFee != nil {
		fields["baseFeePerGas"] = (*hexutil.Big)(header.BaseFee.ToBig())
	}
	if header.Difficulty != nil {
		fields["difficulty"] = (*hexutil.Big)(header.Difficulty.ToBig())
	}
	return fields, nil
}

// NewServer creates a JSON-RPC server answering eth_* reads from reader.
func NewServer(reader *remote.StaticReader) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("eth", &ethService{reader: reader}); err != nil {
		return nil, errors.WithStack(err)
	}
	return server, nil
}

// NewHTTPServer starts an HTTP server answering eth_* reads from reader. The caller must close it.
func NewHTTPServer(reader *remote.StaticReader) (*httptest.Server, error) {
	server, err := NewServer(reader)
	if err != nil {
		return nil, err
	}
	return httptest.NewServer(server), nil
}

// DialInProc creates a client connected in-process to a server answering eth_* reads from reader. Closing the
// client does not stop the server.
func DialInProc(reader *remote.StaticReader) (*rpc.Client, *rpc.Server, error) {
	server, err := NewServer(reader)
	if err != nil {
		return nil, nil, err
	}
	return rpc.DialInProc(server), server, nil
}
