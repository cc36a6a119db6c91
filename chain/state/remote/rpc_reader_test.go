package remote_test

import (
	"context"
	"testing"
	"time"

	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/state/remote/rpctest"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/rpc"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contractAddress = common.HexToAddress("0x1000000000000000000000000000000000000001")
	eoaAddress      = common.HexToAddress("0x2000000000000000000000000000000000000002")
	populatedSlot   = common.HexToHash("0x01")
	populatedValue  = common.HexToHash("0xdeadbeef")
	pinnedHash      = common.HexToHash("0xb10c")
)

func newBackingReader() *remote.StaticReader {
	reader := remote.NewStaticReader()
	reader.SetAccount(contractAddress, remote.StaticAccount{
		Balance: uint256.NewInt(1000),
		Nonce:   5,
		Code:    []byte{0x60, 0x01, 0x60, 0x02},
	})
	reader.SetAccount(eoaAddress, remote.StaticAccount{Balance: uint256.NewInt(50), Nonce: 1})
	reader.SetStorageAt(contractAddress, populatedSlot, populatedValue)
	reader.SetHeader(&types.BlockHeader{
		Number:     100,
		Hash:       pinnedHash,
		ParentHash: common.HexToHash("0xb10b"),
		Timestamp:  1_700_000_000,
		GasLimit:   30_000_000,
		BaseFee:    uint256.NewInt(0),
		Difficulty: uint256.NewInt(0),
	})
	return reader
}

// newInProcReader returns an RPCReader talking to backing through an in-process JSON-RPC server.
func newInProcReader(t *testing.T, backing *remote.StaticReader, opts remote.ClientPoolOptions) *remote.RPCReader {
	client, server, err := rpctest.DialInProc(backing)
	require.NoError(t, err)
	reader := remote.NewRPCReader(remote.NewClientPoolFromClients([]*rpc.Client{client}, opts))
	t.Cleanup(func() {
		reader.Close()
		server.Stop()
	})
	return reader
}

// TestRPCReaderReads tests account, code, storage and header reads over JSON-RPC.
func TestRPCReaderReads(t *testing.T) {
	backing := newBackingReader()
	reader := newInProcReader(t, backing, remote.ClientPoolOptions{})
	ctx := context.Background()
	block := types.BlockByNumber(100)

	account, err := reader.GetAccount(ctx, contractAddress, block)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, account.Balance.Uint64())
	assert.EqualValues(t, 5, account.Nonce)
	assert.Equal(t, []byte{0x60, 0x01, 0x60, 0x02}, account.Code)
	assert.Equal(t, types.CodeHash(account.Code), account.CodeHash)

	account, err = reader.GetAccount(ctx, eoaAddress, block)
	require.NoError(t, err)
	assert.EqualValues(t, 50, account.Balance.Uint64())
	assert.Equal(t, types.EmptyCodeHash, account.CodeHash)

	// nodes report missing accounts as empty ones
	_, err = reader.GetAccount(ctx, common.HexToAddress("0x03"), block)
	assert.True(t, remote.IsNotFound(err))

	code, err := reader.GetCode(ctx, contractAddress, block)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01, 0x60, 0x02}, code)

	value, err := reader.GetStorage(ctx, contractAddress, populatedSlot, block)
	assert.NoError(t, err)
	assert.Equal(t, populatedValue, value)

	value, err = reader.GetStorage(ctx, contractAddress, common.HexToHash("0x02"), block)
	assert.NoError(t, err)
	assert.Equal(t, common.Hash{}, value)

	header, err := reader.GetBlockHeader(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, pinnedHash, header.Hash)
	assert.EqualValues(t, 30_000_000, header.GasLimit)
	require.NotNil(t, header.BaseFee)
	assert.True(t, header.BaseFee.IsZero())

	header, err = reader.GetBlockHeader(ctx, types.BlockByHash(pinnedHash))
	require.NoError(t, err)
	assert.EqualValues(t, 100, header.Number)

	_, err = reader.GetBlockHeader(ctx, types.BlockByNumber(101))
	assert.True(t, remote.IsNotFound(err))

	latest, err := reader.BlockNumber(ctx)
	assert.NoError(t, err)
	assert.EqualValues(t, 100, latest)
	assert.EqualValues(t, 1, backing.Calls(remote.MethodBlockNumber))

	// block parameters survive the round-trip
	for _, queried := range backing.BlocksQueried() {
		assert.Contains(t, []types.BlockID{block, types.BlockByNumber(101), types.BlockByHash(pinnedHash)}, queried)
	}
}

// TestRPCReaderByHash tests that state reads at a block hash use EIP-1898 block parameters.
func TestRPCReaderByHash(t *testing.T) {
	backing := newBackingReader()
	reader := newInProcReader(t, backing, remote.ClientPoolOptions{})
	block := types.BlockByHash(pinnedHash)

	value, err := reader.GetStorage(context.Background(), contractAddress, populatedSlot, block)
	assert.NoError(t, err)
	assert.Equal(t, populatedValue, value)
	assert.Equal(t, []types.BlockID{block}, backing.BlocksQueried())
}

// TestRPCReaderNetworkError tests that transport failures are retried, then reported as a NetworkError.
func TestRPCReaderNetworkError(t *testing.T) {
	backing := newBackingReader()
	reader := newInProcReader(t, backing, remote.ClientPoolOptions{MaxRetries: 2, RetryDelay: time.Millisecond})
	ctx := context.Background()

	backing.FailWith(errors.New("upstream unavailable"))
	_, err := reader.GetStorage(ctx, contractAddress, populatedSlot, types.BlockByNumber(100))
	assert.True(t, remote.IsNetworkError(err))
	assert.False(t, remote.IsNotFound(err))
	assert.EqualValues(t, 2, backing.Calls(remote.MethodGetStorage))

	// a transient failure is absorbed by a retry
	backing.FailWith(nil)
	value, err := reader.GetStorage(ctx, contractAddress, populatedSlot, types.BlockByNumber(100))
	assert.NoError(t, err)
	assert.Equal(t, populatedValue, value)
}

// TestRPCReaderCancellation tests that a cancelled caller gets its context error rather than a NetworkError.
func TestRPCReaderCancellation(t *testing.T) {
	backing := newBackingReader()
	reader := newInProcReader(t, backing, remote.ClientPoolOptions{})
	release := backing.Hold()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reader.GetCode(ctx, contractAddress, types.BlockByNumber(100))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, remote.IsNetworkError(err))
}

// TestRPCReaderOverHTTP tests dialing a pool of connections to an HTTP endpoint.
func TestRPCReaderOverHTTP(t *testing.T) {
	backing := newBackingReader()
	server, err := rpctest.NewHTTPServer(backing)
	require.NoError(t, err)
	defer server.Close()

	_, err = remote.DialRPCReader(context.Background(), server.URL, 0, remote.ClientPoolOptions{})
	assert.Error(t, err)

	reader, err := remote.DialRPCReader(context.Background(), server.URL, 4, remote.ClientPoolOptions{})
	require.NoError(t, err)
	defer reader.Close()

	for i := 0; i < 8; i++ {
		account, err := reader.GetAccount(context.Background(), eoaAddress, types.BlockByNumber(100))
		require.NoError(t, err)
		assert.EqualValues(t, 50, account.Balance.Uint64())
	}
	// balance and nonce are separate requests, each answered from the account
	assert.EqualValues(t, 16, backing.Calls(remote.MethodGetAccount))
	assert.EqualValues(t, 8, backing.Calls(remote.MethodGetCode))
}
