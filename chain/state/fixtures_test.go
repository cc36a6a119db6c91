package state

import (
	"testing"

	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

/* This file is exclusively for test fixtures. */

// staticReaderFixture is a test fixture for a fork of a small pre-populated chain pinned at block 100.
type staticReaderFixture struct {
	Reader *remote.StaticReader

	PinnedNumber uint64
	PinnedHash   common.Hash

	ContractAddress common.Address
	Contract        remote.StaticAccount

	EOAAddress common.Address
	EOA        remote.StaticAccount

	// UntouchedAddress was never touched at the pinned block.
	UntouchedAddress common.Address

	StorageSlotPopulatedKey  common.Hash
	StorageSlotPopulatedData common.Hash

	StorageSlotUnsetKey common.Hash
}

func newStaticReaderFixture() *staticReaderFixture {
	contract := remote.StaticAccount{
		Balance: uint256.NewInt(1000),
		Nonce:   5,
		Code:    []byte{1, 2, 3},
	}
	eoa := remote.StaticAccount{
		Balance: uint256.NewInt(50),
		Nonce:   1,
		Code:    nil,
	}

	contractAddress := common.BytesToAddress([]byte{5, 5, 5, 5})
	eoaAddress := common.BytesToAddress([]byte{6, 6, 6, 6})
	untouchedAddress := common.BytesToAddress([]byte{0, 0, 0, 1})

	storageSlotPopulatedKey := common.HexToHash("0xaaaaaaaa")
	storageSlotPopulatedData := common.HexToHash("0xdeadbeef")

	reader := remote.NewStaticReader()
	reader.SetAccount(contractAddress, contract)
	reader.SetAccount(eoaAddress, eoa)
	reader.SetStorageAt(contractAddress, storageSlotPopulatedKey, storageSlotPopulatedData)

	// blocks 90 through 100 exist; 100 is the pinned block
	for number := uint64(90); number <= 100; number++ {
		reader.SetHeader(&types.BlockHeader{
			Number:     number,
			Hash:       fixtureBlockHash(number),
			ParentHash: fixtureBlockHash(number - 1),
			Timestamp:  1_700_000_000 + number*12,
			GasLimit:   30_000_000,
			BaseFee:    uint256.NewInt(7),
			Difficulty: uint256.NewInt(0),
		})
	}

	return &staticReaderFixture{
		Reader:                   reader,
		PinnedNumber:             100,
		PinnedHash:               fixtureBlockHash(100),
		ContractAddress:          contractAddress,
		Contract:                 contract,
		EOAAddress:               eoaAddress,
		EOA:                      eoa,
		UntouchedAddress:         untouchedAddress,
		StorageSlotPopulatedKey:  storageSlotPopulatedKey,
		StorageSlotPopulatedData: storageSlotPopulatedData,
		StorageSlotUnsetKey:      common.HexToHash("0xbbbbbbbbb"),
	}
}

func fixtureBlockHash(number uint64) common.Hash {
	return common.BigToHash(new(uint256.Int).SetUint64(0xb10c0000 + number).ToBig())
}

// newFixtureFork creates a fork over the fixture's reader, pinned at the fixture's block by number.
func newFixtureFork(t *testing.T, fixture *staticReaderFixture, opts Options) *ForkDB {
	fork, err := NewForkDB(fixture.Reader, types.BlockByNumber(fixture.PinnedNumber), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = fork.Close()
	})
	return fork
}
