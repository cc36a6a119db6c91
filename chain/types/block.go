package types

import (
	"fmt"

	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/holiman/uint256"
)

// BlockHeader describes the subset of a block header a forked VM needs to build its block context.
type BlockHeader struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	GasLimit   uint64
	Coinbase   common.Address
	StateRoot  common.Hash

	// BaseFee is nil for blocks produced before the London hard fork.
	BaseFee *uint256.Int

	// Difficulty is zero after the merge, where MixDigest carries the beacon chain randomness instead.
	Difficulty *uint256.Int
	MixDigest  common.Hash
}

// Equal reports whether two headers describe the same block. Block hashes commit to every header field.
func (h *BlockHeader) Equal(other *BlockHeader) bool {
	if h == nil || other == nil {
		return h == other
	}
	return h.Hash == other.Hash && h.Number == other.Number
}

// Copy returns a deep copy of the header.
func (h *BlockHeader) Copy() *BlockHeader {
	header := *h
	if h.BaseFee != nil {
		header.BaseFee = new(uint256.Int).Set(h.BaseFee)
	}
	if h.Difficulty != nil {
		header.Difficulty = new(uint256.Int).Set(h.Difficulty)
	}
	return &header
}

// BlockID identifies a block either by number or by hash. The zero value identifies the genesis block by number.
type BlockID struct {
	number uint64
	hash   common.Hash
	byHash bool
}

// BlockByNumber creates a BlockID referencing the block at the given height.
func BlockByNumber(number uint64) BlockID {
	return BlockID{number: number}
}

// BlockByHash creates a BlockID referencing the block with the given hash.
func BlockByHash(hash common.Hash) BlockID {
	return BlockID{hash: hash, byHash: true}
}

// IsHash reports whether the BlockID references a block by hash.
func (b BlockID) IsHash() bool {
	return b.byHash
}

// Number returns the referenced height and whether the BlockID references a block by number.
func (b BlockID) Number() (uint64, bool) {
	return b.number, !b.byHash
}

// Hash returns the referenced hash and whether the BlockID references a block by hash.
func (b BlockID) Hash() (common.Hash, bool) {
	return b.hash, b.byHash
}

// RPCArg returns the JSON-RPC block parameter for this BlockID: a hex quantity for numbers, or an EIP-1898 object
// for hashes.
func (b BlockID) RPCArg() any {
	if b.byHash {
		return map[string]any{"blockHash": b.hash, "requireCanonical": false}
	}
	return hexutil.Uint64(b.number).String()
}

// String returns a human-readable representation of the BlockID.
func (b BlockID) String() string {
	if b.byHash {
		return b.hash.Hex()
	}
	return fmt.Sprintf("#%d", b.number)
}
