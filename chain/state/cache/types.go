package cache

import (
	"fmt"

	"github.com/crytic/medusa-geth/common"
	"github.com/pkg/errors"
)

var (
	// ErrCacheMiss is returned by lookups for keys the cache holds no entry for.
	ErrCacheMiss = errors.New("not found in cache")

	// ErrRemoteConflict is returned when a remote entry is written with a value different from the one already
	// cached. Pinned history cannot change, so this always indicates a misbehaving reader.
	ErrRemoteConflict = errors.New("conflicting remote value for pinned block")

	// ErrInvalidValue is returned when a value's type does not match the kind of its key.
	ErrInvalidValue = errors.New("value type does not match key kind")
)

// Kind enumerates the kinds of state a fork reads.
type Kind uint8

const (
	KindAccount Kind = iota
	KindCode
	KindStorage
	KindBlockHeader

	numKinds = int(KindBlockHeader) + 1
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindCode:
		return "code"
	case KindStorage:
		return "storage"
	case KindBlockHeader:
		return "header"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Kinds lists every Kind, in order.
func Kinds() []Kind {
	return []Kind{KindAccount, KindCode, KindStorage, KindBlockHeader}
}

/*
Key identifies a cached value. Which fields are meaningful depends on Kind:
  - KindAccount: Address
  - KindCode: Address, or Hash for content-addressed lookups (ByHash set)
  - KindStorage: Address and Slot
  - KindBlockHeader: Number, or Hash (ByHash set)

Keys are comparable and are always built with the constructors below so unused fields stay zero.
*/
type Key struct {
	Kind    Kind
	Address common.Address
	Slot    common.Hash
	Hash    common.Hash
	Number  uint64
	ByHash  bool
}

// AccountKey identifies the account record of addr.
func AccountKey(addr common.Address) Key {
	return Key{Kind: KindAccount, Address: addr}
}

// CodeKey identifies the bytecode deployed at addr.
func CodeKey(addr common.Address) Key {
	return Key{Kind: KindCode, Address: addr}
}

// CodeHashKey identifies bytecode by its keccak256 hash.
func CodeHashKey(hash common.Hash) Key {
	return Key{Kind: KindCode, Hash: hash, ByHash: true}
}

// StorageKey identifies a storage slot of addr.
func StorageKey(addr common.Address, slot common.Hash) Key {
	return Key{Kind: KindStorage, Address: addr, Slot: slot}
}

// HeaderKey identifies the block header at the given height.
func HeaderKey(number uint64) Key {
	return Key{Kind: KindBlockHeader, Number: number}
}

// HeaderHashKey identifies the block header with the given hash.
func HeaderHashKey(hash common.Hash) Key {
	return Key{Kind: KindBlockHeader, Hash: hash, ByHash: true}
}

// String returns a human-readable representation of the key, used in logs and errors.
func (k Key) String() string {
	switch k.Kind {
	case KindAccount:
		return fmt.Sprintf("account(%s)", k.Address.Hex())
	case KindCode:
		if k.ByHash {
			return fmt.Sprintf("code(%s)", k.Hash.Hex())
		}
		return fmt.Sprintf("code(%s)", k.Address.Hex())
	case KindStorage:
		return fmt.Sprintf("storage(%s, %s)", k.Address.Hex(), k.Slot.Hex())
	case KindBlockHeader:
		if k.ByHash {
			return fmt.Sprintf("header(%s)", k.Hash.Hex())
		}
		return fmt.Sprintf("header(#%d)", k.Number)
	default:
		return k.Kind.String()
	}
}

// Provenance records where a cached value came from.
type Provenance uint8

const (
	// Remote values were read from the chain at the pinned block and never change.
	Remote Provenance = iota
	// Override values were written locally and shadow remote values for the same key.
	Override
)

// String returns the name of the provenance.
func (p Provenance) String() string {
	if p == Override {
		return "override"
	}
	return "remote"
}

/*
Entry is a cached value along with its provenance. Value holds, per kind:
  - KindAccount: types.AccountRecord for Remote entries, types.AccountOverride for Override entries
  - KindCode: []byte
  - KindStorage: common.Hash
  - KindBlockHeader: *types.BlockHeader

Absent marks a remote lookup that returned NotFound; its Value is nil.
*/
type Entry struct {
	Value      any
	Provenance Provenance
	Absent     bool
}
