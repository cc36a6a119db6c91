package types

import (
	"github.com/crytic/medusa-geth/common"
	gethtypes "github.com/crytic/medusa-geth/core/types"
	"github.com/crytic/medusa-geth/crypto"
	"github.com/holiman/uint256"
)

// EmptyCodeHash is the keccak256 hash of empty bytecode. Accounts without code report this hash.
var EmptyCodeHash = gethtypes.EmptyCodeHash

// AccountRecord describes the top-level fields of an account as the VM observes them.
type AccountRecord struct {
	// Balance describes the account balance in wei. It is never nil for records returned by a fork.
	Balance *uint256.Int

	// Nonce describes the account nonce.
	Nonce uint64

	// CodeHash describes the keccak256 hash of the account's bytecode.
	CodeHash common.Hash
}

// DefaultAccountRecord returns the record of an account that does not exist: zero balance, zero nonce and empty
// code.
func DefaultAccountRecord() AccountRecord {
	return AccountRecord{
		Balance:  uint256.NewInt(0),
		Nonce:    0,
		CodeHash: EmptyCodeHash,
	}
}

// Copy returns a deep copy of the record so callers may mutate the balance freely.
func (a AccountRecord) Copy() AccountRecord {
	balance := uint256.NewInt(0)
	if a.Balance != nil {
		balance.Set(a.Balance)
	}
	return AccountRecord{
		Balance:  balance,
		Nonce:    a.Nonce,
		CodeHash: a.CodeHash,
	}
}

// Equal reports whether two records describe identical account state. A nil balance is treated as zero.
func (a AccountRecord) Equal(b AccountRecord) bool {
	if a.Nonce != b.Nonce || a.CodeHash != b.CodeHash {
		return false
	}
	return balanceOrZero(a.Balance).Eq(balanceOrZero(b.Balance))
}

// IsEmpty reports whether the record is indistinguishable from a non-existent account.
func (a AccountRecord) IsEmpty() bool {
	return a.Nonce == 0 && balanceOrZero(a.Balance).IsZero() && (a.CodeHash == EmptyCodeHash || a.CodeHash == common.Hash{})
}

func balanceOrZero(b *uint256.Int) *uint256.Int {
	if b == nil {
		return uint256.NewInt(0)
	}
	return b
}

// Account is what a remote reader returns for an account lookup. It carries the AccountRecord and, when the reader
// obtained it in the same round-trip, the account's bytecode.
type Account struct {
	AccountRecord

	// Code is the account bytecode, or nil if the reader did not fetch it alongside the record.
	Code []byte
}

// CodeHash computes the content address of the provided bytecode.
func CodeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}

// AccountOverride holds locally applied account fields. Nil fields fall through to the underlying record.
type AccountOverride struct {
	Balance *uint256.Int
	Nonce   *uint64
}

// Apply returns a copy of record with the overridden fields replaced.
func (o AccountOverride) Apply(record AccountRecord) AccountRecord {
	result := record.Copy()
	if o.Balance != nil {
		result.Balance.Set(o.Balance)
	}
	if o.Nonce != nil {
		result.Nonce = *o.Nonce
	}
	return result
}

// Complete reports whether every field is overridden, in which case the underlying record is irrelevant.
func (o AccountOverride) Complete() bool {
	return o.Balance != nil && o.Nonce != nil
}

// Copy returns a deep copy of the override.
func (o AccountOverride) Copy() AccountOverride {
	var result AccountOverride
	if o.Balance != nil {
		result.Balance = new(uint256.Int).Set(o.Balance)
	}
	if o.Nonce != nil {
		nonce := *o.Nonce
		result.Nonce = &nonce
	}
	return result
}
