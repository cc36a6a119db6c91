package state

import (
	"github.com/crytic/medusa-geth/common"
	"github.com/crytic/medusa-geth/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// OverrideAccount describes the fields to override for one account, in the shape accepted by eth_call's state
// override parameter. Nil fields are left untouched.
type OverrideAccount struct {
	Nonce   *hexutil.Uint64 `json:"nonce"`
	Code    *hexutil.Bytes  `json:"code"`
	Balance *hexutil.Big    `json:"balance"`

	// State replaces the account's entire storage: slots not listed read as zero.
	State map[common.Hash]common.Hash `json:"state"`

	// StateDiff overrides only the listed slots.
	StateDiff map[common.Hash]common.Hash `json:"stateDiff"`
}

// StateOverride is a set of account overrides keyed by address.
type StateOverride map[common.Address]OverrideAccount

// validate checks every override before any of them is applied, so a batch applies entirely or not at all.
func (o StateOverride) validate() error {
	for addr, account := range o {
		if account.State != nil && account.StateDiff != nil {
			return errors.Errorf("account %s has both 'state' and 'stateDiff'", addr.Hex())
		}
		if account.Balance != nil {
			if account.Balance.ToInt().Sign() < 0 {
				return errors.Errorf("account %s has a negative balance override", addr.Hex())
			}
			if _, overflow := uint256.FromBig(account.Balance.ToInt()); overflow {
				return errors.Errorf("balance override of account %s overflows 256 bits", addr.Hex())
			}
		}
	}
	return nil
}
