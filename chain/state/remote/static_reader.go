package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

var _ Reader = (*StaticReader)(nil)
var _ HeadReader = (*StaticReader)(nil)

// StaticAccount describes an account served by a StaticReader.
type StaticAccount struct {
	Balance *uint256.Int
	Nonce   uint64
	Code    []byte
}

/*
StaticReader is an offline Reader over a pre-populated, in-memory chain state. It serves the same state for every
block except headers, which are looked up per block. It counts the calls it receives per method and can be made to
fail or stall, which makes it the reference Reader for tests and for forks of a captured state dump.
*/
type StaticReader struct {
	lock         sync.RWMutex
	accounts     map[common.Address]StaticAccount
	storageSlots map[common.Address]map[common.Hash]common.Hash
	headers      map[uint64]*types.BlockHeader

	// failWith, when set, is returned by every method instead of a result.
	failWith error

	// gate, when set, must be closed (or the caller's context cancelled) before any method returns.
	gate    chan struct{}
	latency time.Duration

	calls         map[string]*atomic.Int64
	blocksQueried map[types.BlockID]struct{}
}

// NewStaticReader creates an empty StaticReader.
func NewStaticReader() *StaticReader {
	s := &StaticReader{
		accounts:      make(map[common.Address]StaticAccount),
		storageSlots:  make(map[common.Address]map[common.Hash]common.Hash),
		headers:       make(map[uint64]*types.BlockHeader),
		calls:         make(map[string]*atomic.Int64),
		blocksQueried: make(map[types.BlockID]struct{}),
	}
	for _, method := range []string{MethodGetAccount, MethodGetCode, MethodGetStorage, MethodGetBlockHeader, MethodBlockNumber} {
		s.calls[method] = &atomic.Int64{}
	}
	return s
}

// Method names reported by StaticReader.Calls.
const (
	MethodGetAccount     = "GetAccount"
	MethodGetCode        = "GetCode"
	MethodGetStorage     = "GetStorage"
	MethodGetBlockHeader = "GetBlockHeader"
	MethodBlockNumber    = "BlockNumber"
)

// SetAccount sets the account served for addr.
func (s *StaticReader) SetAccount(addr common.Address, account StaticAccount) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.accounts[addr] = account
}

// SetStorageAt sets the value served for a storage slot of addr.
func (s *StaticReader) SetStorageAt(addr common.Address, slot common.Hash, value common.Hash) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.storageSlots[addr]; !exists {
		s.storageSlots[addr] = make(map[common.Hash]common.Hash)
	}
	s.storageSlots[addr][slot] = value
}

// SetHeader sets the header served for its block number and hash.
func (s *StaticReader) SetHeader(header *types.BlockHeader) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.headers[header.Number] = header
}

// FailWith makes every subsequent call return err. A nil err restores normal operation.
func (s *StaticReader) FailWith(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failWith = err
}

// SetLatency delays every subsequent call by d.
func (s *StaticReader) SetLatency(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.latency = d
}

// Hold stalls every subsequent call until the returned release function is invoked.
func (s *StaticReader) Hold() (release func()) {
	gate := make(chan struct{})
	s.lock.Lock()
	s.gate = gate
	s.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.lock.Unlock()
			close(gate)
		})
	}
}

// Calls returns how many times method was invoked.
func (s *StaticReader) Calls(method string) int64 {
	if counter, ok := s.calls[method]; ok {
		return counter.Load()
	}
	return 0
}

// TotalCalls returns how many remote calls were made in total.
func (s *StaticReader) TotalCalls() int64 {
	total := int64(0)
	for _, counter := range s.calls {
		total += counter.Load()
	}
	return total
}

// BlocksQueried returns every block identifier state was requested at.
func (s *StaticReader) BlocksQueried() []types.BlockID {
	s.lock.RLock()
	defer s.lock.RUnlock()
	blocks := make([]types.BlockID, 0, len(s.blocksQueried))
	for block := range s.blocksQueried {
		blocks = append(blocks, block)
	}
	return blocks
}

func (s *StaticReader) GetAccount(ctx context.Context, addr common.Address, block types.BlockID) (*types.Account, error) {
	if err := s.enter(ctx, MethodGetAccount, block); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	account, ok := s.accounts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	balance := uint256.NewInt(0)
	if account.Balance != nil {
		balance.Set(account.Balance)
	}
	return &types.Account{
		AccountRecord: types.AccountRecord{
			Balance:  balance,
			Nonce:    account.Nonce,
			CodeHash: types.CodeHash(account.Code),
		},
		Code: append([]byte{}, account.Code...),
	}, nil
}

func (s *StaticReader) GetCode(ctx context.Context, addr common.Address, block types.BlockID) ([]byte, error) {
	if err := s.enter(ctx, MethodGetCode, block); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	account, ok := s.accounts[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, account.Code...), nil
}

func (s *StaticReader) GetStorage(ctx context.Context, addr common.Address, slot common.Hash, block types.BlockID) (common.Hash, error) {
	if err := s.enter(ctx, MethodGetStorage, block); err != nil {
		return common.Hash{}, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	if slots, exists := s.storageSlots[addr]; exists {
		if data, exists := slots[slot]; exists {
			return data, nil
		}
	}
	return common.Hash{}, ErrNotFound
}

func (s *StaticReader) GetBlockHeader(ctx context.Context, block types.BlockID) (*types.BlockHeader, error) {
	if err := s.enter(ctx, MethodGetBlockHeader, block); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	if number, ok := block.Number(); ok {
		if header, exists := s.headers[number]; exists {
			return header, nil
		}
		return nil, ErrNotFound
	}
	hash, _ := block.Hash()
	for _, header := range s.headers {
		if header.Hash == hash {
			return header, nil
		}
	}
	return nil, ErrNotFound
}

// BlockNumber returns the height of the highest header served.
func (s *StaticReader) BlockNumber(ctx context.Context) (uint64, error) {
	s.calls[MethodBlockNumber].Add(1)
	if err := s.stall(ctx); err != nil {
		return 0, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()

	if len(s.headers) == 0 {
		return 0, ErrNotFound
	}
	latest := uint64(0)
	for number := range s.headers {
		latest = max(latest, number)
	}
	return latest, nil
}

// enter records the call and the block it reads at, then stalls it as configured.
func (s *StaticReader) enter(ctx context.Context, method string, block types.BlockID) error {
	s.calls[method].Add(1)

	s.lock.Lock()
	s.blocksQueried[block] = struct{}{}
	s.lock.Unlock()
	return s.stall(ctx)
}

// stall applies the configured latency, gate and failure.
func (s *StaticReader) stall(ctx context.Context) error {
	s.lock.RLock()
	gate, latency, failWith := s.gate, s.latency, s.failWith
	s.lock.RUnlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		}
	}
	return failWith
}
