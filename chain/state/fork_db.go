package state

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crytic/forkdb/chain/state/cache"
	"github.com/crytic/forkdb/chain/state/coalescer"
	"github.com/crytic/forkdb/chain/state/remote"
	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/forkdb/logging"
	"github.com/crytic/medusa-geth/common"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Status describes the lifecycle stage of a ForkDB.
type Status int32

const (
	// StatusCreated is the status of a ForkDB that has not served any operation yet.
	StatusCreated Status = iota
	// StatusActive is the status of a ForkDB serving reads, writes and snapshots.
	StatusActive
	// StatusReverting is the transient status of a ForkDB undoing overrides.
	StatusReverting
	// StatusClosed is the terminal status of a ForkDB. Every operation fails with ErrClosed.
	StatusClosed
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusActive:
		return "active"
	case StatusReverting:
		return "reverting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a ForkDB.
type Options struct {
	// Cache configures the fork's local cache.
	Cache cache.Options

	// AbortOnLastCancel cancels a remote request once every caller waiting for it has given up.
	AbortOnLastCancel bool

	// FetchTimeout bounds every remote request. Zero leaves requests bounded only by the Reader.
	FetchTimeout time.Duration

	// Metrics receives the fork's measurements. Nil discards them.
	Metrics Metricer
}

/*
ForkDB serves account, code, storage and block header reads against a remote chain pinned at one block, overlaid with
local writes. Reads consult the override layer first, then the local cache, and only then the remote Reader, with
concurrent reads of the same uncached key sharing a single request. Writes land in the override layer and are visible
to every subsequent read. Snapshots checkpoint the override layer so it can be rolled back.

A ForkDB is safe for concurrent use.
*/
type ForkDB struct {
	id     string
	reader remote.Reader
	pinned types.BlockID

	cache        *cache.Cache
	fetches      *coalescer.Group[cache.Key, cache.Entry]
	fetchTimeout time.Duration

	// lock orders override writes, journal changes and Close against each other, and against reads of the override
	// layer. It is never held across a remote request.
	lock         sync.RWMutex
	journal      *journal
	localStorage map[common.Address]struct{}
	status       atomic.Int32

	// closers release resources the fork owns, such as a reader built for it by a factory.
	closers []func() error

	metrics Metricer
	logger  *logging.Logger
}

// NewForkDB creates a ForkDB reading from reader at the pinned block. No request is issued until the first read.
func NewForkDB(reader remote.Reader, pinned types.BlockID, opts Options) (*ForkDB, error) {
	if reader == nil {
		return nil, errors.New("a fork requires a remote reader")
	}
	localCache, err := cache.New(opts.Cache)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	id := uuid.NewString()
	f := &ForkDB{
		id:           id,
		reader:       reader,
		pinned:       pinned,
		cache:        localCache,
		fetches:      coalescer.NewGroup[cache.Key, cache.Entry](coalescer.Options{AbortOnLastCancel: opts.AbortOnLastCancel}),
		fetchTimeout: opts.FetchTimeout,
		journal:      newJournal(),
		localStorage: make(map[common.Address]struct{}),
		metrics:      metrics,
		logger:       logging.GlobalLogger.NewSubLogger("module", "fork").NewSubLogger("fork", id[:8]),
	}
	f.logger.Debug("Created fork pinned at block ", pinned.String())
	return f, nil
}

// ID returns the unique identifier of this fork instance.
func (f *ForkDB) ID() string {
	return f.id
}

// Pinned returns the block every remote read is anchored to.
func (f *ForkDB) Pinned() types.BlockID {
	return f.pinned
}

// Status returns the lifecycle stage of the fork.
func (f *ForkDB) Status() Status {
	return Status(f.status.Load())
}

// begin activates a freshly created fork and rejects operations on a closed one.
func (f *ForkDB) begin() error {
	if f.status.CompareAndSwap(int32(StatusCreated), int32(StatusActive)) || f.Status() != StatusClosed {
		return nil
	}
	return ErrClosed
}

// update runs apply with the write lock held, once the fork is known to be open.
func (f *ForkDB) update(apply func() error) error {
	if err := f.begin(); err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	// Close changes the status under the write lock, so this check is authoritative
	if f.Status() == StatusClosed {
		return ErrClosed
	}
	return apply()
}

// view runs read with the read lock held. Close changes the status under the write lock, so a read that loses the
// race against Close fails instead of observing the discarded override layer.
func (f *ForkDB) view(read func()) error {
	f.lock.RLock()
	defer f.lock.RUnlock()
	if f.Status() == StatusClosed {
		return ErrClosed
	}
	read()
	return nil
}

// AccountInfo returns the balance, nonce and code hash of addr. Accounts that do not exist at the pinned block read
// as empty.
func (f *ForkDB) AccountInfo(ctx context.Context, addr common.Address) (types.AccountRecord, error) {
	if err := f.begin(); err != nil {
		return types.AccountRecord{}, err
	}

	var accountOverride types.AccountOverride
	var code []byte
	var hasAccountOverride, hasCodeOverride bool
	if err := f.view(func() {
		accountOverride, hasAccountOverride = f.accountOverride(addr)
		code, hasCodeOverride = f.codeOverride(addr)
	}); err != nil {
		return types.AccountRecord{}, err
	}

	var record types.AccountRecord
	if hasAccountOverride && accountOverride.Complete() && hasCodeOverride {
		// nothing of the remote record would be visible
		record = types.DefaultAccountRecord()
	} else {
		var err error
		if record, err = f.remoteAccount(ctx, addr); err != nil {
			return types.AccountRecord{}, err
		}
	}

	if hasAccountOverride {
		record = accountOverride.Apply(record)
	}
	if hasCodeOverride {
		record.CodeHash = types.CodeHash(code)
	}
	return record, nil
}

// Exists reports whether addr exists at the pinned block or was written locally.
func (f *ForkDB) Exists(ctx context.Context, addr common.Address) (bool, error) {
	if err := f.begin(); err != nil {
		return false, err
	}

	var written bool
	if err := f.view(func() {
		_, hasAccountOverride := f.accountOverride(addr)
		_, hasCodeOverride := f.codeOverride(addr)
		_, local := f.localStorage[addr]
		written = hasAccountOverride || hasCodeOverride || local
	}); err != nil {
		return false, err
	}
	if written {
		return true, nil
	}

	record, err := f.remoteAccount(ctx, addr)
	if err != nil {
		return false, err
	}
	return !record.IsEmpty(), nil
}

// Code returns the bytecode deployed at addr, or empty bytecode if there is none.
func (f *ForkDB) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}

	var code []byte
	var ok bool
	if err := f.view(func() { code, ok = f.codeOverride(addr) }); err != nil {
		return nil, err
	}
	if ok {
		return bytes.Clone(code), nil
	}

	code, err := f.remoteCode(ctx, addr)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(code), nil
}

// CodeByHash returns bytecode by its hash. Only bytecode the fork has already read or written can be resolved, as
// the remote chain cannot be queried by code hash.
func (f *ForkDB) CodeByHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	if hash == types.EmptyCodeHash {
		return []byte{}, nil
	}

	var entry cache.Entry
	var ok bool
	if err := f.view(func() { entry, ok = f.cache.Get(cache.CodeHashKey(hash)) }); err != nil {
		return nil, err
	}
	if !ok || entry.Absent {
		return nil, errors.Wrapf(ErrUnknownCodeHash, "hash %s", hash.Hex())
	}
	return bytes.Clone(entry.Value.([]byte)), nil
}

// Storage returns the value of a storage slot of addr. Slots never written read as zero.
func (f *ForkDB) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	if err := f.begin(); err != nil {
		return common.Hash{}, err
	}

	key := cache.StorageKey(addr, slot)
	var override cache.Entry
	var ok, local bool
	if err := f.view(func() {
		override, ok = f.cache.GetOverride(key)
		_, local = f.localStorage[addr]
	}); err != nil {
		return common.Hash{}, err
	}
	if ok {
		return override.Value.(common.Hash), nil
	}
	if local {
		// storage of a locally deployed contract is entirely local
		return common.Hash{}, nil
	}

	entry, err := f.resolve(ctx, key, func(ctx context.Context) (any, error) {
		return f.reader.GetStorage(ctx, addr, slot, f.pinned)
	})
	if err != nil {
		return common.Hash{}, err
	}
	if entry.Absent {
		return common.Hash{}, nil
	}
	return entry.Value.(common.Hash), nil
}

// BlockHash returns the hash of the block at the given height. Heights above the pinned block, and heights the
// remote chain has no block for, yield the zero hash.
func (f *ForkDB) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if err := f.begin(); err != nil {
		return common.Hash{}, err
	}
	pinnedNumber, err := f.pinnedNumber(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if number > pinnedNumber {
		return common.Hash{}, nil
	}

	header, err := f.headerAt(ctx, number, pinnedNumber)
	if remote.IsNotFound(err) {
		return common.Hash{}, nil
	} else if err != nil {
		return common.Hash{}, err
	}
	return header.Hash, nil
}

// BlockHeader returns the header of the block at the given height, which must not be above the pinned block.
func (f *ForkDB) BlockHeader(ctx context.Context, number uint64) (*types.BlockHeader, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	pinnedNumber, err := f.pinnedNumber(ctx)
	if err != nil {
		return nil, err
	}
	if number > pinnedNumber {
		return nil, errors.Wrapf(remote.ErrNotFound, "block %d is above the pinned block %d", number, pinnedNumber)
	}
	return f.headerAt(ctx, number, pinnedNumber)
}

// PinnedHeader returns the header of the pinned block.
func (f *ForkDB) PinnedHeader(ctx context.Context) (*types.BlockHeader, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	header, err := f.pinnedHeader(ctx)
	if err != nil {
		return nil, err
	}
	return header.Copy(), nil
}

// SetBalance overrides the balance of addr.
func (f *ForkDB) SetBalance(addr common.Address, balance *uint256.Int) error {
	return f.update(func() error {
		override, _ := f.accountOverride(addr)
		override = override.Copy()
		override.Balance = uint256.NewInt(0)
		if balance != nil {
			override.Balance.Set(balance)
		}
		return f.writeOverride(cache.AccountKey(addr), override)
	})
}

// SetNonce overrides the nonce of addr.
func (f *ForkDB) SetNonce(addr common.Address, nonce uint64) error {
	return f.update(func() error {
		override, _ := f.accountOverride(addr)
		override = override.Copy()
		override.Nonce = &nonce
		return f.writeOverride(cache.AccountKey(addr), override)
	})
}

// SetCode overrides the bytecode of addr. Its storage keeps reading from the remote chain.
func (f *ForkDB) SetCode(addr common.Address, code []byte) error {
	return f.update(func() error {
		return f.setCode(addr, code)
	})
}

// SetStorage overrides a storage slot of addr.
func (f *ForkDB) SetStorage(addr common.Address, slot common.Hash, value common.Hash) error {
	return f.update(func() error {
		return f.writeOverride(cache.StorageKey(addr, slot), value)
	})
}

// DeployContract sets the bytecode of addr and resets its storage. Slots of a locally deployed contract are never
// read from the remote chain, as the remote chain holds no state for it.
func (f *ForkDB) DeployContract(addr common.Address, code []byte) error {
	return f.update(func() error {
		if err := f.setCode(addr, code); err != nil {
			return err
		}
		return f.resetStorage(addr)
	})
}

// ApplyOverrides applies a batch of account overrides. The batch is validated first, and applied entirely or not at
// all.
func (f *ForkDB) ApplyOverrides(overrides StateOverride) error {
	if err := overrides.validate(); err != nil {
		return err
	}
	return f.update(func() error {
		for addr, account := range overrides {
			if account.Nonce != nil || account.Balance != nil {
				override, _ := f.accountOverride(addr)
				override = override.Copy()
				if account.Nonce != nil {
					nonce := uint64(*account.Nonce)
					override.Nonce = &nonce
				}
				if account.Balance != nil {
					override.Balance, _ = uint256.FromBig(account.Balance.ToInt())
				}
				if err := f.writeOverride(cache.AccountKey(addr), override); err != nil {
					return err
				}
			}
			if account.Code != nil {
				if err := f.setCode(addr, *account.Code); err != nil {
					return err
				}
			}
			if account.State != nil {
				if err := f.resetStorage(addr); err != nil {
					return err
				}
			}
			for slot, value := range account.State {
				if err := f.writeOverride(cache.StorageKey(addr, slot), value); err != nil {
					return err
				}
			}
			for slot, value := range account.StateDiff {
				if err := f.writeOverride(cache.StorageKey(addr, slot), value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Snapshot checkpoints the override layer and returns an id that Revert and Drop accept.
func (f *ForkDB) Snapshot() (uint64, error) {
	var id uint64
	err := f.update(func() error {
		id = f.journal.snapshot()
		return nil
	})
	if err != nil {
		return 0, err
	}
	f.metrics.RecordSnapshotOp("snapshot")
	return id, nil
}

// Revert restores the override layer to the state it had when snapshot id was taken. The id, along with every id
// taken after it, is consumed. Remote cache entries are kept.
func (f *ForkDB) Revert(id uint64) error {
	return f.update(func() error {
		f.status.Store(int32(StatusReverting))
		defer f.status.Store(int32(StatusActive))

		if !f.journal.revert(id, f.undo) {
			return errors.WithStack(&SnapshotError{ID: id, Op: "revert"})
		}
		f.metrics.RecordSnapshotOp("revert")
		f.logger.Trace("Reverted to snapshot ", id)
		return nil
	})
}

// Drop discards snapshot id without reverting anything. Other snapshots remain valid.
func (f *ForkDB) Drop(id uint64) error {
	return f.update(func() error {
		if !f.journal.drop(id) {
			return errors.WithStack(&SnapshotError{ID: id, Op: "drop"})
		}
		f.metrics.RecordSnapshotOp("drop")
		return nil
	})
}

// Close aborts in-flight remote requests and releases the fork's resources. Every later operation, including
// another Close, fails with ErrClosed.
func (f *ForkDB) Close() error {
	f.lock.Lock()
	if f.Status() == StatusClosed {
		f.lock.Unlock()
		return ErrClosed
	}
	f.status.Store(int32(StatusClosed))
	f.journal = newJournal()
	f.lock.Unlock()

	f.fetches.Close()

	var result *multierror.Error
	if err := f.cache.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, closer := range f.closers {
		if err := closer(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	f.logger.Debug("Closed fork")
	return result.ErrorOrNil()
}

// ForkStats describes the contents and activity of a fork.
type ForkStats struct {
	RemoteEntries   int
	OverrideEntries int
	Evictions       int64
	Snapshots       int
	Fetches         coalescer.Stats
}

// Stats returns a snapshot of the fork's counters.
func (f *ForkDB) Stats() ForkStats {
	f.lock.RLock()
	snapshots := f.journal.live()
	f.lock.RUnlock()
	return ForkStats{
		RemoteEntries:   f.cache.Len(cache.Remote),
		OverrideEntries: f.cache.Len(cache.Override),
		Evictions:       f.cache.Evictions(),
		Snapshots:       snapshots,
		Fetches:         f.fetches.Stats(),
	}
}

// accountOverride and codeOverride expect the lock to be held.
func (f *ForkDB) accountOverride(addr common.Address) (types.AccountOverride, bool) {
	entry, ok := f.cache.GetOverride(cache.AccountKey(addr))
	if !ok {
		return types.AccountOverride{}, false
	}
	return entry.Value.(types.AccountOverride), true
}

func (f *ForkDB) codeOverride(addr common.Address) ([]byte, bool) {
	entry, ok := f.cache.GetOverride(cache.CodeKey(addr))
	if !ok {
		return nil, false
	}
	return entry.Value.([]byte), true
}

// writeOverride, setCode and resetStorage expect the write lock to be held.
func (f *ForkDB) writeOverride(key cache.Key, value any) error {
	prev, hadPrev := f.cache.GetOverride(key)
	if err := f.cache.Put(key, value, cache.Override); err != nil {
		return err
	}
	f.journal.append(journalEntry{key: key, prev: prev, hadPrev: hadPrev})
	f.metrics.RecordOverrideWrite(key.Kind)
	return nil
}

func (f *ForkDB) setCode(addr common.Address, code []byte) error {
	if code == nil {
		code = []byte{}
	}
	if err := f.writeOverride(cache.CodeKey(addr), code); err != nil {
		return err
	}
	if len(code) == 0 {
		return nil
	}
	return f.writeOverride(cache.CodeHashKey(types.CodeHash(code)), code)
}

// resetStorage drops every slot override of addr and stops its storage from being read remotely.
func (f *ForkDB) resetStorage(addr common.Address) error {
	for _, key := range f.cache.OverrideKeys(cache.KindStorage) {
		if key.Address != addr {
			continue
		}
		prev, _ := f.cache.GetOverride(key)
		f.cache.DeleteOverride(key)
		f.journal.append(journalEntry{key: key, prev: prev, hadPrev: true})
	}
	if _, exists := f.localStorage[addr]; !exists {
		f.localStorage[addr] = struct{}{}
		f.journal.append(journalEntry{localStorage: true, address: addr})
	}
	return nil
}

// undo reverses one journal entry. It runs with the write lock held.
func (f *ForkDB) undo(entry journalEntry) {
	if entry.localStorage {
		delete(f.localStorage, entry.address)
		return
	}
	if !entry.hadPrev {
		f.cache.DeleteOverride(entry.key)
		return
	}
	if err := f.cache.Put(entry.key, entry.prev.Value, cache.Override); err != nil {
		// journaled values were accepted by the cache once, so this cannot happen
		f.logger.Error("Failed to restore override of ", entry.key.String(), ": ", err)
	}
}

// remoteAccount returns the account record of addr at the pinned block.
func (f *ForkDB) remoteAccount(ctx context.Context, addr common.Address) (types.AccountRecord, error) {
	entry, err := f.resolve(ctx, cache.AccountKey(addr), func(ctx context.Context) (any, error) {
		account, err := f.reader.GetAccount(ctx, addr, f.pinned)
		if err != nil {
			return nil, err
		}
		record := account.AccountRecord.Copy()
		if record.CodeHash == (common.Hash{}) {
			record.CodeHash = types.EmptyCodeHash
		}
		if account.Code != nil {
			f.primeCode(addr, account.Code)
		}
		return record, nil
	})
	if err != nil {
		return types.AccountRecord{}, err
	}
	if entry.Absent {
		return types.DefaultAccountRecord(), nil
	}
	return entry.Value.(types.AccountRecord).Copy(), nil
}

// remoteCode returns the bytecode of addr at the pinned block. The result is shared and must not be modified.
func (f *ForkDB) remoteCode(ctx context.Context, addr common.Address) ([]byte, error) {
	// a cached account record can settle the lookup without a request
	if entry, ok := f.cache.GetRemote(cache.AccountKey(addr)); ok {
		if entry.Absent {
			return []byte{}, nil
		}
		codeHash := entry.Value.(types.AccountRecord).CodeHash
		if codeHash == types.EmptyCodeHash {
			return []byte{}, nil
		}
		if codeEntry, ok := f.cache.GetRemote(cache.CodeHashKey(codeHash)); ok && !codeEntry.Absent {
			return codeEntry.Value.([]byte), nil
		}
	}

	entry, err := f.resolve(ctx, cache.CodeKey(addr), func(ctx context.Context) (any, error) {
		code, err := f.reader.GetCode(ctx, addr, f.pinned)
		if err != nil {
			return nil, err
		}
		if code == nil {
			code = []byte{}
		}
		if len(code) > 0 {
			f.putRemote(cache.CodeHashKey(types.CodeHash(code)), code)
		}
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	if entry.Absent {
		return []byte{}, nil
	}
	return entry.Value.([]byte), nil
}

// primeCode caches bytecode fetched alongside an account record.
func (f *ForkDB) primeCode(addr common.Address, code []byte) {
	f.putRemote(cache.CodeKey(addr), code)
	if len(code) > 0 {
		f.putRemote(cache.CodeHashKey(types.CodeHash(code)), code)
	}
}

// putRemote caches a value obtained as a side effect of another request.
func (f *ForkDB) putRemote(key cache.Key, value any) {
	if err := f.cache.Put(key, value, cache.Remote); err != nil {
		f.logger.Warn("Discarded remote value for ", key.String(), ": ", err)
	}
}

func (f *ForkDB) pinnedNumber(ctx context.Context) (uint64, error) {
	if number, ok := f.pinned.Number(); ok {
		return number, nil
	}
	header, err := f.pinnedHeader(ctx)
	if err != nil {
		return 0, err
	}
	return header.Number, nil
}

// pinnedHeader returns the shared, cached header of the pinned block.
func (f *ForkDB) pinnedHeader(ctx context.Context) (*types.BlockHeader, error) {
	if number, ok := f.pinned.Number(); ok {
		return f.headerByNumber(ctx, number)
	}

	hash, _ := f.pinned.Hash()
	entry, err := f.resolve(ctx, cache.HeaderHashKey(hash), func(ctx context.Context) (any, error) {
		header, err := f.reader.GetBlockHeader(ctx, f.pinned)
		if err != nil {
			return nil, err
		}
		if header.Hash != hash {
			return nil, errors.Errorf("remote returned block %s when asked for block %s", header.Hash.Hex(), hash.Hex())
		}
		f.putRemote(cache.HeaderKey(header.Number), header)
		return header, nil
	})
	if err != nil {
		return nil, err
	}
	if entry.Absent {
		return nil, errors.Wrapf(remote.ErrNotFound, "pinned block %s", hash.Hex())
	}
	return entry.Value.(*types.BlockHeader), nil
}

// headerAt returns a copy of the header at number, which must not exceed pinnedNumber.
func (f *ForkDB) headerAt(ctx context.Context, number uint64, pinnedNumber uint64) (*types.BlockHeader, error) {
	var header *types.BlockHeader
	var err error
	if number == pinnedNumber {
		// a fork pinned by hash must see its own block, not whichever block is canonical at that height
		header, err = f.pinnedHeader(ctx)
	} else {
		header, err = f.headerByNumber(ctx, number)
	}
	if err != nil {
		return nil, err
	}
	return header.Copy(), nil
}

func (f *ForkDB) headerByNumber(ctx context.Context, number uint64) (*types.BlockHeader, error) {
	entry, err := f.resolve(ctx, cache.HeaderKey(number), func(ctx context.Context) (any, error) {
		header, err := f.reader.GetBlockHeader(ctx, types.BlockByNumber(number))
		if err != nil {
			return nil, err
		}
		if header.Number != number {
			return nil, errors.Errorf("remote returned block %d when asked for block %d", header.Number, number)
		}
		f.putRemote(cache.HeaderHashKey(header.Hash), header)
		return header, nil
	})
	if err != nil {
		return nil, err
	}
	if entry.Absent {
		return nil, errors.Wrapf(remote.ErrNotFound, "block %d", number)
	}
	return entry.Value.(*types.BlockHeader), nil
}

/*
resolve returns the remote entry for key, from the cache if present, otherwise through a coalesced call to fetch.
The fetch runs at most once per key at a time no matter how many callers miss concurrently. A NotFound result is
cached as an absent entry. A failed or aborted fetch caches nothing, so the next caller retries it.
*/
func (f *ForkDB) resolve(ctx context.Context, key cache.Key, fetch func(ctx context.Context) (any, error)) (cache.Entry, error) {
	if entry, ok := f.cache.GetRemote(key); ok {
		f.metrics.RecordCacheLookup(key.Kind, true)
		return entry, nil
	}
	f.metrics.RecordCacheLookup(key.Kind, false)

	entry, err := f.fetches.Do(ctx, key, func(fetchCtx context.Context) (cache.Entry, error) {
		// a fetch for this key may have completed between the cache miss and this call being registered
		if entry, ok := f.cache.GetRemote(key); ok {
			return entry, nil
		}
		if f.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, f.fetchTimeout)
			defer cancel()
		}

		start := time.Now()
		value, err := fetch(fetchCtx)
		if remote.IsNotFound(err) {
			f.metrics.RecordRemoteFetch(key.Kind, time.Since(start), nil)
			if err := f.cache.PutAbsent(key); err != nil {
				return cache.Entry{}, err
			}
			return cache.Entry{Provenance: cache.Remote, Absent: true}, nil
		}
		f.metrics.RecordRemoteFetch(key.Kind, time.Since(start), err)
		if err != nil {
			f.logger.Debug("Remote read of ", key.String(), " failed: ", err)
			return cache.Entry{}, err
		}
		if err := f.cache.Put(key, value, cache.Remote); err != nil {
			return cache.Entry{}, err
		}
		return cache.Entry{Value: value, Provenance: cache.Remote}, nil
	})
	if errors.Is(err, coalescer.ErrClosed) {
		return cache.Entry{}, ErrClosed
	}
	return entry, err
}
