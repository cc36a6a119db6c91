package cache

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/forkdb/logging"
	"github.com/crytic/medusa-geth/common"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
)

// Options configures a Cache.
type Options struct {
	// MaxRemoteEntries bounds the number of remote entries held in memory per kind. Zero leaves the remote tier
	// unbounded. Override entries are never evicted.
	MaxRemoteEntries int

	// Store is an optional persistent tier for remote entries. Remote entries evicted from memory, or cached by a
	// previous run against the same endpoint and block, are served from it.
	Store *PersistentStore
}

/*
Cache is the local cache of a fork. Every key has at most two entries: a Remote entry read from the pinned block,
and an Override entry written locally. Overrides shadow remote entries without replacing them, so dropping an
override exposes the remote value again. Remote entries are immutable once written.

The cache is sharded per Kind. Each shard has its own lock, so account reads never contend with storage writes.
*/
type Cache struct {
	shards [numKinds]*shard
	store  *PersistentStore

	evictions atomic.Int64
	logger    *logging.Logger
}

type shard struct {
	lock sync.RWMutex

	// remote holds remote entries when the shard is unbounded, bounded holds them otherwise.
	remote  map[Key]Entry
	bounded *simplelru.LRU[Key, Entry]

	override map[Key]Entry
}

// New creates an empty Cache.
func New(opts Options) (*Cache, error) {
	c := &Cache{
		store:  opts.Store,
		logger: logging.GlobalLogger.NewSubLogger("module", "cache"),
	}
	for i := range c.shards {
		s := &shard{override: make(map[Key]Entry)}
		if opts.MaxRemoteEntries > 0 {
			lru, err := simplelru.NewLRU[Key, Entry](opts.MaxRemoteEntries, func(Key, Entry) {
				c.evictions.Add(1)
			})
			if err != nil {
				return nil, errors.WithStack(err)
			}
			s.bounded = lru
		} else {
			s.remote = make(map[Key]Entry)
		}
		c.shards[i] = s
	}
	return c, nil
}

func (c *Cache) shardFor(key Key) *shard {
	if int(key.Kind) >= numKinds {
		return nil
	}
	return c.shards[key.Kind]
}

// Get returns the entry visible for key: the override if one exists, otherwise the remote entry.
func (c *Cache) Get(key Key) (Entry, bool) {
	if entry, ok := c.GetOverride(key); ok {
		return entry, true
	}
	return c.GetRemote(key)
}

// GetOverride returns the override entry for key, ignoring any remote entry.
func (c *Cache) GetOverride(key Key) (Entry, bool) {
	s := c.shardFor(key)
	if s == nil {
		return Entry{}, false
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.override[key]
	return entry, ok
}

// GetRemote returns the remote entry for key, ignoring any override entry.
func (c *Cache) GetRemote(key Key) (Entry, bool) {
	s := c.shardFor(key)
	if s == nil {
		return Entry{}, false
	}

	if entry, ok := s.getRemote(key); ok {
		return entry, true
	}
	if c.store == nil {
		return Entry{}, false
	}

	entry, ok, err := c.store.get(key)
	if err != nil {
		c.logger.Warn("Failed to read ", key.String(), " from the persistent cache: ", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	// promote into memory; a concurrent writer may have beaten us to it with the same value
	s.lock.Lock()
	if existing, exists := s.peekRemote(key); exists {
		entry = existing
	} else {
		s.addRemote(key, entry)
	}
	s.lock.Unlock()
	return entry, true
}

/*
Put writes value under key with the given provenance. Override writes replace any previous override. Remote writes
are first-write-wins: writing the value already cached is a no-op, and writing a different one fails with
ErrRemoteConflict. Values are copied, so callers may reuse their buffers.
*/
func (c *Cache) Put(key Key, value any, provenance Provenance) error {
	if err := checkValue(key, value, provenance); err != nil {
		return err
	}
	return c.put(key, Entry{Value: copyValue(value), Provenance: provenance})
}

// PutAbsent records that key does not exist at the pinned block.
func (c *Cache) PutAbsent(key Key) error {
	if c.shardFor(key) == nil {
		return errors.Wrapf(ErrInvalidValue, "unknown kind %v", key.Kind)
	}
	return c.put(key, Entry{Provenance: Remote, Absent: true})
}

func (c *Cache) put(key Key, entry Entry) error {
	s := c.shardFor(key)
	s.lock.Lock()
	if entry.Provenance == Override {
		s.override[key] = entry
		s.lock.Unlock()
		return nil
	}

	if existing, exists := s.peekRemote(key); exists {
		s.lock.Unlock()
		if !entriesEqual(key.Kind, existing, entry) {
			return errors.Wrapf(ErrRemoteConflict, "key %s", key.String())
		}
		return nil
	}
	s.addRemote(key, entry)
	s.lock.Unlock()

	if c.store != nil {
		if err := c.store.put(key, entry); err != nil {
			// the entry remains cached in memory, only persistence failed
			c.logger.Warn("Failed to persist ", key.String(), ": ", err)
		}
	}
	return nil
}

// DeleteOverride removes the override entry for key, exposing the remote entry again. Remote entries cannot be
// deleted.
func (c *Cache) DeleteOverride(key Key) {
	s := c.shardFor(key)
	if s == nil {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.override, key)
}

// OverrideKeys returns the keys of every override entry of the given kind, in no particular order.
func (c *Cache) OverrideKeys(kind Kind) []Key {
	s := c.shardFor(Key{Kind: kind})
	if s == nil {
		return nil
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]Key, 0, len(s.override))
	for key := range s.override {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of in-memory entries with the given provenance.
func (c *Cache) Len(provenance Provenance) int {
	total := 0
	for _, s := range c.shards {
		s.lock.RLock()
		if provenance == Override {
			total += len(s.override)
		} else if s.bounded != nil {
			total += s.bounded.Len()
		} else {
			total += len(s.remote)
		}
		s.lock.RUnlock()
	}
	return total
}

// Evictions returns how many remote entries were evicted from memory by the MaxRemoteEntries bound.
func (c *Cache) Evictions() int64 {
	return c.evictions.Load()
}

// Close flushes and closes the persistent tier, if any.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (s *shard) getRemote(key Key) (Entry, bool) {
	if s.bounded != nil {
		// lookups update recency in a bounded shard
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.bounded.Get(key)
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	entry, ok := s.remote[key]
	return entry, ok
}

// peekRemote and addRemote expect the shard lock to be held for writing.
func (s *shard) peekRemote(key Key) (Entry, bool) {
	if s.bounded != nil {
		return s.bounded.Peek(key)
	}
	entry, ok := s.remote[key]
	return entry, ok
}

func (s *shard) addRemote(key Key, entry Entry) {
	if s.bounded != nil {
		s.bounded.Add(key, entry)
		return
	}
	s.remote[key] = entry
}

// checkValue verifies that value has the type expected for key's kind and the provenance it is written with.
func checkValue(key Key, value any, provenance Provenance) error {
	ok := false
	switch key.Kind {
	case KindAccount:
		if provenance == Override {
			_, ok = value.(types.AccountOverride)
		} else {
			_, ok = value.(types.AccountRecord)
		}
	case KindCode:
		_, ok = value.([]byte)
	case KindStorage:
		_, ok = value.(common.Hash)
	case KindBlockHeader:
		var header *types.BlockHeader
		header, ok = value.(*types.BlockHeader)
		ok = ok && header != nil
	default:
		return errors.Wrapf(ErrInvalidValue, "unknown kind %v", key.Kind)
	}
	if !ok {
		return errors.Wrapf(ErrInvalidValue, "%T for %s %s", value, provenance, key.String())
	}
	return nil
}

// copyValue returns a deep copy of a value that passed checkValue.
func copyValue(value any) any {
	switch v := value.(type) {
	case types.AccountRecord:
		return v.Copy()
	case types.AccountOverride:
		return v.Copy()
	case []byte:
		return bytes.Clone(v)
	case *types.BlockHeader:
		return v.Copy()
	default:
		return value
	}
}

// entriesEqual compares two remote entries of the given kind.
func entriesEqual(kind Kind, a Entry, b Entry) bool {
	if a.Absent || b.Absent {
		return a.Absent == b.Absent
	}
	switch kind {
	case KindAccount:
		return a.Value.(types.AccountRecord).Equal(b.Value.(types.AccountRecord))
	case KindCode:
		return bytes.Equal(a.Value.([]byte), b.Value.([]byte))
	case KindStorage:
		return a.Value.(common.Hash) == b.Value.(common.Hash)
	case KindBlockHeader:
		return a.Value.(*types.BlockHeader).Equal(b.Value.(*types.BlockHeader))
	default:
		return false
	}
}
