package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crytic/forkdb/chain/types"
	"github.com/crytic/medusa-geth/common"
	"github.com/fxamacker/cbor"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// DefaultCacheDirName is the directory created under a working directory to hold persistent caches.
const DefaultCacheDirName = ".forkcache"

var bucketName = []byte("cache")

/*
PersistentStore keeps remote cache entries on disk so later runs against the same endpoint and block start warm.
Every store is a bbolt file named after the pinned block and a digest of the RPC URL, so two forks never share a file
unless they would read identical remote state. Writes are buffered and flushed in batches.
*/
type PersistentStore struct {
	db   *bbolt.DB
	path string

	pendingWriteLock sync.Mutex
	pendingWrites    map[string][]byte
	flushThreshold   int
}

// OpenPersistentStore opens, or creates, the store for rpcURL pinned at block under dir.
func OpenPersistentStore(dir string, rpcURL string, block types.BlockID) (*PersistentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	path := filepath.Join(dir, CacheFilename(rpcURL, block))
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open cache database %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}

	return &PersistentStore{
		db:             db,
		path:           path,
		pendingWrites:  make(map[string][]byte),
		flushThreshold: 25,
	}, nil
}

// CacheFilename returns the file name of the store for rpcURL pinned at block.
func CacheFilename(rpcURL string, block types.BlockID) string {
	digest := sha256.Sum256([]byte(rpcURL))
	label := block.String()
	if number, ok := block.Number(); ok {
		label = fmt.Sprintf("%d", number)
	}
	return fmt.Sprintf("%s-%x.dat", label, digest[:10])
}

// Path returns the location of the store on disk.
func (p *PersistentStore) Path() string {
	return p.path
}

func (p *PersistentStore) get(key Key) (Entry, bool, error) {
	encodedKey := encodeKey(key)

	p.pendingWriteLock.Lock()
	data, pending := p.pendingWrites[string(encodedKey)]
	p.pendingWriteLock.Unlock()

	if !pending {
		err := p.db.View(func(tx *bbolt.Tx) error {
			// bbolt values are only valid for the life of the transaction
			if stored := tx.Bucket(bucketName).Get(encodedKey); stored != nil {
				data = append([]byte{}, stored...)
			}
			return nil
		})
		if err != nil {
			return Entry{}, false, errors.WithStack(err)
		}
	}
	if data == nil {
		return Entry{}, false, nil
	}

	entry, err := decodeEntry(key.Kind, data)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (p *PersistentStore) put(key Key, entry Entry) error {
	data, err := encodeEntry(key.Kind, entry)
	if err != nil {
		return err
	}

	p.pendingWriteLock.Lock()
	defer p.pendingWriteLock.Unlock()
	p.pendingWrites[string(encodeKey(key))] = data
	if len(p.pendingWrites) >= p.flushThreshold {
		return p.flushWrites()
	}
	return nil
}

// Flush writes every buffered entry to disk.
func (p *PersistentStore) Flush() error {
	p.pendingWriteLock.Lock()
	defer p.pendingWriteLock.Unlock()
	return p.flushWrites()
}

// flushWrites expects pendingWriteLock to be held.
func (p *PersistentStore) flushWrites() error {
	if len(p.pendingWrites) == 0 {
		return nil
	}
	err := p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for key, value := range p.pendingWrites {
			if err := bucket.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	clear(p.pendingWrites)
	return nil
}

// Close flushes buffered entries and closes the database.
func (p *PersistentStore) Close() error {
	if err := p.Flush(); err != nil {
		_ = p.db.Close()
		return err
	}
	return errors.WithStack(p.db.Close())
}

// encodeKey lays a key out as its kind followed by the fields meaningful for that kind.
func encodeKey(key Key) []byte {
	encoded := []byte{byte(key.Kind)}
	switch key.Kind {
	case KindAccount:
		encoded = append(encoded, key.Address[:]...)
	case KindCode:
		if key.ByHash {
			encoded = append(encoded, 1)
			encoded = append(encoded, key.Hash[:]...)
		} else {
			encoded = append(encoded, 0)
			encoded = append(encoded, key.Address[:]...)
		}
	case KindStorage:
		encoded = append(encoded, key.Address[:]...)
		encoded = append(encoded, key.Slot[:]...)
	case KindBlockHeader:
		if key.ByHash {
			encoded = append(encoded, 1)
			encoded = append(encoded, key.Hash[:]...)
		} else {
			encoded = append(encoded, 0)
			encoded = binary.BigEndian.AppendUint64(encoded, key.Number)
		}
	}
	return encoded
}

// persistedEntry is the on-disk form of a remote entry. Only the fields of the entry's kind are set.
type persistedEntry struct {
	Absent   bool             `cbor:"absent,omitempty"`
	Balance  []byte           `cbor:"balance,omitempty"`
	Nonce    uint64           `cbor:"nonce,omitempty"`
	CodeHash []byte           `cbor:"codeHash,omitempty"`
	Code     []byte           `cbor:"code,omitempty"`
	Word     []byte           `cbor:"word,omitempty"`
	Header   *persistedHeader `cbor:"header,omitempty"`
}

type persistedHeader struct {
	Number     uint64 `cbor:"number"`
	Hash       []byte `cbor:"hash"`
	ParentHash []byte `cbor:"parentHash"`
	Timestamp  uint64 `cbor:"timestamp"`
	GasLimit   uint64 `cbor:"gasLimit"`
	Coinbase   []byte `cbor:"coinbase"`
	StateRoot  []byte `cbor:"stateRoot"`
	BaseFee    []byte `cbor:"baseFee,omitempty"`
	Difficulty []byte `cbor:"difficulty,omitempty"`
	MixDigest  []byte `cbor:"mixDigest"`
}

func encodeEntry(kind Kind, entry Entry) ([]byte, error) {
	var persisted persistedEntry
	if entry.Absent {
		persisted.Absent = true
	} else {
		switch kind {
		case KindAccount:
			record := entry.Value.(types.AccountRecord)
			persisted.Balance = balanceOrZero(record.Balance).Bytes()
			persisted.Nonce = record.Nonce
			persisted.CodeHash = record.CodeHash.Bytes()
		case KindCode:
			persisted.Code = entry.Value.([]byte)
		case KindStorage:
			persisted.Word = entry.Value.(common.Hash).Bytes()
		case KindBlockHeader:
			header := entry.Value.(*types.BlockHeader)
			persisted.Header = &persistedHeader{
				Number:     header.Number,
				Hash:       header.Hash.Bytes(),
				ParentHash: header.ParentHash.Bytes(),
				Timestamp:  header.Timestamp,
				GasLimit:   header.GasLimit,
				Coinbase:   header.Coinbase.Bytes(),
				StateRoot:  header.StateRoot.Bytes(),
				MixDigest:  header.MixDigest.Bytes(),
			}
			if header.BaseFee != nil {
				// fixed width so a zero base fee is not mistaken for a missing one
				baseFee := header.BaseFee.Bytes32()
				persisted.Header.BaseFee = baseFee[:]
			}
			if header.Difficulty != nil {
				persisted.Header.Difficulty = header.Difficulty.Bytes()
			}
		default:
			return nil, errors.Wrapf(ErrInvalidValue, "unknown kind %v", kind)
		}
	}

	data, err := cbor.Marshal(persisted, cbor.EncOptions{})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func decodeEntry(kind Kind, data []byte) (Entry, error) {
	var persisted persistedEntry
	if err := cbor.Unmarshal(data, &persisted); err != nil {
		return Entry{}, errors.WithStack(err)
	}
	if persisted.Absent {
		return Entry{Provenance: Remote, Absent: true}, nil
	}

	var value any
	switch kind {
	case KindAccount:
		value = types.AccountRecord{
			Balance:  new(uint256.Int).SetBytes(persisted.Balance),
			Nonce:    persisted.Nonce,
			CodeHash: common.BytesToHash(persisted.CodeHash),
		}
	case KindCode:
		code := persisted.Code
		if code == nil {
			code = []byte{}
		}
		value = code
	case KindStorage:
		value = common.BytesToHash(persisted.Word)
	case KindBlockHeader:
		if persisted.Header == nil {
			return Entry{}, errors.New("persisted header entry has no header")
		}
		h := persisted.Header
		header := &types.BlockHeader{
			Number:     h.Number,
			Hash:       common.BytesToHash(h.Hash),
			ParentHash: common.BytesToHash(h.ParentHash),
			Timestamp:  h.Timestamp,
			GasLimit:   h.GasLimit,
			Coinbase:   common.BytesToAddress(h.Coinbase),
			StateRoot:  common.BytesToHash(h.StateRoot),
			Difficulty: new(uint256.Int).SetBytes(h.Difficulty),
			MixDigest:  common.BytesToHash(h.MixDigest),
		}
		if h.BaseFee != nil {
			header.BaseFee = new(uint256.Int).SetBytes(h.BaseFee)
		}
		value = header
	default:
		return Entry{}, errors.Wrapf(ErrInvalidValue, "unknown kind %v", kind)
	}
	return Entry{Value: value, Provenance: Remote}, nil
}

func balanceOrZero(b *uint256.Int) *uint256.Int {
	if b == nil {
		return uint256.NewInt(0)
	}
	return b
}
