package state

import (
	"cmp"

	"github.com/crytic/forkdb/chain/state/cache"
	"github.com/crytic/medusa-geth/common"
	"golang.org/x/exp/slices"
)

// journalEntry records how to undo one change to the override layer.
type journalEntry struct {
	// key is the override that was written, and prev the override it replaced, if hadPrev is set.
	key     cache.Key
	prev    cache.Entry
	hadPrev bool

	// localStorage is set for entries recording that address had its storage marked as locally owned.
	localStorage bool
	address      common.Address
}

// checkpoint is the journal position a snapshot id refers to.
type checkpoint struct {
	id     uint64
	length int
}

/*
journal is an append-only log of override changes. A snapshot is a checkpoint holding the log length at the time it
was taken; reverting undoes every entry past it. Checkpoints are ordered by id, so lookups are a binary search.
Changes are only logged while a checkpoint exists, and the log is trimmed down to what the oldest live checkpoint
can still revert.
*/
type journal struct {
	entries     []journalEntry
	checkpoints []checkpoint
	nextID      uint64
}

func newJournal() *journal {
	return &journal{}
}

// append logs entry if any checkpoint could revert it.
func (j *journal) append(entry journalEntry) {
	if len(j.checkpoints) > 0 {
		j.entries = append(j.entries, entry)
	}
}

// snapshot adds a checkpoint at the current position and returns its id.
func (j *journal) snapshot() uint64 {
	id := j.nextID
	j.nextID++
	j.checkpoints = append(j.checkpoints, checkpoint{id: id, length: len(j.entries)})
	return id
}

func (j *journal) index(id uint64) (int, bool) {
	return slices.BinarySearchFunc(j.checkpoints, id, func(c checkpoint, target uint64) int {
		return cmp.Compare(c.id, target)
	})
}

// revert undoes, newest first, every entry logged after checkpoint id, then discards that checkpoint and every
// newer one. It returns false if id is not a live checkpoint.
func (j *journal) revert(id uint64, undo func(entry journalEntry)) bool {
	idx, ok := j.index(id)
	if !ok {
		return false
	}
	length := j.checkpoints[idx].length
	for i := len(j.entries) - 1; i >= length; i-- {
		undo(j.entries[i])
	}
	clear(j.entries[length:])
	j.entries = j.entries[:length]
	j.checkpoints = j.checkpoints[:idx]
	j.compact()
	return true
}

// drop discards checkpoint id without undoing anything. It returns false if id is not a live checkpoint.
func (j *journal) drop(id uint64) bool {
	idx, ok := j.index(id)
	if !ok {
		return false
	}
	j.checkpoints = slices.Delete(j.checkpoints, idx, idx+1)
	j.compact()
	return true
}

// compact discards entries older than the oldest live checkpoint.
func (j *journal) compact() {
	if len(j.checkpoints) == 0 {
		clear(j.entries)
		j.entries = j.entries[:0]
		return
	}
	shift := j.checkpoints[0].length
	if shift == 0 {
		return
	}
	remaining := copy(j.entries, j.entries[shift:])
	clear(j.entries[remaining:])
	j.entries = j.entries[:remaining]
	for i := range j.checkpoints {
		j.checkpoints[i].length -= shift
	}
}

// live returns the number of live checkpoints.
func (j *journal) live() int {
	return len(j.checkpoints)
}
