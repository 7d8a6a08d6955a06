// Package heightmap implements the canonical height → header-hash index: an
// in-memory array-like structure, periodically flushed to durable storage,
// that lets the engine answer height_to_hash without a full block read.
package heightmap

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"

	"github.com/hddgo/corechain/internal/storage"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/types"
)

const prefixEntry = "hm/"

// flushInterval is how many update_height calls accumulate before
// maybe_flush actually writes to storage.
const flushInterval = 1000

type entry struct {
	Hash types.Hash             `json:"hash"`
	SES  *block.SubEpochSummary `json:"ses,omitempty"`
}

// HeightMap holds the height-indexed canonical chain view.
type HeightMap struct {
	mu      sync.RWMutex
	db      storage.DB
	entries map[uint32]entry
	dirty   int
}

// Open loads a HeightMap, replaying any previously flushed entries from db.
func Open(db storage.DB) (*HeightMap, error) {
	hm := &HeightMap{db: db, entries: make(map[uint32]entry)}
	err := db.ForEach([]byte(prefixEntry), func(key, value []byte) error {
		if len(key) < len(prefixEntry)+4 {
			return nil
		}
		height := binary.BigEndian.Uint32(key[len(prefixEntry):])
		var e entry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		hm.entries[height] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hm, nil
}

// GetHash returns the header hash at height and whether it exists.
func (hm *HeightMap) GetHash(height uint32) (types.Hash, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	e, ok := hm.entries[height]
	return e.Hash, ok
}

// ContainsHeight reports whether an entry exists at height.
func (hm *HeightMap) ContainsHeight(height uint32) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	_, ok := hm.entries[height]
	return ok
}

// UpdateHeight extends or overwrites the entry at height with hash and an
// optional sub-epoch summary, then opportunistically flushes.
func (hm *HeightMap) UpdateHeight(height uint32, hash types.Hash, ses *block.SubEpochSummary) error {
	hm.mu.Lock()
	hm.entries[height] = entry{Hash: hash, SES: ses}
	hm.dirty++
	shouldFlush := hm.dirty >= flushInterval
	hm.mu.Unlock()

	if shouldFlush {
		return hm.Flush()
	}
	return nil
}

// Rollback truncates every entry with height > h, removing it from memory
// and deleting it from storage immediately.
func (hm *HeightMap) Rollback(h uint32) error {
	hm.mu.Lock()
	var toDelete []uint32
	for height := range hm.entries {
		if height > h {
			toDelete = append(toDelete, height)
		}
	}
	for _, height := range toDelete {
		delete(hm.entries, height)
	}
	hm.mu.Unlock()

	batcher, ok := hm.db.(storage.Batcher)
	if !ok {
		for _, height := range toDelete {
			if err := hm.db.Delete(entryKey(height)); err != nil {
				return err
			}
		}
		return nil
	}
	b := batcher.NewBatch()
	for _, height := range toDelete {
		if err := b.Delete(entryKey(height)); err != nil {
			return err
		}
	}
	return b.Commit()
}

// MaybeFlush persists the in-memory view if enough updates have accumulated
// since the last flush. Safe to call unconditionally after every block.
func (hm *HeightMap) MaybeFlush() error {
	hm.mu.RLock()
	should := hm.dirty >= flushInterval
	hm.mu.RUnlock()
	if !should {
		return nil
	}
	return hm.Flush()
}

// Flush unconditionally persists the entire in-memory view.
func (hm *HeightMap) Flush() error {
	hm.mu.Lock()
	snapshot := make(map[uint32]entry, len(hm.entries))
	for h, e := range hm.entries {
		snapshot[h] = e
	}
	hm.mu.Unlock()

	batcher, ok := hm.db.(storage.Batcher)
	var commitErr error
	if ok {
		b := batcher.NewBatch()
		for height, e := range snapshot {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(entryKey(height), raw); err != nil {
				return err
			}
		}
		commitErr = b.Commit()
	} else {
		for height, e := range snapshot {
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := hm.db.Put(entryKey(height), raw); err != nil {
				return err
			}
		}
	}
	if commitErr != nil {
		return commitErr
	}

	hm.mu.Lock()
	hm.dirty = 0
	hm.mu.Unlock()
	return nil
}

// GetSESHeights returns every height at which a sub-epoch summary was
// recorded, ascending.
func (hm *HeightMap) GetSESHeights() []uint32 {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	var out []uint32
	for h, e := range hm.entries {
		if e.SES != nil {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetSES returns the sub-epoch summary recorded at height, if any.
func (hm *HeightMap) GetSES(height uint32) *block.SubEpochSummary {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.entries[height].SES
}

func entryKey(height uint32) []byte {
	out := make([]byte, len(prefixEntry)+4)
	n := copy(out, prefixEntry)
	binary.BigEndian.PutUint32(out[n:], height)
	return out
}
