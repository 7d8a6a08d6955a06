package chain

import (
	"sync"

	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/types"
)

// blockCache is the engine's in-memory block_records/heights_in_cache view:
// every record is reachable by hash, and by height for eviction. It also
// tracks the current peak, the one piece of mutable state every AddBlock
// call reads and at most one updates.
type blockCache struct {
	mu             sync.RWMutex
	records        map[types.Hash]*block.Record
	heightsInCache map[uint32]map[types.Hash]struct{}
	peakRec        *block.Record
	cacheSize      uint32
}

func newBlockCache(cacheSize uint32) *blockCache {
	return &blockCache{
		records:        make(map[types.Hash]*block.Record),
		heightsInCache: make(map[uint32]map[types.Hash]struct{}),
		cacheSize:      cacheSize,
	}
}

func (c *blockCache) get(hash types.Hash) *block.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[hash]
}

func (c *blockCache) insert(rec *block.Record) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.HeaderHash] = rec
	set, ok := c.heightsInCache[rec.Height]
	if !ok {
		set = make(map[types.Hash]struct{})
		c.heightsInCache[rec.Height] = set
	}
	set[rec.HeaderHash] = struct{}{}
}

func (c *blockCache) peak() *block.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peakRec
}

func (c *blockCache) setPeak(rec *block.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peakRec = rec
}

// clean evicts cached records with height < peakHeight − cacheSize,
// height-ordered descending from that threshold and stopping at the first
// already-empty height.
func (c *blockCache) clean(peakHeight, cacheSize uint32) {
	if peakHeight <= cacheSize {
		return
	}
	threshold := peakHeight - cacheSize

	c.mu.Lock()
	defer c.mu.Unlock()

	// Walk every integer height from threshold−1 down to 0, not just the
	// ones present in the map: a height with nothing cached is where
	// eviction stops, so a gap must halt the scan rather than be skipped
	// over.
	for h := threshold; h > 0; {
		h--
		set, ok := c.heightsInCache[h]
		if !ok || len(set) == 0 {
			break
		}
		for hash := range set {
			delete(c.records, hash)
		}
		delete(c.heightsInCache, h)
	}
}
