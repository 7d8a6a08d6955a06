// Package coinstore implements the height-indexed unspent-coin database,
// keyed by coin_id and indexed by confirmation height, spend height, puzzle
// hash, and parent coin.
package coinstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hddgo/corechain/internal/storage"
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/types"
)

// addedAtHeightCacheSize bounds the coins_added_at_height cache, matching
// the original store's LRUCache(100).
const addedAtHeightCacheSize = 100

// SchemaVersion is the only coin-store layout this core understands; a store
// opened at version 1 is rejected rather than silently misread.
const SchemaVersion = 2

var (
	// ErrSchemaVersion is returned by Open when the on-disk store was written
	// by an incompatible (v1) schema.
	ErrSchemaVersion = errors.New("coinstore: unsupported schema version")

	// ErrConsistency signals a spend touched a different number of rows than
	// the caller's removal list — double-spend or unknown-coin spend.
	ErrConsistency = errors.New("coinstore: consistency violation")
)

const (
	prefixCoin       = "c/" // c/<coin_id> -> coinRecordJSON
	prefixByHeight   = "h/" // h/<height_be><coin_id> -> nil (coins confirmed at height)
	prefixBySpent    = "s/" // s/<height_be><coin_id> -> nil (coins spent at height)
	prefixByPuzzle   = "p/" // p/<puzzle_hash><coin_id> -> nil
	prefixByParent   = "r/" // r/<parent_id><coin_id> -> nil
	keySchemaVersion = "meta/schema_version"
)

// batchSize bounds IN-style lookups against the store.
const batchSize = 500

// Store is the persisted unspent-coin database.
type Store struct {
	db storage.DB

	// addedAtHeight caches CoinsAddedAtHeight results, since blockchain sync
	// re-reads recently confirmed heights repeatedly (new-peak notification
	// fan-out). Purged wholesale on rollback rather than tracked per-height,
	// since rollbacks are rare and only ever touch the cache's most recent
	// entries anyway.
	addedAtHeight *lru.Cache[uint32, []*coin.Record]
}

// Open wraps db as a CoinStore, writing the schema-version marker on first
// use and rejecting a store stamped with an older, incompatible version.
func Open(db storage.DB) (*Store, error) {
	cache, err := lru.New[uint32, []*coin.Record](addedAtHeightCacheSize)
	if err != nil {
		return nil, fmt.Errorf("coinstore: building added-at-height cache: %w", err)
	}
	s := &Store{db: db, addedAtHeight: cache}
	raw, err := db.Get([]byte(keySchemaVersion))
	if err != nil {
		// Not found: fresh store.
		if putErr := s.putSchemaVersion(); putErr != nil {
			return nil, putErr
		}
		return s, nil
	}
	if len(raw) != 4 {
		return nil, fmt.Errorf("coinstore: malformed schema version marker")
	}
	v := binary.BigEndian.Uint32(raw)
	if v != SchemaVersion {
		return nil, fmt.Errorf("%w: store is v%d, core requires v%d", ErrSchemaVersion, v, SchemaVersion)
	}
	return s, nil
}

func (s *Store) putSchemaVersion() error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], SchemaVersion)
	return s.db.Put([]byte(keySchemaVersion), buf[:])
}

func heightKey(prefix string, height uint32, id types.Hash) []byte {
	out := make([]byte, len(prefix)+4+types.HashSize)
	n := copy(out, prefix)
	binary.BigEndian.PutUint32(out[n:], height)
	copy(out[n+4:], id[:])
	return out
}

func hashKey(prefix string, h types.Hash, id types.Hash) []byte {
	out := make([]byte, len(prefix)+types.HashSize+types.HashSize)
	n := copy(out, prefix)
	copy(out[n:], h[:])
	copy(out[n+types.HashSize:], id[:])
	return out
}

func coinKey(id types.Hash) []byte {
	return append([]byte(prefixCoin), id[:]...)
}

// Get returns the CoinRecord for id, or (nil, nil) if it does not exist. A
// genuine storage failure is returned as an error rather than folded into
// the not-found case.
func (s *Store) Get(id types.Hash) (*coin.Record, error) {
	raw, err := s.db.Get(coinKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("coinstore: get %s: %w", id, err)
	}
	var r coin.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("coinstore: decode record %s: %w", id, err)
	}
	return &r, nil
}

// GetMany looks up ids in batches of batchSize, returning only the records
// that exist.
func (s *Store) GetMany(ids []types.Hash) ([]*coin.Record, error) {
	var out []*coin.Record
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[start:end] {
			r, err := s.Get(id)
			if err != nil {
				return nil, err
			}
			if r != nil {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// NewBlock applies the coin-level effects of a tx block at height: it
// inserts every reward and tx-addition coin unspent, then marks exactly the
// coins in removals as spent at height. It fails atomically — no row is
// changed — if the number of rows actually transitioned to spent does not
// equal len(removals), since that signals a double-spend or a spend of an
// unknown coin.
func (s *Store) NewBlock(height uint32, timestamp uint64, rewardCoins []coin.Coin, txAdditions []coin.Addition, removals []types.Hash) error {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("coinstore: underlying store does not support atomic batches")
	}

	// Verify every removal exists and is currently unspent before writing
	// anything, so a consistency failure never touches the batch.
	spentCount := 0
	existing := make(map[types.Hash]*coin.Record, len(removals))
	for _, id := range removals {
		r, err := s.Get(id)
		if err != nil {
			return err
		}
		if r == nil || r.SpentBlockIndex != 0 {
			continue
		}
		existing[id] = r
		spentCount++
	}
	if spentCount != len(removals) {
		return fmt.Errorf("%w: %d removals requested, %d unspent coins matched", ErrConsistency, len(removals), spentCount)
	}

	b := batcher.NewBatch()

	for _, rc := range rewardCoins {
		rec := coin.NewRecord(rc, height, true, timestamp)
		if err := s.stageAdd(b, &rec); err != nil {
			return err
		}
	}
	for _, a := range txAdditions {
		rec := coin.NewRecord(a.Coin, a.ConfirmedHeight, a.IsCoinbase, a.Timestamp)
		if err := s.stageAdd(b, &rec); err != nil {
			return err
		}
	}
	for id, rec := range existing {
		updated := *rec
		updated.SpentBlockIndex = height
		if err := s.stageSpend(b, id, &updated); err != nil {
			return err
		}
	}

	if err := b.Commit(); err != nil {
		return err
	}
	s.addedAtHeight.Remove(height)
	return nil
}

func (s *Store) stageAdd(b storage.Batch, r *coin.Record) error {
	id := r.Coin.ID()
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := b.Put(coinKey(id), raw); err != nil {
		return err
	}
	if err := b.Put(heightKey(prefixByHeight, r.ConfirmedBlockIndex, id), nil); err != nil {
		return err
	}
	if err := b.Put(hashKey(prefixByPuzzle, r.Coin.PuzzleHash, id), nil); err != nil {
		return err
	}
	if err := b.Put(hashKey(prefixByParent, r.Coin.ParentCoinInfo, id), nil); err != nil {
		return err
	}
	return nil
}

func (s *Store) stageSpend(b storage.Batch, id types.Hash, updated *coin.Record) error {
	raw, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	if err := b.Put(coinKey(id), raw); err != nil {
		return err
	}
	return b.Put(heightKey(prefixBySpent, updated.SpentBlockIndex, id), nil)
}

// RollbackToBlock deletes every coin confirmed above H and un-spends every
// coin spent above H, returning the CoinRecords whose state changed so the
// caller can report them in a StateChangeSummary. Height 0 can never be
// rolled back past (the genesis has no coins to restore).
func (s *Store) RollbackToBlock(h uint32) ([]*coin.Record, error) {
	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		return nil, fmt.Errorf("coinstore: underlying store does not support atomic batches")
	}

	var changed []*coin.Record
	var toDelete []types.Hash
	var toUnspend []types.Hash

	err := s.db.ForEach([]byte(prefixCoin), func(key, value []byte) error {
		var r coin.Record
		if err := json.Unmarshal(value, &r); err != nil {
			return fmt.Errorf("coinstore: decode during rollback: %w", err)
		}
		id := r.Coin.ID()
		switch {
		case r.ConfirmedBlockIndex > h:
			changed = append(changed, &r)
			toDelete = append(toDelete, id)
		case r.SpentBlockIndex > h:
			changed = append(changed, &r)
			toUnspend = append(toUnspend, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b := batcher.NewBatch()
	for _, id := range toDelete {
		r, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if err := s.stageDelete(b, id, r); err != nil {
			return nil, err
		}
	}
	for _, id := range toUnspend {
		r, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		updated := *r
		oldSpent := updated.SpentBlockIndex
		updated.SpentBlockIndex = 0
		if err := b.Delete(heightKey(prefixBySpent, oldSpent, id)); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(&updated)
		if err != nil {
			return nil, err
		}
		if err := b.Put(coinKey(id), raw); err != nil {
			return nil, err
		}
	}

	if err := b.Commit(); err != nil {
		return nil, err
	}
	s.addedAtHeight.Purge()

	sort.Slice(changed, func(i, j int) bool {
		return changed[i].ConfirmedBlockIndex < changed[j].ConfirmedBlockIndex
	})
	return changed, nil
}

func (s *Store) stageDelete(b storage.Batch, id types.Hash, r *coin.Record) error {
	if err := b.Delete(coinKey(id)); err != nil {
		return err
	}
	if err := b.Delete(heightKey(prefixByHeight, r.ConfirmedBlockIndex, id)); err != nil {
		return err
	}
	if r.SpentBlockIndex != 0 {
		if err := b.Delete(heightKey(prefixBySpent, r.SpentBlockIndex, id)); err != nil {
			return err
		}
	}
	if err := b.Delete(hashKey(prefixByPuzzle, r.Coin.PuzzleHash, id)); err != nil {
		return err
	}
	return b.Delete(hashKey(prefixByParent, r.Coin.ParentCoinInfo, id))
}

// CoinsAddedAtHeight returns every coin confirmed at height, served from a
// bounded LRU cache on repeated lookups.
func (s *Store) CoinsAddedAtHeight(height uint32) ([]*coin.Record, error) {
	if recs, ok := s.addedAtHeight.Get(height); ok {
		return recs, nil
	}
	recs, err := s.scanIDs(heightKey(prefixByHeight, height, types.Hash{})[:len(prefixByHeight)+4])
	if err != nil {
		return nil, err
	}
	s.addedAtHeight.Add(height, recs)
	return recs, nil
}

// CoinsRemovedAtHeight returns every coin spent at height.
func (s *Store) CoinsRemovedAtHeight(height uint32) ([]*coin.Record, error) {
	return s.scanIDs(heightKey(prefixBySpent, height, types.Hash{})[:len(prefixBySpent)+4])
}

// ByPuzzleHash returns all coins (optionally restricted to [startHeight,
// endHeight) by confirmation height) paid to puzzleHash.
func (s *Store) ByPuzzleHash(puzzleHash types.Hash, startHeight, endHeight uint32) ([]*coin.Record, error) {
	prefix := append([]byte(prefixByPuzzle), puzzleHash[:]...)
	recs, err := s.scanIDs(prefix)
	if err != nil {
		return nil, err
	}
	if startHeight == 0 && endHeight == 0 {
		return recs, nil
	}
	var out []*coin.Record
	for _, r := range recs {
		if r.ConfirmedBlockIndex >= startHeight && (endHeight == 0 || r.ConfirmedBlockIndex < endHeight) {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetCoinRecordsByPuzzleHashes returns all coins paid to any of puzzleHashes,
// optionally restricted to [startHeight, endHeight) by confirmation height
// and, unless includeSpent is set, excluding already-spent coins. Each
// puzzle hash is looked up independently and the results merged, matching
// the batched IN-query shape callers otherwise build by hand one hash at a
// time.
func (s *Store) GetCoinRecordsByPuzzleHashes(puzzleHashes []types.Hash, includeSpent bool, startHeight, endHeight uint32) ([]*coin.Record, error) {
	var out []*coin.Record
	for start := 0; start < len(puzzleHashes); start += batchSize {
		end := start + batchSize
		if end > len(puzzleHashes) {
			end = len(puzzleHashes)
		}
		for _, ph := range puzzleHashes[start:end] {
			recs, err := s.ByPuzzleHash(ph, startHeight, endHeight)
			if err != nil {
				return nil, err
			}
			for _, r := range recs {
				if !includeSpent && r.Spent() {
					continue
				}
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// ByParent returns all coins created by spending parentID.
func (s *Store) ByParent(parentID types.Hash) ([]*coin.Record, error) {
	prefix := append([]byte(prefixByParent), parentID[:]...)
	return s.scanIDs(prefix)
}

func (s *Store) scanIDs(prefix []byte) ([]*coin.Record, error) {
	var out []*coin.Record
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) < types.HashSize {
			return nil
		}
		var id types.Hash
		copy(id[:], key[len(key)-types.HashSize:])
		r, err := s.Get(id)
		if err != nil {
			return err
		}
		if r != nil {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// NumUnspent counts coins with SpentBlockIndex == 0. This is a full scan;
// callers on the hot path should prefer a cached count.
func (s *Store) NumUnspent() (int, error) {
	n := 0
	err := s.db.ForEach([]byte(prefixCoin), func(_, value []byte) error {
		var r coin.Record
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		if r.SpentBlockIndex == 0 {
			n++
		}
		return nil
	})
	return n, err
}
