// Package blockstore implements persisted full blocks, block records, and
// the canonical-chain peak pointer, keyed by header hash.
package blockstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/hddgo/corechain/internal/storage"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/types"
)

const (
	prefixBlock        = "b/" // b/<hash> -> FullBlock JSON
	prefixRecord       = "r/" // r/<hash> -> block.Record JSON
	prefixGenerator    = "g/" // g/<hash> -> raw generator bytes
	prefixInChain      = "i/" // i/<height_be> -> header_hash (only for blocks set_in_chain marked canonical)
	prefixSESSegments  = "e/" // e/<hash> -> serialized sub-epoch challenge segments
	prefixCompactified = "x/" // x/<hash> -> 1 byte flag
	keyPeak            = "s/peak"
)

// Store is the persisted block database.
type Store struct {
	db storage.DB
}

// Open wraps db as a BlockStore.
func Open(db storage.DB) *Store {
	return &Store{db: db}
}

// AddFullBlock persists a block and its computed record, keyed by hash. It
// does not affect the peak pointer or the height index — those are set
// explicitly via SetPeak/SetInChain so that "stored but not canonical"
// (orphan) blocks are representable.
func (s *Store) AddFullBlock(hash types.Hash, b *block.FullBlock, rec *block.Record) error {
	blockRaw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("blockstore: marshal block %s: %w", hash, err)
	}
	recRaw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("blockstore: marshal record %s: %w", hash, err)
	}

	batcher, ok := s.db.(storage.Batcher)
	if !ok {
		if err := s.db.Put(blockKey(hash), blockRaw); err != nil {
			return err
		}
		if err := s.db.Put(recordKey(hash), recRaw); err != nil {
			return err
		}
		if b.TransactionsGenerator != nil {
			return s.db.Put(generatorKey(hash), b.TransactionsGenerator)
		}
		return nil
	}

	bt := batcher.NewBatch()
	if err := bt.Put(blockKey(hash), blockRaw); err != nil {
		return err
	}
	if err := bt.Put(recordKey(hash), recRaw); err != nil {
		return err
	}
	if b.TransactionsGenerator != nil {
		if err := bt.Put(generatorKey(hash), b.TransactionsGenerator); err != nil {
			return err
		}
	}
	return bt.Commit()
}

// SetInChain marks hashes as canonical in ascending-height order starting
// right after the current fork point, building the height→hash index the
// engine needs for get_prev_hash/get_generators_at.
func (s *Store) SetInChain(hashes []types.Hash) error {
	batcher, ok := s.db.(storage.Batcher)
	var commit func() error
	var put func(key, value []byte) error
	if ok {
		bt := batcher.NewBatch()
		put = bt.Put
		commit = bt.Commit
	} else {
		put = s.db.Put
		commit = func() error { return nil }
	}

	for _, h := range hashes {
		rec, err := s.GetBlockRecord(h)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("blockstore: SetInChain: no record for %s", h)
		}
		if err := put(inChainKey(rec.Height), h[:]); err != nil {
			return err
		}
	}
	return commit()
}

// SetPeak updates the canonical tip pointer.
func (s *Store) SetPeak(hash types.Hash) error {
	return s.db.Put([]byte(keyPeak), hash[:])
}

// Peak returns the current canonical tip hash, or (zero, false) if none set.
func (s *Store) Peak() (types.Hash, bool) {
	raw, err := s.db.Get([]byte(keyPeak))
	if err != nil || len(raw) != types.HashSize {
		return types.Hash{}, false
	}
	var h types.Hash
	copy(h[:], raw)
	return h, true
}

// Rollback truncates the height→hash index above height, so stale entries
// from an abandoned branch stop answering get_prev_hash/generator lookups.
// It does not delete the underlying blocks/records — those remain
// addressable by hash for as long as anything still references them.
func (s *Store) Rollback(height uint32) error {
	var toDelete [][]byte
	err := s.db.ForEach([]byte(prefixInChain), func(key, _ []byte) error {
		if len(key) < len(prefixInChain)+4 {
			return nil
		}
		h := binary.BigEndian.Uint32(key[len(prefixInChain):])
		if h > height {
			k := make([]byte, len(key))
			copy(k, key)
			toDelete = append(toDelete, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := s.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetFullBlock returns the stored block for hash, or nil if absent.
func (s *Store) GetFullBlock(hash types.Hash) (*block.FullBlock, error) {
	raw, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, nil
	}
	var b block.FullBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("blockstore: decode block %s: %w", hash, err)
	}
	return &b, nil
}

// GetBlocksByHash resolves multiple hashes, skipping any not found.
func (s *Store) GetBlocksByHash(hashes []types.Hash) ([]*block.FullBlock, error) {
	out := make([]*block.FullBlock, 0, len(hashes))
	for _, h := range hashes {
		b, err := s.GetFullBlock(h)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b)
		}
	}
	return out, nil
}

// HashAtHeight returns the canonical header hash at height, if one has been
// marked in-chain.
func (s *Store) HashAtHeight(height uint32) (types.Hash, bool) {
	raw, err := s.db.Get(inChainKey(height))
	if err != nil || len(raw) != types.HashSize {
		return types.Hash{}, false
	}
	var h types.Hash
	copy(h[:], raw)
	return h, true
}

// GetGeneratorsAt resolves the transactions generator bytes for each
// canonical height in heights, in order. A height with no generator (not a
// transaction block, or not canonical) yields a nil entry at that position.
func (s *Store) GetGeneratorsAt(heights []uint32) ([][]byte, error) {
	out := make([][]byte, len(heights))
	for i, h := range heights {
		hash, ok := s.HashAtHeight(h)
		if !ok {
			continue
		}
		gen, err := s.GetGenerator(hash)
		if err != nil {
			return nil, err
		}
		out[i] = gen
	}
	return out, nil
}

// GetGenerator returns the raw transactions generator for hash, or nil if
// that block carries none.
func (s *Store) GetGenerator(hash types.Hash) ([]byte, error) {
	raw, err := s.db.Get(generatorKey(hash))
	if err != nil {
		return nil, nil
	}
	return raw, nil
}

// GetBlockRecord returns the cached BlockRecord for hash, or nil if absent.
func (s *Store) GetBlockRecord(hash types.Hash) (*block.Record, error) {
	raw, err := s.db.Get(recordKey(hash))
	if err != nil {
		return nil, nil
	}
	var r block.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("blockstore: decode record %s: %w", hash, err)
	}
	return &r, nil
}

// GetBlockRecordsByHash resolves multiple records, skipping any not found.
func (s *Store) GetBlockRecordsByHash(hashes []types.Hash) ([]*block.Record, error) {
	out := make([]*block.Record, 0, len(hashes))
	for _, h := range hashes {
		r, err := s.GetBlockRecord(h)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetBlockRecordsCloseToPeak returns every in-chain record within n of the
// current peak height, plus the peak record itself (nil if no peak is set).
func (s *Store) GetBlockRecordsCloseToPeak(n uint32) (map[types.Hash]*block.Record, *block.Record, error) {
	peakHash, ok := s.Peak()
	if !ok {
		return map[types.Hash]*block.Record{}, nil, nil
	}
	peakRec, err := s.GetBlockRecord(peakHash)
	if err != nil || peakRec == nil {
		return nil, nil, fmt.Errorf("blockstore: peak %s has no record", peakHash)
	}

	lo := uint32(0)
	if peakRec.Height > n {
		lo = peakRec.Height - n
	}
	recs, err := s.GetBlockRecordsInRange(lo, peakRec.Height)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[types.Hash]*block.Record, len(recs))
	for _, r := range recs {
		out[r.HeaderHash] = r
	}
	return out, peakRec, nil
}

// GetBlockRecordsInRange returns every in-chain record with height in
// [lo, hi].
func (s *Store) GetBlockRecordsInRange(lo, hi uint32) ([]*block.Record, error) {
	var out []*block.Record
	for h := lo; h <= hi; h++ {
		hash, ok := s.HashAtHeight(h)
		if !ok {
			continue
		}
		rec, err := s.GetBlockRecord(hash)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
		if h == hi {
			break // avoid uint32 wraparound if hi == max uint32
		}
	}
	return out, nil
}

// GetPrevHash returns the prev_hash recorded for hash, if the block exists.
func (s *Store) GetPrevHash(hash types.Hash) (types.Hash, bool) {
	rec, err := s.GetBlockRecord(hash)
	if err != nil || rec == nil {
		return types.Hash{}, false
	}
	return rec.PrevHash, true
}

// PersistSubEpochChallengeSegments stores the serialized weight-proof
// challenge segments a light client needs for hash's sub-epoch.
func (s *Store) PersistSubEpochChallengeSegments(hash types.Hash, segments []byte) error {
	return s.db.Put(sesSegmentsKey(hash), segments)
}

// GetSubEpochChallengeSegments retrieves segments stored by
// PersistSubEpochChallengeSegments, or nil if none exist.
func (s *Store) GetSubEpochChallengeSegments(hash types.Hash) ([]byte, error) {
	raw, err := s.db.Get(sesSegmentsKey(hash))
	if err != nil {
		return nil, nil
	}
	return raw, nil
}

// IsFullyCompactified reports whether hash's proofs have all been replaced
// by their compact form.
func (s *Store) IsFullyCompactified(hash types.Hash) (bool, error) {
	raw, err := s.db.Get(compactifiedKey(hash))
	if err != nil {
		return false, nil
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

// MarkFullyCompactified records that hash's proofs are now all compact.
func (s *Store) MarkFullyCompactified(hash types.Hash) error {
	return s.db.Put(compactifiedKey(hash), []byte{1})
}

// RollbackCacheBlock is a hook for the in-memory hot-block cache the engine
// keeps alongside this store; BlockStore itself holds no such cache, so
// this is a no-op retained to satisfy the collaborator interface.
func (s *Store) RollbackCacheBlock(hash types.Hash) error {
	return nil
}

func blockKey(h types.Hash) []byte        { return append([]byte(prefixBlock), h[:]...) }
func recordKey(h types.Hash) []byte       { return append([]byte(prefixRecord), h[:]...) }
func generatorKey(h types.Hash) []byte    { return append([]byte(prefixGenerator), h[:]...) }
func sesSegmentsKey(h types.Hash) []byte  { return append([]byte(prefixSESSegments), h[:]...) }
func compactifiedKey(h types.Hash) []byte { return append([]byte(prefixCompactified), h[:]...) }

func inChainKey(height uint32) []byte {
	out := make([]byte, len(prefixInChain)+4)
	n := copy(out, prefixInChain)
	binary.BigEndian.PutUint32(out[n:], height)
	return out
}
