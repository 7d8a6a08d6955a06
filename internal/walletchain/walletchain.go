// Package walletchain implements the light-client Blockchain variant: it
// trusts a WeightProofVerifier collaborator instead of re-validating coin
// spends itself, so it can follow the heaviest chain from a weight proof
// plus a trailing run of header blocks. It reuses the full engine's
// BlockRecord type and peak/height-index shape (internal/chain,
// internal/heightmap) but drops CoinStore/BodyValidator entirely.
package walletchain

import (
	"errors"
	"sync"

	"github.com/hddgo/corechain/internal/log"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/types"
)

// ErrDisconnected is returned when a header block's prev_hash names a
// record the chain has never seen.
var ErrDisconnected = errors.New("walletchain: prev_hash is not known")

// ErrNilRecord is returned for a nil BlockRecord.
var ErrNilRecord = errors.New("walletchain: nil block record")

// WeightProofVerifier validates a serialized weight proof and returns the
// summarized block records it proves, in ascending-height order, the last of
// which is the proof's claimed tip. The core does not re-verify VDFs or
// proofs-of-space itself here — that is exactly what this collaborator is
// for.
type WeightProofVerifier interface {
	ValidateWeightProof(wp []byte) ([]*block.Record, error)
}

// Chain is the light-client view of the canonical chain: header-only
// BlockRecords reached either by a verified weight proof or by extending the
// current peak with individually-received header blocks.
type Chain struct {
	mu           sync.RWMutex
	verifier     WeightProofVerifier
	records      map[types.Hash]*block.Record
	heightToHash map[uint32]types.Hash
	peak         *block.Record
}

// New constructs an empty light chain over verifier.
func New(verifier WeightProofVerifier) *Chain {
	return &Chain{
		verifier:     verifier,
		records:      make(map[types.Hash]*block.Record),
		heightToHash: make(map[uint32]types.Hash),
	}
}

// GetPeak returns the current tip's record, or nil if the chain is empty.
func (c *Chain) GetPeak() *block.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peak
}

// GetPeakHeight returns the current peak's height and whether one exists.
func (c *Chain) GetPeakHeight() (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peak == nil {
		return 0, false
	}
	return c.peak.Height, true
}

// ContainsBlock reports whether hash has a record.
func (c *Chain) ContainsBlock(hash types.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.records[hash]
	return ok
}

// BlockRecord returns the record for hash, or nil if unknown.
func (c *Chain) BlockRecord(hash types.Hash) *block.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[hash]
}

// HeightToHash resolves a canonical height to its header hash.
func (c *Chain) HeightToHash(height uint32) (types.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.heightToHash[height]
	return h, ok
}

// IngestWeightProof validates wp via the configured WeightProofVerifier and,
// if its tip outweighs (or the chain has no) current peak, replaces the
// entire in-memory view with the proof's summarized records. A weight proof
// is accepted as a unit — there is no partial reorg onto a proof, since the
// verifier has already established the whole chain it describes is heavier.
func (c *Chain) IngestWeightProof(wp []byte) (bool, error) {
	recs, err := c.verifier.ValidateWeightProof(wp)
	if err != nil {
		return false, err
	}
	if len(recs) == 0 {
		return false, nil
	}
	tip := recs[len(recs)-1]

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peak != nil && tip.Weight.Cmp(c.peak.Weight) <= 0 {
		return false, nil
	}

	records := make(map[types.Hash]*block.Record, len(recs))
	heights := make(map[uint32]types.Hash, len(recs))
	for _, r := range recs {
		records[r.HeaderHash] = r
		heights[r.Height] = r.HeaderHash
	}
	c.records = records
	c.heightToHash = heights
	c.peak = tip

	log.WalletChain.Info().
		Str("new_peak", tip.HeaderHash.String()).
		Uint32("height", tip.Height).
		Int("records", len(recs)).
		Msg("weight proof accepted")
	return true, nil
}

// AddHeaderBlock extends the chain with a single block record received
// outside of a weight proof (the normal steady-state path once a wallet is
// synced): it must chain off a known record, and only advances the peak if
// it strictly outweighs the current one.
func (c *Chain) AddHeaderBlock(rec *block.Record) (bool, error) {
	if rec == nil {
		return false, ErrNilRecord
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.records[rec.HeaderHash]; known {
		return false, nil
	}
	if rec.Height != 0 {
		if _, known := c.records[rec.PrevHash]; !known {
			return false, ErrDisconnected
		}
	}

	c.records[rec.HeaderHash] = rec
	if c.peak != nil && rec.Weight.Cmp(c.peak.Weight) <= 0 {
		return false, nil
	}

	c.peak = rec
	c.heightToHash[rec.Height] = rec.HeaderHash
	log.WalletChain.Debug().
		Str("new_peak", rec.HeaderHash.String()).
		Uint32("height", rec.Height).
		Msg("header block advances peak")
	return true, nil
}
