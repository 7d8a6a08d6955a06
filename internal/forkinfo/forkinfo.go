// Package forkinfo implements the transient per-fork working set: the
// running additions/removals a side-branch accumulates so the engine can
// validate its blocks without replaying main-chain scripts.
package forkinfo

import (
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/types"
)

// ForkInfo is caller-owned and mutated by the engine as validation proceeds
// along a branch, so subsequent blocks on the same fork stay cheap to
// validate.
type ForkInfo struct {
	// ForkHeight is the height of the highest common ancestor with the main
	// chain; -1 means the fork starts at genesis.
	ForkHeight int64
	PeakHeight uint32
	PeakHash   types.Hash

	// BlockHashes holds the header hashes from ForkHeight+1 to PeakHeight, in
	// order.
	BlockHashes []types.Hash

	// PerBlock holds, in the same order as BlockHashes, the coin-level delta
	// each block applied — what reconsider_peak replays onto the CoinStore
	// when this fork overtakes the main chain, without re-running any
	// script.
	PerBlock []BlockDelta

	AdditionsSinceFork map[types.Hash]coin.Addition
	RemovalsSinceFork  map[types.Hash]coin.Removal
}

// BlockDelta is one fork block's coin-store effect: exactly the arguments
// CoinStore.NewBlock needs to replay it.
type BlockDelta struct {
	Height      uint32
	Timestamp   uint64
	RewardCoins []coin.Coin
	Additions   []coin.Addition
	RemovalIDs  []types.Hash
}

// New creates an empty ForkInfo rooted at forkHeight (peakHeight/peakHash
// describe the block the fork currently extends, typically the main chain's
// fork point before any branch blocks are added).
func New(forkHeight int64, peakHeight uint32, peakHash types.Hash) *ForkInfo {
	return &ForkInfo{
		ForkHeight:         forkHeight,
		PeakHeight:         peakHeight,
		PeakHash:           peakHash,
		AdditionsSinceFork: make(map[types.Hash]coin.Addition),
		RemovalsSinceFork:  make(map[types.Hash]coin.Removal),
	}
}

// IncludeSpends records a validated block's reward coins, tx additions, and
// removals, advances the fork's peak to that block, and appends it to
// BlockHashes/PerBlock. removals is keyed by coin_id, since Removal itself
// stores only the spend height and puzzle hash, not the id of the coin
// being spent.
func (f *ForkInfo) IncludeSpends(rewardCoins []coin.Coin, additions []coin.Addition, removals map[types.Hash]coin.Removal, headerHash types.Hash, height uint32, timestamp uint64) {
	for _, a := range additions {
		f.AdditionsSinceFork[a.Coin.ID()] = a
	}
	removalIDs := make([]types.Hash, 0, len(removals))
	for id, r := range removals {
		f.RemovalsSinceFork[id] = r
		removalIDs = append(removalIDs, id)
	}
	f.PeakHeight = height
	f.PeakHash = headerHash
	f.BlockHashes = append(f.BlockHashes, headerHash)
	f.PerBlock = append(f.PerBlock, BlockDelta{
		Height:      height,
		Timestamp:   timestamp,
		RewardCoins: rewardCoins,
		Additions:   additions,
		RemovalIDs:  removalIDs,
	})
}

// Reset clears the running additions/removals and block-hash list, used
// when the fork branch collapses back onto the main chain.
func (f *ForkInfo) Reset(peakHeight uint32, peakHash types.Hash) {
	f.PeakHeight = peakHeight
	f.PeakHash = peakHash
	f.BlockHashes = nil
	f.PerBlock = nil
	f.AdditionsSinceFork = make(map[types.Hash]coin.Addition)
	f.RemovalsSinceFork = make(map[types.Hash]coin.Removal)
}

// IsKnownUnspent reports whether coinID is available to spend on this fork,
// given the set of coin_ids unspent on the main chain at ForkHeight: either
// it was added on this fork (and not yet removed on this fork), or it's in
// the main-chain unspent set and not yet removed on this fork.
func (f *ForkInfo) IsKnownUnspent(coinID types.Hash, mainChainUnspent map[types.Hash]struct{}) bool {
	if _, removed := f.RemovalsSinceFork[coinID]; removed {
		return false
	}
	if _, added := f.AdditionsSinceFork[coinID]; added {
		return true
	}
	_, onMainChain := mainChainUnspent[coinID]
	return onMainChain
}
