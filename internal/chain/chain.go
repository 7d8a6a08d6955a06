// Package chain implements the Blockchain engine: the
// add_block state machine, reorg handling via reconsider_peak, the
// in-memory block-record cache, and block generator resolution. It wires
// together CoinStore, BlockStore, HeightMap, ForkInfo, PreValidationPool,
// and BodyValidator — the engine itself holds no storage of its own beyond
// these caches.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hddgo/corechain/internal/blockstore"
	"github.com/hddgo/corechain/internal/bodyvalidator"
	"github.com/hddgo/corechain/internal/coinstore"
	"github.com/hddgo/corechain/internal/forkinfo"
	"github.com/hddgo/corechain/internal/heightmap"
	"github.com/hddgo/corechain/internal/log"
	"github.com/hddgo/corechain/internal/metrics"
	"github.com/hddgo/corechain/internal/prevalidate"
	"github.com/hddgo/corechain/internal/priority"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/consensus"
	"github.com/hddgo/corechain/pkg/types"
)

// AddBlockResult is the outcome of AddBlock.
type AddBlockResult int

const (
	NewPeak AddBlockResult = iota
	AddedAsOrphan
	InvalidBlock
	AlreadyHaveBlock
	DisconnectedBlock
)

func (r AddBlockResult) String() string {
	switch r {
	case NewPeak:
		return "NEW_PEAK"
	case AddedAsOrphan:
		return "ADDED_AS_ORPHAN"
	case InvalidBlock:
		return "INVALID_BLOCK"
	case AlreadyHaveBlock:
		return "ALREADY_HAVE_BLOCK"
	case DisconnectedBlock:
		return "DISCONNECTED_BLOCK"
	default:
		return "UNKNOWN"
	}
}

// ErrDisconnected is returned (alongside DisconnectedBlock) when a block's
// prev_header_hash is not known to the engine.
var ErrDisconnected = errors.New("chain: prev_header_hash is not known (INVALID_PREV_BLOCK_HASH)")

// ErrGeneratorRefHasNoGenerator is returned by GetBlockGenerator when a
// transactions_generator_ref_list entry names a block that is not a
// transaction block.
var ErrGeneratorRefHasNoGenerator = errors.New("chain: generator ref points at a block with no generator")

// ErrGeneratorReplayUnavailable is returned when building a ForkInfo from
// scratch requires re-running a fork-branch transaction block's generator
// and the engine has no GeneratorRunner configured to do so.
var ErrGeneratorReplayUnavailable = errors.New("chain: fork replay needs a transaction generator result but no GeneratorRunner is configured")

// GeneratorRunner executes a block's resolved CLVM generator program(s) and
// returns the coin additions/removals it produced. CLVM execution itself is
// an external concern; this package only resolves which programs to run
// (GetBlockGenerator) and calls back out to run them.
type GeneratorRunner func(b *block.FullBlock, gen *BlockGenerator) (*bodyvalidator.GeneratorOutput, error)

// CoinChange is one removal in a StateChangeSummary: the coin_id and the
// puzzle hash it paid to, recorded without a CoinStore read.
type CoinChange struct {
	CoinID     types.Hash
	PuzzleHash types.Hash
}

// StateChangeSummary is returned alongside NewPeak, describing exactly what
// changed so callers (mempool, wallets, subscribers) don't have to re-derive
// it by diffing chain state themselves.
type StateChangeSummary struct {
	Peak            *block.Record
	ForkHeight      int64
	RolledBack      []*coin.Record
	Removals        []CoinChange
	Additions       []coin.Addition
	RewardAdditions []coin.Coin
}

// BlockGenerator is the resolved CLVM program(s) a transaction block needs
// to run: its own generator plus any referenced earlier generators, in
// transactions_generator_ref_list order.
type BlockGenerator struct {
	Program       []byte
	RefGenerators [][]byte
}

// Engine is the Blockchain core: the add_block state machine plus the
// read-path accessors external callers use.
type Engine struct {
	constants *consensus.ConsensusConstants
	blocks    *blockstore.Store
	coins     *coinstore.Store
	heights   *heightmap.HeightMap
	pool      *prevalidate.Pool
	lock      *priority.Mutex
	verifySig bodyvalidator.SignatureVerifier

	// runGenerator is only consulted by buildForkInfo's slow path, when a
	// fresh ForkInfo must replay a fork-branch transaction block whose
	// additions/removals were never recorded anywhere. May be nil for
	// callers that never validate against a multi-block side branch without
	// threading a ForkInfo through from its root.
	runGenerator GeneratorRunner

	cache        *blockCache
	compactProof *compactProofSet
}

// New constructs an Engine over already-open collaborators, loading the
// current peak (if any) from blocks. runGenerator may be nil if the caller
// never needs buildForkInfo's slow path to replay a transaction block's
// generator (e.g. a test harness, or a deployment that always threads a
// ForkInfo through sequential AddBlock calls on the same branch).
func New(
	constants *consensus.ConsensusConstants,
	blocks *blockstore.Store,
	coins *coinstore.Store,
	heights *heightmap.HeightMap,
	pool *prevalidate.Pool,
	verifySig bodyvalidator.SignatureVerifier,
	runGenerator GeneratorRunner,
) (*Engine, error) {
	e := &Engine{
		constants:    constants,
		blocks:       blocks,
		coins:        coins,
		heights:      heights,
		pool:         pool,
		lock:         priority.New(),
		verifySig:    verifySig,
		runGenerator: runGenerator,
		cache:        newBlockCache(constants.BlocksCacheSize),
		compactProof: newCompactProofSet(),
	}

	if peakHash, ok := blocks.Peak(); ok {
		rec, err := blocks.GetBlockRecord(peakHash)
		if err != nil {
			return nil, fmt.Errorf("chain: loading peak record: %w", err)
		}
		e.cache.setPeak(rec)
		e.cache.insert(rec)
	}
	return e, nil
}

// GetPeak returns the current canonical tip's record, or nil before genesis.
func (e *Engine) GetPeak() *block.Record {
	return e.cache.peak()
}

// GetFullPeak returns the full block at the current peak.
func (e *Engine) GetFullPeak() (*block.FullBlock, error) {
	peak := e.cache.peak()
	if peak == nil {
		return nil, nil
	}
	return e.blocks.GetFullBlock(peak.HeaderHash)
}

// GetPeakHeight returns the current peak's height and whether a peak exists.
func (e *Engine) GetPeakHeight() (uint32, bool) {
	peak := e.cache.peak()
	if peak == nil {
		return 0, false
	}
	return peak.Height, true
}

// ContainsBlock reports whether hash has a stored record.
func (e *Engine) ContainsBlock(hash types.Hash) bool {
	rec, err := e.blockRecord(hash)
	return err == nil && rec != nil
}

// BlockRecord returns the cached-or-stored record for hash.
func (e *Engine) BlockRecord(hash types.Hash) (*block.Record, error) {
	return e.blockRecord(hash)
}

// HeightToHash resolves a canonical height to its header hash via the
// HeightMap.
func (e *Engine) HeightToHash(height uint32) (types.Hash, bool) {
	return e.heights.GetHash(height)
}

// GetNextDifficulty and GetNextSlotIters report the consensus parameters the
// next block at a sub-slot boundary after hash must satisfy. Full epoch-based
// recalculation (weight-proof-verified difficulty adjustment) is out of this
// core's scope; this returns the constant starting values, which is exact for any chain
// that has not yet crossed an epoch boundary and a documented approximation
// thereafter (see DESIGN.md).
func (e *Engine) GetNextDifficulty(hash types.Hash, newSlot bool) (uint64, error) {
	if _, err := e.blockRecord(hash); err != nil {
		return 0, err
	}
	return e.constants.DifficultyStarting, nil
}

func (e *Engine) GetNextSlotIters(hash types.Hash, newSlot bool) (uint64, error) {
	if _, err := e.blockRecord(hash); err != nil {
		return 0, err
	}
	return e.constants.SubSlotItersStarting, nil
}

// Warmup populates the block-record cache with every record from forkPoint
// to the current peak, so a validation burst after a restart doesn't pay a
// storage read per ancestor lookup.
func (e *Engine) Warmup(forkPoint uint32) error {
	peak := e.cache.peak()
	if peak == nil {
		return nil
	}
	recs, err := e.blocks.GetBlockRecordsInRange(forkPoint, peak.Height)
	if err != nil {
		return err
	}
	for _, r := range recs {
		e.cache.insert(r)
	}
	return nil
}

// CleanBlockRecords evicts cached records with height < peak −
// BlocksCacheSize, height-ordered descending from that threshold, stopping
// at the first empty height.
func (e *Engine) CleanBlockRecords() {
	peak := e.cache.peak()
	if peak == nil {
		return
	}
	e.cache.clean(peak.Height, e.constants.BlocksCacheSize)
}

// PreValidateBlocksMultiprocessing dispatches blocks to the pre-validation
// worker pool, reporting queue depth while requests are outstanding.
func (e *Engine) PreValidateBlocksMultiprocessing(ctx context.Context, reqs []prevalidate.Request) ([]prevalidate.Result, error) {
	metrics.PreValidationQueueDepth.Set(float64(len(reqs)))
	defer metrics.PreValidationQueueDepth.Set(0)
	return e.pool.Dispatch(ctx, reqs)
}

// ValidateUnfinishedBlock runs pre-validation for b and attaches
// generatorOut to the returned result, for the fast path that checks a
// candidate block before its proof-of-space-and-time signage arrives in
// full. It does not run body validation against the current peak. skipOverflowSSValidation is accepted to keep this
// signature stable across callers; overflow sub-slot signage validation is
// one of the external PoSpace/VDF checks PreValidationPool dispatches to,
// not something this package re-implements.
func (e *Engine) ValidateUnfinishedBlock(ctx context.Context, b *block.FullBlock, generatorOut *bodyvalidator.GeneratorOutput, skipOverflowSSValidation bool) (*prevalidate.Result, error) {
	results, err := e.pool.Dispatch(ctx, []prevalidate.Request{{Block: b}})
	if err != nil {
		return nil, err
	}
	res := results[0]
	res.Generator = generatorOut
	return &res, nil
}

// AddBlock runs the add_block state machine. Callers must hold the
// high-priority PriorityMutex before calling — Lock/Unlock are not taken
// internally, since serializing concurrent add_block calls is the caller's
// responsibility.
func (e *Engine) AddBlock(b *block.FullBlock, preval *prevalidate.Result, fork *forkinfo.ForkInfo) (AddBlockResult, error, *StateChangeSummary) {
	if b == nil || b.Header == nil {
		return InvalidBlock, block.ErrNilHeader, nil
	}
	hash := types.Hash(b.Hash())

	if existing, err := e.blockRecord(hash); err != nil {
		return InvalidBlock, fmt.Errorf("chain: storage: %w", err), nil
	} else if existing != nil {
		metrics.AddBlockOutcomes.WithLabelValues("already_have_block").Inc()
		e.advanceForkForKnownBlock(fork, existing)
		return AlreadyHaveBlock, nil, nil
	}

	genesis := b.Header.Height == 0
	var parentRec *block.Record
	if genesis {
		if b.Header.PrevHash != e.constants.GenesisChallenge {
			metrics.AddBlockOutcomes.WithLabelValues("invalid_block").Inc()
			return InvalidBlock, block.ErrBadGenesisPrevHash, nil
		}
	} else {
		var err error
		parentRec, err = e.blockRecord(b.Header.PrevHash)
		if err != nil {
			return InvalidBlock, fmt.Errorf("chain: storage: %w", err), nil
		}
		if parentRec == nil {
			metrics.AddBlockOutcomes.WithLabelValues("disconnected_block").Inc()
			log.Chain.Debug().Str("hash", hash.String()).Str("prev_hash", b.Header.PrevHash.String()).Msg("disconnected block")
			return DisconnectedBlock, ErrDisconnected, nil
		}
	}

	peak := e.cache.peak()
	extendingMain := !genesis && peak != nil && b.Header.PrevHash == peak.HeaderHash
	if !genesis && !extendingMain && fork == nil {
		var err error
		fork, err = e.buildForkInfo(parentRec)
		if err != nil {
			return InvalidBlock, err, nil
		}
	}

	var generatorOut *bodyvalidator.GeneratorOutput
	if preval != nil {
		generatorOut = preval.Generator
	}

	precedingTimestamps, err := e.precedingTimestamps(b, 11)
	if err != nil {
		return InvalidBlock, fmt.Errorf("chain: storage: %w", err), nil
	}

	params := bodyvalidator.Params{
		Constants:                 e.constants,
		CoinStore:                 e.coins,
		Fork:                      fork,
		Block:                     b,
		Height:                    b.Header.Height,
		Generator:                 generatorOut,
		PrecedingTimestamps:       precedingTimestamps,
		Now:                       uint64(time.Now().Unix()),
		SignatureAlreadyValidated: preval != nil && preval.ValidatedSig,
		VerifySignature:           e.verifySig,
	}

	start := time.Now()
	bodyResult, err := bodyvalidator.Validate(params)
	metrics.BodyValidationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AddBlockOutcomes.WithLabelValues("invalid_block").Inc()
		return InvalidBlock, err, nil
	}

	rec := e.buildRecord(b, genesis, parentRec, preval, bodyResult)

	if err := e.blocks.AddFullBlock(hash, b, rec); err != nil {
		return InvalidBlock, fmt.Errorf("chain: storage: %w", err), nil
	}

	rewardCoins := b.RewardClaims
	var additions []coin.Addition
	var removalIDs map[types.Hash]coin.Removal
	if generatorOut != nil {
		additions = generatorOut.Additions
		removalIDs = make(map[types.Hash]coin.Removal, len(generatorOut.Removals))
		for _, rm := range generatorOut.Removals {
			removalIDs[rm.CoinID] = coin.Removal{Height: b.Header.Height, PuzzleHash: rm.PuzzleHash}
		}
	}
	ts := uint64(0)
	if rec.Timestamp != nil {
		ts = *rec.Timestamp
	}
	if fork != nil {
		fork.IncludeSpends(rewardCoins, additions, removalIDs, hash, b.Header.Height, ts)
	}

	summary, err := e.reconsiderPeak(rec, genesis, fork, rewardCoins, additions, removalIDs, ts)
	if err != nil {
		return InvalidBlock, fmt.Errorf("chain: storage: %w", err), nil
	}

	e.cache.insert(rec)

	if summary == nil {
		metrics.AddBlockOutcomes.WithLabelValues("added_as_orphan").Inc()
		return AddedAsOrphan, nil, nil
	}

	if len(summary.RolledBack) > 0 {
		metrics.ReorgDepth.Observe(float64(peak.Height) - float64(summary.ForkHeight))
		log.Chain.Info().
			Str("new_peak", hash.String()).
			Int64("fork_height", summary.ForkHeight).
			Int("rolled_back_coins", len(summary.RolledBack)).
			Msg("reorg")
	}
	metrics.AddBlockOutcomes.WithLabelValues("new_peak").Inc()
	return NewPeak, nil, summary
}

// advanceForkForKnownBlock best-effort-advances a caller-supplied ForkInfo
// past a block the engine already has, using only data that does not
// require re-running the (out-of-scope) CLVM generator: the block's stored
// reward claims. Tx-level additions/removals for an already-known block are
// not replayed here — a caller that needs full fork-info fidelity for such a
// block should not have marked it as pre-validated-and-known in the first
// place (see DESIGN.md).
func (e *Engine) advanceForkForKnownBlock(fork *forkinfo.ForkInfo, rec *block.Record) {
	if fork == nil || fork.PeakHash != rec.PrevHash {
		return
	}
	full, err := e.blocks.GetFullBlock(rec.HeaderHash)
	if err != nil || full == nil {
		return
	}
	ts := uint64(0)
	if rec.Timestamp != nil {
		ts = *rec.Timestamp
	}
	fork.IncludeSpends(full.RewardClaims, nil, nil, rec.HeaderHash, rec.Height, ts)
}

// blockRecord resolves hash via the in-memory cache, falling back to
// BlockStore and populating the cache on a hit.
func (e *Engine) blockRecord(hash types.Hash) (*block.Record, error) {
	if rec := e.cache.get(hash); rec != nil {
		return rec, nil
	}
	rec, err := e.blocks.GetBlockRecord(hash)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		e.cache.insert(rec)
	}
	return rec, nil
}

// buildForkInfo lazily constructs a ForkInfo rooted at the highest ancestor
// of parentRec that is on the main chain, then replays every fork-branch
// block from there up to parentRec into it via runSingleBlock. Without this
// replay, a multi-block side branch built with fork=nil on each call would
// leave AdditionsSinceFork/RemovalsSinceFork empty for everything except the
// very next block, so validateRemovals would reject a coin created earlier
// on the same branch as unknown — this is the slow path: a caller that
// threads the same *ForkInfo through sequential AddBlock calls on a branch
// never pays it, since fork is then never nil past the first block.
func (e *Engine) buildForkInfo(parentRec *block.Record) (*forkinfo.ForkInfo, error) {
	forkHeight, branch, err := e.forkChain(parentRec)
	if err != nil {
		return nil, err
	}
	log.Chain.Warn().
		Int64("fork_height", forkHeight).
		Uint32("parent_height", parentRec.Height).
		Msg("slow path: rebuilding fork coin set")
	defer log.Benchmark("build_fork_info")()

	ancestorHeight := uint32(0)
	var ancestorHash types.Hash
	if forkHeight >= 0 {
		ancestorHeight = uint32(forkHeight)
		ancestorHash, _ = e.heights.GetHash(ancestorHeight)
	}

	fork := forkinfo.New(forkHeight, ancestorHeight, ancestorHash)
	for _, rec := range branch {
		if err := e.runSingleBlock(fork, rec); err != nil {
			return nil, err
		}
	}
	return fork, nil
}

// forkChain walks parentRec back to its highest main-chain ancestor,
// returning that ancestor's height (-1 if none, i.e. the branch reaches back
// past genesis) and every record from the ancestor (exclusive) to parentRec
// (inclusive), oldest first.
func (e *Engine) forkChain(rec *block.Record) (int64, []*block.Record, error) {
	var branch []*block.Record
	cur := rec
	for {
		if h, ok := e.heights.GetHash(cur.Height); ok && h == cur.HeaderHash {
			reverseRecords(branch)
			return int64(cur.Height), branch, nil
		}
		branch = append(branch, cur)
		if cur.Height == 0 {
			reverseRecords(branch)
			return -1, branch, nil
		}
		prev, err := e.blockRecord(cur.PrevHash)
		if err != nil {
			return 0, nil, err
		}
		if prev == nil {
			reverseRecords(branch)
			return -1, branch, nil
		}
		cur = prev
	}
}

func reverseRecords(recs []*block.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// runSingleBlock replays one fork-branch block's coin-level effects into
// fork: its reward coins always, plus (if it carries a transactions
// generator) the additions/removals runGenerator produces for it. fork must
// already be advanced to this block's parent.
func (e *Engine) runSingleBlock(fork *forkinfo.ForkInfo, rec *block.Record) error {
	full, err := e.blocks.GetFullBlock(rec.HeaderHash)
	if err != nil {
		return fmt.Errorf("chain: storage: %w", err)
	}
	if full == nil {
		return fmt.Errorf("chain: programmer error: no stored block for fork-chain ancestor %s", rec.HeaderHash)
	}

	var additions []coin.Addition
	var removalIDs map[types.Hash]coin.Removal
	if full.TransactionsGenerator != nil {
		if e.runGenerator == nil {
			return fmt.Errorf("%w: block %s", ErrGeneratorReplayUnavailable, rec.HeaderHash)
		}
		gen, err := e.GetBlockGenerator(full, nil)
		if err != nil {
			return fmt.Errorf("chain: resolving generator for %s: %w", rec.HeaderHash, err)
		}
		out, err := e.runGenerator(full, gen)
		if err != nil {
			return fmt.Errorf("chain: running generator for %s: %w", rec.HeaderHash, err)
		}
		additions = out.Additions
		removalIDs = make(map[types.Hash]coin.Removal, len(out.Removals))
		for _, rm := range out.Removals {
			removalIDs[rm.CoinID] = coin.Removal{Height: rec.Height, PuzzleHash: rm.PuzzleHash}
		}
	}

	ts := uint64(0)
	if rec.Timestamp != nil {
		ts = *rec.Timestamp
	}
	fork.IncludeSpends(full.RewardClaims, additions, removalIDs, rec.HeaderHash, rec.Height, ts)
	return nil
}

// buildRecord computes the accumulators a new block's BlockRecord needs.
// Weight/total_iters advance by required_iters (falling back to 1 so the
// strictly-monotonic invariant holds even absent a pre-validation result,
// e.g. in tests that exercise AddBlock directly).
func (e *Engine) buildRecord(b *block.FullBlock, genesis bool, parentRec *block.Record, preval *prevalidate.Result, bodyResult *bodyvalidator.Result) *block.Record {
	requiredIters := uint64(1)
	if preval != nil && preval.RequiredIters > 0 {
		requiredIters = preval.RequiredIters
	}

	weight := types.NewUint128FromUint64(0)
	totalIters := types.NewUint128FromUint64(0)
	deficit := uint8(0)
	subSlotIters := e.constants.SubSlotItersStarting
	if !genesis && parentRec != nil {
		weight = parentRec.Weight.AddUint64(requiredIters)
		totalIters = parentRec.TotalIters.AddUint64(requiredIters)
		subSlotIters = parentRec.SubSlotIters
		deficit = parentRec.Deficit
	} else {
		weight = weight.AddUint64(requiredIters)
		totalIters = totalIters.AddUint64(requiredIters)
	}

	return block.NewRecord(b.Header, weight, totalIters, subSlotIters, requiredIters, deficit, b.IsTransactionBlock())
}

// reconsiderPeak implements the peak-advancement rule: a no-op if a
// genesis peak already exists or B does not outweigh the current peak, a
// same-branch extension if B's prev is the peak, and a rollback-then-replay
// reorg otherwise (replaying fork.PerBlock rather than re-executing any
// script).
func (e *Engine) reconsiderPeak(
	rec *block.Record,
	genesis bool,
	fork *forkinfo.ForkInfo,
	rewardCoins []coin.Coin,
	additions []coin.Addition,
	removals map[types.Hash]coin.Removal,
	timestamp uint64,
) (*StateChangeSummary, error) {
	peak := e.cache.peak()

	if genesis && peak != nil {
		return nil, nil
	}
	if peak != nil && rec.Weight.Cmp(peak.Weight) <= 0 {
		return nil, nil
	}

	diverged := peak != nil && rec.PrevHash != peak.HeaderHash

	if !diverged {
		if err := e.coins.NewBlock(rec.Height, timestamp, rewardCoins, additions, removalIDsOf(removals)); err != nil {
			return nil, err
		}
		if err := e.blocks.SetInChain([]types.Hash{rec.HeaderHash}); err != nil {
			return nil, err
		}
		if err := e.blocks.SetPeak(rec.HeaderHash); err != nil {
			return nil, err
		}
		if err := e.heights.UpdateHeight(rec.Height, rec.HeaderHash, rec.SubEpochSummaryIncluded); err != nil {
			return nil, err
		}
		if err := e.heights.MaybeFlush(); err != nil {
			return nil, err
		}
		e.cache.setPeak(rec)

		return &StateChangeSummary{
			Peak:            rec,
			ForkHeight:      int64(rec.Height) - 1,
			Removals:        changesOf(removals),
			Additions:       additions,
			RewardAdditions: rewardCoins,
		}, nil
	}

	if fork == nil {
		return nil, fmt.Errorf("chain: programmer error: reorg onto %s with no fork_info", rec.HeaderHash)
	}

	forkHeightU32 := uint32(0)
	if fork.ForkHeight > 0 {
		forkHeightU32 = uint32(fork.ForkHeight)
	}

	rolledBack, err := e.coins.RollbackToBlock(forkHeightU32)
	if err != nil {
		return nil, err
	}
	for _, bd := range fork.PerBlock {
		if err := e.coins.NewBlock(bd.Height, bd.Timestamp, bd.RewardCoins, bd.Additions, bd.RemovalIDs); err != nil {
			return nil, err
		}
	}

	if err := e.blocks.Rollback(forkHeightU32); err != nil {
		return nil, err
	}
	if err := e.blocks.SetInChain(fork.BlockHashes); err != nil {
		return nil, err
	}
	if err := e.blocks.SetPeak(rec.HeaderHash); err != nil {
		return nil, err
	}
	if err := e.heights.Rollback(forkHeightU32); err != nil {
		return nil, err
	}
	// PerBlock and BlockHashes are appended together in IncludeSpends, so
	// they stay index-aligned.
	for i, bd := range fork.PerBlock {
		if i >= len(fork.BlockHashes) {
			break
		}
		if err := e.heights.UpdateHeight(bd.Height, fork.BlockHashes[i], nil); err != nil {
			return nil, err
		}
	}
	if err := e.heights.Flush(); err != nil {
		return nil, err
	}
	e.cache.setPeak(rec)

	var allAdditions []coin.Addition
	var allRemovals []CoinChange
	var allRewards []coin.Coin
	for _, bd := range fork.PerBlock {
		allAdditions = append(allAdditions, bd.Additions...)
		allRewards = append(allRewards, bd.RewardCoins...)
		for _, id := range bd.RemovalIDs {
			if r, ok := fork.RemovalsSinceFork[id]; ok {
				allRemovals = append(allRemovals, CoinChange{CoinID: id, PuzzleHash: r.PuzzleHash})
			}
		}
	}

	return &StateChangeSummary{
		Peak:            rec,
		ForkHeight:      fork.ForkHeight,
		RolledBack:      rolledBack,
		Removals:        allRemovals,
		Additions:       allAdditions,
		RewardAdditions: allRewards,
	}, nil
}

func removalIDsOf(removals map[types.Hash]coin.Removal) []types.Hash {
	out := make([]types.Hash, 0, len(removals))
	for id := range removals {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func changesOf(removals map[types.Hash]coin.Removal) []CoinChange {
	out := make([]CoinChange, 0, len(removals))
	for id, r := range removals {
		out = append(out, CoinChange{CoinID: id, PuzzleHash: r.PuzzleHash})
	}
	return out
}

// precedingTimestamps collects up to n transaction-block timestamps strictly
// before b along the chain b.Header.PrevHash roots, oldest first.
func (e *Engine) precedingTimestamps(b *block.FullBlock, n int) ([]uint64, error) {
	if !b.IsTransactionBlock() || b.Header.Height == 0 {
		return nil, nil
	}
	var out []uint64
	cur := b.Header.PrevHash
	for len(out) < n {
		rec, err := e.blockRecord(cur)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if rec.Timestamp != nil {
			out = append(out, *rec.Timestamp)
		}
		if rec.Height == 0 {
			break
		}
		cur = rec.PrevHash
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetBlockGenerator resolves a transaction block's own generator plus every
// generator named by its transactions_generator_ref_list.
func (e *Engine) GetBlockGenerator(b *block.FullBlock, additionalBlocks map[types.Hash]*block.FullBlock) (*BlockGenerator, error) {
	if b.TransactionsGenerator == nil {
		return nil, nil
	}
	if len(b.TransactionsGeneratorRefList) == 0 {
		return &BlockGenerator{Program: b.TransactionsGenerator}, nil
	}

	parentRec, err := e.blockRecord(b.Header.PrevHash)
	if err != nil {
		return nil, err
	}

	var refBytes [][]byte
	if parentRec != nil {
		if h, ok := e.heights.GetHash(parentRec.Height); ok && h == parentRec.HeaderHash {
			gens, err := e.blocks.GetGeneratorsAt(b.TransactionsGeneratorRefList)
			if err != nil {
				return nil, err
			}
			for i, g := range gens {
				if g == nil {
					return nil, fmt.Errorf("%w: height %d", ErrGeneratorRefHasNoGenerator, b.TransactionsGeneratorRefList[i])
				}
			}
			refBytes = gens
			return &BlockGenerator{Program: b.TransactionsGenerator, RefGenerators: refBytes}, nil
		}
	}

	idx, err := e.effectiveHeightIndex(b.Header.PrevHash, additionalBlocks)
	if err != nil {
		return nil, err
	}
	for _, height := range b.TransactionsGeneratorRefList {
		hash, ok := idx[height]
		if !ok {
			return nil, fmt.Errorf("%w: height %d", ErrGeneratorRefHasNoGenerator, height)
		}
		full, err := e.fullBlockFor(hash, additionalBlocks)
		if err != nil {
			return nil, err
		}
		if full == nil || !full.IsTransactionBlock() || full.TransactionsGenerator == nil {
			return nil, fmt.Errorf("%w: height %d", ErrGeneratorRefHasNoGenerator, height)
		}
		refBytes = append(refBytes, full.TransactionsGenerator)
	}
	return &BlockGenerator{Program: b.TransactionsGenerator, RefGenerators: refBytes}, nil
}

// effectiveHeightIndex builds a height→hash view of "the chain B's parent is
// on": additional_blocks first, then the reorg branch rooted at tipHash back
// to its common ancestor with the main chain, then the main chain itself.
func (e *Engine) effectiveHeightIndex(tipHash types.Hash, additionalBlocks map[types.Hash]*block.FullBlock) (map[uint32]types.Hash, error) {
	idx := make(map[uint32]types.Hash)
	for hash, full := range additionalBlocks {
		if full != nil && full.Header != nil {
			idx[full.Header.Height] = hash
		}
	}

	cur := tipHash
	for {
		rec, err := e.blockRecord(cur)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		if _, known := idx[rec.Height]; !known {
			idx[rec.Height] = rec.HeaderHash
		}
		if h, ok := e.heights.GetHash(rec.Height); ok && h == rec.HeaderHash {
			break
		}
		if rec.Height == 0 {
			break
		}
		cur = rec.PrevHash
	}

	return idx, nil
}

func (e *Engine) fullBlockFor(hash types.Hash, additionalBlocks map[types.Hash]*block.FullBlock) (*block.FullBlock, error) {
	if full, ok := additionalBlocks[hash]; ok {
		return full, nil
	}
	return e.blocks.GetFullBlock(hash)
}

// Lock/Unlock expose the engine's PriorityMutex to callers: two concurrent
// add_block calls are forbidden, and the caller (not this package) is
// responsible for serializing via the high priority.
func (e *Engine) Lock(ctx context.Context, p priority.Priority) error {
	return e.lock.Acquire(ctx, p)
}

func (e *Engine) Unlock() {
	e.lock.Release()
}

// MarkCompactProofSeen records that a compact (non-chained) VDF proof for
// (vdfInfoHash, height) has been offered, independently of the high/low
// priority mutex AddBlock uses. It reports whether this exact pair was
// already seen, so a caller handling unsolicited compact-proof gossip can
// drop duplicates cheaply.
func (e *Engine) MarkCompactProofSeen(vdfInfoHash types.Hash, height uint32) (alreadySeen bool) {
	return e.compactProof.markSeen(vdfInfoHash, height)
}
