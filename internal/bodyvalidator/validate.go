// Package bodyvalidator implements the sequential coin-level rules run
// inside the add_block critical section: reward correctness,
// cost accounting, double-spend/unknown-coin rejection, ephemeral-coin
// handling, aggregate-signature verification, and timestamp monotonicity.
package bodyvalidator

import (
	"errors"
	"fmt"

	"github.com/hddgo/corechain/internal/forkinfo"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/consensus"
	"github.com/hddgo/corechain/pkg/types"
)

// Error categories surfaced to the add_block state machine. The caller
// reports these as (INVALID_BLOCK, error) without persisting any state.
var (
	ErrRewardMismatch         = errors.New("bodyvalidator: reward coins do not match the epoch schedule")
	ErrCostExceeded           = errors.New("bodyvalidator: aggregate cost exceeds MAX_BLOCK_COST_CLVM")
	ErrUnknownUnspentCoin     = errors.New("bodyvalidator: removal references a coin not known-unspent on this fork")
	ErrDoubleSpend            = errors.New("bodyvalidator: coin already spent on this fork")
	ErrEphemeralViolation     = errors.New("bodyvalidator: ephemeral coin handled outside permitted rules")
	ErrSignatureInvalid       = errors.New("bodyvalidator: aggregate signature does not verify")
	ErrTimestampNonIncreasing = errors.New("bodyvalidator: transaction-block timestamp did not strictly increase")
	ErrTimestampTooFuture     = errors.New("bodyvalidator: timestamp exceeds MAX_FUTURE_TIME2 clock skew")
)

// GeneratorOutput is the result of running a block's transactions generator
// (CLVM execution happens externally; this is the pure data the engine
// already has once that step ran). A block that is not a transaction block
// has a nil GeneratorOutput.
type GeneratorOutput struct {
	Additions []coin.Addition
	Removals  []RemovalSpend
	Cost      uint64
}

// RemovalSpend is one coin this block spends, keyed by the id the generator
// resolved, with the puzzle hash needed to record it in ForkInfo.
type RemovalSpend struct {
	CoinID     types.Hash
	PuzzleHash types.Hash
}

// CoinLookup is the narrow read surface BodyValidator needs from the coin
// store: whether a coin_id is known and, if so, its confirmed/spent state on
// the main chain.
type CoinLookup interface {
	Get(id types.Hash) (*coin.Record, error)
}

// SignatureVerifier checks the block's aggregate signature against its
// conditions and the configured replay-protection additional data. It is an
// external collaborator: this package only calls it.
type SignatureVerifier func(b *block.FullBlock, additionalData types.Hash) (bool, error)

// Params bundles the inputs to Validate.
type Params struct {
	Constants *consensus.ConsensusConstants
	CoinStore CoinLookup
	Fork      *forkinfo.ForkInfo
	Block     *block.FullBlock
	Height    uint32

	// Generator is nil for a non-transaction block.
	Generator *GeneratorOutput

	// PrecedingTimestamps holds the last up-to-11 transaction-block
	// timestamps strictly before this block, oldest first, used for the
	// median check.
	PrecedingTimestamps []uint64

	// Now is the validator's wall-clock time, used for the future-time check.
	Now uint64

	// SignatureAlreadyValidated is true when PreValidationPool already
	// confirmed the aggregate signature.
	SignatureAlreadyValidated bool
	VerifySignature           SignatureVerifier
}

// Result carries the cost accounting the engine needs to persist alongside
// the block record.
type Result struct {
	Cost uint64
}

// Validate runs the six rule categories in sequence and returns a nil error
// (with a populated Result) iff the block's body is valid given the current
// fork state. It does not mutate Params.Fork — the caller applies
// ForkInfo.IncludeSpends only after Validate succeeds.
func Validate(p Params) (*Result, error) {
	if err := validateReward(p); err != nil {
		return nil, err
	}

	cost := uint64(0)
	if p.Generator != nil {
		cost = p.Generator.Cost
	}
	if cost > p.Constants.MaxBlockCostCLVM {
		return nil, fmt.Errorf("%w: cost %d > max %d", ErrCostExceeded, cost, p.Constants.MaxBlockCostCLVM)
	}

	if err := validateRemovals(p); err != nil {
		return nil, err
	}

	if err := validateSignature(p); err != nil {
		return nil, err
	}

	if err := validateTimestamp(p); err != nil {
		return nil, err
	}

	return &Result{Cost: cost}, nil
}

func validateReward(p Params) error {
	if p.Height == 0 {
		if len(p.Block.RewardClaims) > 0 {
			return fmt.Errorf("%w: height 0 must have no reward coins", ErrRewardMismatch)
		}
		return nil
	}
	if !p.Block.IsTransactionBlock() {
		return nil
	}
	if len(p.Block.RewardClaims) < 2 {
		return fmt.Errorf("%w: got %d reward coins, need >= 2", ErrRewardMismatch, len(p.Block.RewardClaims))
	}
	var sum uint64
	for _, c := range p.Block.RewardClaims {
		sum += c.Amount
	}
	want := p.Constants.RewardAt(p.Height)
	if sum != want {
		return fmt.Errorf("%w: reward coins sum to %d, schedule requires %d", ErrRewardMismatch, sum, want)
	}
	return nil
}

func validateRemovals(p Params) error {
	if p.Generator == nil || len(p.Generator.Removals) == 0 {
		return nil
	}
	if p.Height == 0 {
		return fmt.Errorf("%w: height 0 may not spend coins", ErrUnknownUnspentCoin)
	}

	// Coins this same block adds are valid ephemeral spends even though
	// they're not yet visible through CoinStore/ForkInfo lookups (rule 4).
	addedThisBlock := make(map[types.Hash]struct{}, len(p.Generator.Additions))
	for _, a := range p.Generator.Additions {
		addedThisBlock[a.Coin.ID()] = struct{}{}
	}

	for _, rem := range p.Generator.Removals {
		if _, ephemeral := addedThisBlock[rem.CoinID]; ephemeral {
			continue
		}

		if p.Fork != nil {
			if _, removedOnFork := p.Fork.RemovalsSinceFork[rem.CoinID]; removedOnFork {
				return fmt.Errorf("%w: coin_id %s", ErrDoubleSpend, rem.CoinID)
			}
			if _, addedOnFork := p.Fork.AdditionsSinceFork[rem.CoinID]; addedOnFork {
				continue
			}
		}

		rec, err := p.CoinStore.Get(rem.CoinID)
		if err != nil {
			return fmt.Errorf("bodyvalidator: coin store lookup for %s: %w", rem.CoinID, err)
		}
		if rec == nil {
			return fmt.Errorf("%w: coin_id %s", ErrUnknownUnspentCoin, rem.CoinID)
		}

		// The coin store is not rolled back to this fork until reconsider_peak
		// runs, so it still reflects main-chain state at its current tip, not
		// at this fork's divergence point. A coin the main chain confirmed or
		// spent strictly after the fork height belongs to history this fork
		// never shared, so it must be evaluated against the fork snapshot
		// (forkHeight), not against p.Height-1.
		forkHeight := int64(p.Height) - 1
		if p.Fork != nil {
			forkHeight = p.Fork.ForkHeight
		}
		if int64(rec.ConfirmedBlockIndex) > forkHeight {
			return fmt.Errorf("%w: coin_id %s confirmed after spend height", ErrUnknownUnspentCoin, rem.CoinID)
		}
		if rec.Spent() && int64(rec.SpentBlockIndex) <= forkHeight {
			return fmt.Errorf("%w: coin_id %s", ErrDoubleSpend, rem.CoinID)
		}
	}
	return nil
}

func validateSignature(p Params) error {
	if p.SignatureAlreadyValidated {
		return nil
	}
	if p.VerifySignature == nil {
		return fmt.Errorf("bodyvalidator: no SignatureVerifier configured")
	}
	ok, err := p.VerifySignature(p.Block, p.Constants.AggSigMeExtraData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

func validateTimestamp(p Params) error {
	if !p.Block.IsTransactionBlock() {
		return nil
	}
	ts := p.Block.Header.Timestamp

	if ts > p.Now+p.Constants.MaxFutureTime2 {
		return fmt.Errorf("%w: timestamp %d, now %d, allowed skew %d", ErrTimestampTooFuture, ts, p.Now, p.Constants.MaxFutureTime2)
	}

	if len(p.PrecedingTimestamps) == 0 {
		return nil
	}
	median := medianOf(p.PrecedingTimestamps)
	if ts <= median {
		return fmt.Errorf("%w: timestamp %d <= median %d of preceding blocks", ErrTimestampNonIncreasing, ts, median)
	}
	return nil
}

func medianOf(ts []uint64) uint64 {
	sorted := make([]uint64, len(ts))
	copy(sorted, ts)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}
