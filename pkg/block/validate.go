package block

import (
	"errors"
	"fmt"
)

// Structural validation errors. These are shape checks only — consensus
// rules over coins and signatures are enforced by BodyValidator, and
// proof-of-space/VDF validity is enforced by the external collaborators
// PreValidationPool dispatches to.
var (
	ErrNilHeader            = errors.New("block has nil header")
	ErrZeroHeightNotGenesis = errors.New("genesis block must carry height 0")
	ErrBadGenesisPrevHash   = errors.New("genesis block prev_hash must equal the genesis challenge")
	ErrHeightOverflow       = errors.New("height overflows a sub-slot's signage-point index range")
	ErrGeneratorRefOnNonTx  = errors.New("transactions_generator_ref_list present without a generator")
	ErrRewardClaimsOnHeight0 = errors.New("height 0 must not carry reward coins")
	ErrTooManyRewardClaims  = errors.New("too many reward-claim coins")
)

// MaxRewardClaims bounds the reward coins a single transaction block may
// create: 2 (pool + farmer).
const MaxRewardClaims = 2

// ValidateShape checks the structural invariants of a full block that don't
// require chain context: non-nil header, genesis linkage if height 0, and
// the generator/reward-claims shape. Neither PreValidationPool nor the
// chain engine calls it.
func (b *FullBlock) ValidateShape(genesisChallenge [32]byte) error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Height == 0 {
		if b.Header.PrevHash != genesisChallenge {
			return ErrBadGenesisPrevHash
		}
	}

	if len(b.TransactionsGeneratorRefList) > 0 && b.TransactionsGenerator == nil {
		return ErrGeneratorRefOnNonTx
	}

	if b.Header.Height == 0 && len(b.RewardClaims) > 0 {
		return ErrRewardClaimsOnHeight0
	}

	if len(b.RewardClaims) > MaxRewardClaims {
		return fmt.Errorf("%w: got %d, max %d", ErrTooManyRewardClaims, len(b.RewardClaims), MaxRewardClaims)
	}

	return nil
}
