package block

import "github.com/hddgo/corechain/pkg/types"

// Record is the in-memory summary of a validated block the engine caches
// and persists — everything needed for fork-choice and difficulty
// adjustment without re-reading the full block body.
type Record struct {
	HeaderHash types.Hash    `json:"header_hash"`
	PrevHash   types.Hash    `json:"prev_hash"`
	Height     uint32        `json:"height"`
	Weight     types.Uint128 `json:"weight"`
	TotalIters types.Uint128 `json:"total_iters"`

	// Consensus accumulators.
	SubSlotIters   uint64 `json:"sub_slot_iters"`
	RequiredIters  uint64 `json:"required_iters"`
	Deficit        uint8  `json:"deficit"`
	Overflow       bool   `json:"overflow"`
	FirstInSubSlot bool   `json:"first_in_sub_slot"`

	// SubEpochSummaryIncluded is non-nil when this block closes a sub-epoch.
	SubEpochSummaryIncluded *SubEpochSummary `json:"sub_epoch_summary_included,omitempty"`

	// Transaction-block fields.
	IsTransactionBlock bool    `json:"is_transaction_block"`
	Timestamp          *uint64 `json:"timestamp,omitempty"` // present iff IsTransactionBlock

	// Signage-point / challenge-chain linkage used by difficulty adjustment.
	ChallengeChainSpHash types.Hash `json:"challenge_chain_sp_hash"`
	ChallengeChainIpHash types.Hash `json:"challenge_chain_ip_hash"`
	RewardChainSpHash    types.Hash `json:"reward_chain_sp_hash"`
	SignagePointIndex    uint8      `json:"signage_point_index"`
}

// SubEpochSummary summarizes the sub-epoch closed by a block, used for
// difficulty/slot-iteration recalculation and by light clients validating
// weight proofs.
type SubEpochSummary struct {
	PrevSubEpochSummaryHash types.Hash `json:"prev_sub_epoch_summary_hash"`
	RewardChainHash         types.Hash `json:"reward_chain_hash"`
	NumBlocksOverflow       uint8      `json:"num_blocks_overflow"`
	NewDifficulty           *uint64    `json:"new_difficulty,omitempty"`
	NewSubSlotIters         *uint64    `json:"new_sub_slot_iters,omitempty"`
}

// NewRecord builds a Record from a header and the accumulators computed
// during pre-validation/body-validation. height 0's block has no reward
// coins and is never a transaction block.
func NewRecord(h *Header, weight, totalIters types.Uint128, subSlotIters, requiredIters uint64, deficit uint8, isTxBlock bool) *Record {
	r := &Record{
		HeaderHash:           h.Hash(),
		PrevHash:             h.PrevHash,
		Height:               h.Height,
		Weight:               weight,
		TotalIters:           totalIters,
		SubSlotIters:         subSlotIters,
		RequiredIters:        requiredIters,
		Deficit:              deficit,
		Overflow:             h.Overflow,
		FirstInSubSlot:       h.FirstInSubSlot,
		IsTransactionBlock:   isTxBlock,
		ChallengeChainSpHash: h.ChallengeChainSpHash,
		ChallengeChainIpHash: h.ChallengeChainIpHash,
		RewardChainSpHash:    h.RewardChainSpHash,
		SignagePointIndex:    h.SignagePointIndex,
	}
	if isTxBlock {
		ts := h.Timestamp
		r.Timestamp = &ts
	}
	return r
}
