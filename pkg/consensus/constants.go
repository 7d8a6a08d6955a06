// Package consensus holds the immutable consensus parameters that the core
// is constructed with. There are no package-level globals: every component
// that needs a rule looks it up on the ConsensusConstants it was given at
// construction time.
package consensus

import "github.com/hddgo/corechain/pkg/types"

// ConsensusConstants groups every consensus-critical value the core needs.
// It is built once at startup (from a preset or a loaded genesis) and passed
// by reference; nothing here may change without a hard fork.
type ConsensusConstants struct {
	// Identity
	GenesisChallenge types.Hash `json:"genesis_challenge"`
	AggSigMeExtraData types.Hash `json:"agg_sig_me_extra_data"` // replay-protection additional data for AGG_SIG_* conditions

	// Difficulty / iterations
	DifficultyStarting  uint64 `json:"difficulty_starting"`
	SubSlotItersStarting uint64 `json:"sub_slot_iters_starting"`
	MinIterationsPerBlock uint64 `json:"min_iterations_per_block"`

	// Time divisions (glossary: sub-slot / sub-epoch / epoch)
	SubSlotTimeTarget     uint32 `json:"sub_slot_time_target"`
	SlotBlocksTarget      uint32 `json:"slot_blocks_target"`
	SubEpochBlocks        uint32 `json:"sub_epoch_blocks"`
	EpochBlocks           uint32 `json:"epoch_blocks"`
	NumSpsSubSlot         uint32 `json:"num_sps_sub_slot"` // signage points per sub-slot, must be a power of 2

	// Cost / size limits
	MaxBlockCostCLVM uint64 `json:"max_block_cost_clvm"`
	MaxFutureTime2   uint64 `json:"max_future_time2"` // seconds of allowed clock skew for a block's timestamp

	// Reward schedule
	RewardSchedule []RewardStep `json:"reward_schedule"`

	// Caches / engine tuning (not consensus-critical across peers, but kept
	// here so the engine is constructed from one immutable struct)
	BlocksCacheSize uint32 `json:"blocks_cache_size"`

	// Fork activation schedule
	Forks ForkSchedule `json:"forks,omitempty"`
}

// RewardStep gives the total pool+farmer reward (in mojo-equivalent base
// units) effective from StartHeight onward, until the next step's
// StartHeight. A tx block's reward coins must sum to the step active at its
// height.
type RewardStep struct {
	StartHeight uint32 `json:"start_height"`
	TotalReward uint64 `json:"total_reward"`
}

// RewardAt returns the total reward owed at the given height under the
// configured reward schedule, or 0 if the schedule is empty.
func (c *ConsensusConstants) RewardAt(height uint32) uint64 {
	var reward uint64
	for _, step := range c.RewardSchedule {
		if step.StartHeight > height {
			break
		}
		reward = step.TotalReward
	}
	return reward
}

// ForkSchedule defines block heights at which protocol-rule upgrades
// activate. A zero value for a given fork means it is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields, e.g.:
	// SoftFork3Height uint32 `json:"soft_fork3_height,omitempty"`
}

// IsActive returns true if a fork scheduled at forkHeight has activated by
// currentHeight. Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint32) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// Mainnet returns the mainnet consensus constants.
func Mainnet() *ConsensusConstants {
	return &ConsensusConstants{
		GenesisChallenge:      types.Hash{},
		DifficultyStarting:    30,
		SubSlotItersStarting:  1 << 27,
		MinIterationsPerBlock: 1,
		SubSlotTimeTarget:     600,
		SlotBlocksTarget:      32,
		SubEpochBlocks:        384,
		EpochBlocks:           4608,
		NumSpsSubSlot:         64,
		MaxBlockCostCLVM:      11_000_000_000,
		MaxFutureTime2:        2 * 60,
		BlocksCacheSize:       4608 + (128 * 4),
		RewardSchedule: []RewardStep{
			{StartHeight: 0, TotalReward: 2_000_000_000_000},
		},
	}
}

// Testnet0 returns the testnet consensus constants: same shape as Mainnet,
// with a distinct genesis challenge and much lower starting difficulty so a
// dev chain doesn't need real plots to produce blocks quickly.
func Testnet0() *ConsensusConstants {
	c := Mainnet()
	var challenge types.Hash
	copy(challenge[:], []byte("corechain-testnet0-genesis-chal"))
	c.GenesisChallenge = challenge
	c.DifficultyStarting = 1
	c.SubSlotItersStarting = 1 << 16
	return c
}
