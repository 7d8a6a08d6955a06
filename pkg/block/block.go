package block

import "github.com/hddgo/corechain/pkg/coin"

// FullBlock is a complete block as received from a peer or produced
// locally: header plus the (optional) transactions generator program and
// the reward coins it creates.
type FullBlock struct {
	Header *Header `json:"header"`

	// TransactionsGenerator is the serialized CLVM program that, once run by
	// the external script-execution engine, yields this block's additions
	// and removals. Nil for a block that is not a transaction block.
	TransactionsGenerator []byte `json:"transactions_generator,omitempty"`

	// TransactionsGeneratorRefList names earlier transaction blocks whose
	// generators this block's generator references (compression), resolved
	// by the engine's block generator resolution.
	TransactionsGeneratorRefList []uint32 `json:"transactions_generator_ref_list,omitempty"`

	// RewardClaims are the pool/farmer reward coins this block creates (two
	// on a valid transaction block), present only at height > 0.
	RewardClaims []coin.Coin `json:"reward_claims,omitempty"`
}

// NewFullBlock constructs a FullBlock from a header and optional generator.
func NewFullBlock(header *Header, generator []byte, refs []uint32, rewardClaims []coin.Coin) *FullBlock {
	return &FullBlock{
		Header:                       header,
		TransactionsGenerator:        generator,
		TransactionsGeneratorRefList: refs,
		RewardClaims:                 rewardClaims,
	}
}

// IsTransactionBlock reports whether b carries a transactions generator or
// a non-empty reward set — i.e. whether it can add/remove coins.
func (b *FullBlock) IsTransactionBlock() bool {
	return b.TransactionsGenerator != nil || len(b.RewardClaims) > 0
}

// Hash returns the block's header hash.
func (b *FullBlock) Hash() (h [32]byte) {
	if b.Header == nil {
		return h
	}
	return b.Header.Hash()
}
