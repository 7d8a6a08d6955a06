package coin

import "github.com/hddgo/corechain/pkg/types"

// Record is the stored form of a coin as kept by the coin store: the leaf
// Coin plus the block-height bookkeeping that tracks its lifecycle.
type Record struct {
	Coin                Coin       `json:"coin"`
	ConfirmedBlockIndex uint32     `json:"confirmed_block_index"`
	SpentBlockIndex     uint32     `json:"spent_block_index"` // 0 = unspent
	Coinbase            bool       `json:"coinbase"`
	Timestamp           uint64     `json:"timestamp"`
	CoinID              types.Hash `json:"coin_id"`
}

// Spent reports whether the coin has been spent.
func (r Record) Spent() bool {
	return r.SpentBlockIndex != 0
}

// NewRecord builds a Record, computing and caching the coin's ID.
func NewRecord(c Coin, confirmedBlockIndex uint32, coinbase bool, timestamp uint64) Record {
	return Record{
		Coin:                c,
		ConfirmedBlockIndex: confirmedBlockIndex,
		Coinbase:            coinbase,
		Timestamp:           timestamp,
		CoinID:              c.ID(),
	}
}

// Addition is an addition pending confirmation in a ForkInfo: a coin created
// on a fork branch, with the height/timestamp it was created at and an
// optional hint for wallet-side indexing.
type Addition struct {
	Coin            Coin       `json:"coin"`
	ConfirmedHeight uint32     `json:"confirmed_height"`
	Timestamp       uint64     `json:"timestamp"`
	IsCoinbase      bool       `json:"is_coinbase"`
	Hint            *types.Hash `json:"hint,omitempty"`
}

// Removal is a removal pending confirmation in a ForkInfo: a coin spent on a
// fork branch, identified by the height it was spent at and the puzzle hash
// of the coin (needed for post-removal indexing without a coin-store read).
type Removal struct {
	Height     uint32     `json:"height"`
	PuzzleHash types.Hash `json:"puzzle_hash"`
}
