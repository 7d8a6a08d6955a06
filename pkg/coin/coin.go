// Package coin defines the leaf unspent-coin record and its derived identity.
package coin

import (
	"encoding/binary"

	"github.com/hddgo/corechain/pkg/crypto"
	"github.com/hddgo/corechain/pkg/types"
)

// Coin is a leaf record in the UTXO-style coin set: parent_coin_info,
// puzzle_hash, and amount uniquely determine coin_id.
type Coin struct {
	ParentCoinInfo types.Hash `json:"parent_coin_info"`
	PuzzleHash     types.Hash `json:"puzzle_hash"`
	Amount         uint64     `json:"amount"`
}

// ID computes coin_id = H(parent_coin_info || puzzle_hash || amount_be_minimal).
// amount_be_minimal is the big-endian encoding of Amount with leading zero
// bytes stripped (matching the original chia/hddcoin convention so that
// amount 0 hashes as an empty suffix, not eight zero bytes).
func (c Coin) ID() types.Hash {
	var amtBuf [8]byte
	binary.BigEndian.PutUint64(amtBuf[:], c.Amount)
	amt := amtBuf[:]
	i := 0
	for i < len(amt) && amt[i] == 0 {
		i++
	}
	amt = amt[i:]

	buf := make([]byte, 0, types.HashSize*2+len(amt))
	buf = append(buf, c.ParentCoinInfo[:]...)
	buf = append(buf, c.PuzzleHash[:]...)
	buf = append(buf, amt...)
	return crypto.Hash(buf)
}

// IsEphemeral reports whether c was both created and spent within the same
// block, given the confirming and spending heights match.
func IsEphemeral(confirmedHeight, spentHeight uint32) bool {
	return spentHeight != 0 && spentHeight == confirmedHeight
}
