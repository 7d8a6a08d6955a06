// Package block defines the on-chain block types and the in-memory
// BlockRecord summary the engine caches per validated block.
package block

import (
	"github.com/hddgo/corechain/pkg/crypto"
	"github.com/hddgo/corechain/pkg/types"
)

// Header carries the fields of a full block that matter to header-level
// (pre-validation) checks: proof-of-space-and-time shape, signage/challenge
// chain linkage, and the foliage fields needed to compute the header hash.
// VDF validity itself and proof-of-space verification are external
// collaborators; the header only carries the material those collaborators
// need and the material BodyValidator/the engine consume afterward.
type Header struct {
	Version  uint32     `json:"version"`
	PrevHash types.Hash `json:"prev_hash"`
	Height   uint32     `json:"height"`

	// Proof-of-space-and-time linkage.
	ChallengeChainSpHash types.Hash `json:"challenge_chain_sp_hash"`
	ChallengeChainIpHash types.Hash `json:"challenge_chain_ip_hash"`
	RewardChainSpHash    types.Hash `json:"reward_chain_sp_hash"`
	RewardChainIpHash    types.Hash `json:"reward_chain_ip_hash"`
	SignagePointIndex    uint8      `json:"signage_point_index"`

	// Proof-of-space (shape only; the pool/plot-filter check is external).
	PoSpacePlotID   types.Hash `json:"pospace_plot_id"`
	PoSpaceProof    []byte     `json:"pospace_proof"`
	PoSpaceSize     uint8      `json:"pospace_size"`

	// Aggregate signature over the foliage (checked by the caller-supplied
	// Verifier, not by this package).
	FoliageSignature []byte `json:"foliage_signature,omitempty"`

	Timestamp uint64 `json:"timestamp,omitempty"` // present iff this is a transaction block

	// Overflow/deficit bookkeeping the engine needs to walk sub-slots.
	Overflow        bool `json:"overflow"`
	FirstInSubSlot  bool `json:"first_in_sub_slot"`

	FarmerPuzzleHash types.Hash `json:"farmer_puzzle_hash"`
	PoolPuzzleHash   types.Hash `json:"pool_puzzle_hash"`
}

// Hash computes the block's header hash over its signing bytes. This
// excludes FoliageSignature so the hash is stable for signing.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes used to compute Hash.
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = appendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = appendUint32(buf, h.Height)
	buf = append(buf, h.ChallengeChainSpHash[:]...)
	buf = append(buf, h.ChallengeChainIpHash[:]...)
	buf = append(buf, h.RewardChainSpHash[:]...)
	buf = append(buf, h.RewardChainIpHash[:]...)
	buf = append(buf, h.SignagePointIndex)
	buf = append(buf, h.PoSpacePlotID[:]...)
	buf = append(buf, h.PoSpaceProof...)
	buf = append(buf, h.PoSpaceSize)
	buf = appendUint64(buf, h.Timestamp)
	buf = append(buf, boolByte(h.Overflow), boolByte(h.FirstInSubSlot))
	buf = append(buf, h.FarmerPuzzleHash[:]...)
	buf = append(buf, h.PoolPuzzleHash[:]...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
