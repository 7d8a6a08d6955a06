package chain

import (
	"sync"

	"github.com/hddgo/corechain/pkg/types"
)

// seenCompactProofsSoftCap is the point past which the seen-set is cleared
// entirely rather than evicted piecewise: a FIFO or LRU would be
// preferable but is out of scope.
const seenCompactProofsSoftCap = 10_000

// compactProofKey identifies one (vdf_info, height) pair a peer has already
// offered a compact (non-chained) proof for.
type compactProofKey struct {
	VDFInfo types.Hash
	Height  uint32
}

// compactProofSet is the engine's seen_compact_proofs set, guarded by its
// own non-priority lock (compact_proof_lock) rather than the high/low
// priority mutex that serializes add_block and mempool work — insertion
// here is unrelated to either and must stay cheap to take.
type compactProofSet struct {
	mu   sync.Mutex
	seen map[compactProofKey]struct{}
}

func newCompactProofSet() *compactProofSet {
	return &compactProofSet{seen: make(map[compactProofKey]struct{})}
}

// markSeen records (vdfInfo, height) and reports whether it was already
// present. The set is cleared wholesale once it exceeds the soft cap.
func (s *compactProofSet) markSeen(vdfInfo types.Hash, height uint32) (alreadySeen bool) {
	key := compactProofKey{VDFInfo: vdfInfo, Height: height}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return true
	}
	if len(s.seen) > seenCompactProofsSoftCap {
		s.seen = make(map[compactProofKey]struct{})
	}
	s.seen[key] = struct{}{}
	return false
}
