package coinstore

import (
	"errors"
	"testing"

	"github.com/hddgo/corechain/internal/storage"
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/types"
)

func testHash(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(storage.NewMemory())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpen_RejectsOldSchema(t *testing.T) {
	db := storage.NewMemory()
	db.Put([]byte(keySchemaVersion), []byte{0, 0, 0, 1})

	_, err := Open(db)
	if !errors.Is(err, ErrSchemaVersion) {
		t.Fatalf("got %v, want ErrSchemaVersion", err)
	}
}

func TestNewBlock_InsertsRewardAndTxCoins(t *testing.T) {
	s := mustOpen(t)

	reward := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: 1000}
	txCoin := coin.Coin{ParentCoinInfo: testHash(3), PuzzleHash: testHash(4), Amount: 50}

	err := s.NewBlock(1, 1000, []coin.Coin{reward}, []coin.Addition{
		{Coin: txCoin, ConfirmedHeight: 1, Timestamp: 1000},
	}, nil)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	n, err := s.NumUnspent()
	if err != nil {
		t.Fatalf("NumUnspent: %v", err)
	}
	if n != 2 {
		t.Fatalf("NumUnspent = %d, want 2", n)
	}

	added, err := s.CoinsAddedAtHeight(1)
	if err != nil {
		t.Fatalf("CoinsAddedAtHeight: %v", err)
	}
	if len(added) != 2 {
		t.Fatalf("CoinsAddedAtHeight(1) = %d records, want 2", len(added))
	}
}

func TestNewBlock_SpendsRemovals(t *testing.T) {
	s := mustOpen(t)

	c := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: 10}
	if err := s.NewBlock(1, 100, nil, []coin.Addition{{Coin: c, ConfirmedHeight: 1, Timestamp: 100}}, nil); err != nil {
		t.Fatalf("NewBlock create: %v", err)
	}

	if err := s.NewBlock(2, 200, nil, nil, []types.Hash{c.ID()}); err != nil {
		t.Fatalf("NewBlock spend: %v", err)
	}

	rec, err := s.Get(c.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil || !rec.Spent() || rec.SpentBlockIndex != 2 {
		t.Fatalf("coin not marked spent at height 2: %+v", rec)
	}
}

func TestNewBlock_RejectsDoubleSpend(t *testing.T) {
	s := mustOpen(t)

	unknown := testHash(99)
	err := s.NewBlock(1, 100, nil, nil, []types.Hash{unknown})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("got %v, want ErrConsistency", err)
	}

	// Nothing should have been written.
	n, err := s.NumUnspent()
	if err != nil {
		t.Fatalf("NumUnspent: %v", err)
	}
	if n != 0 {
		t.Fatalf("NumUnspent = %d, want 0 after aborted batch", n)
	}
}

func TestRollbackToBlock(t *testing.T) {
	s := mustOpen(t)

	c1 := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: 10}
	c2 := coin.Coin{ParentCoinInfo: testHash(3), PuzzleHash: testHash(4), Amount: 20}

	if err := s.NewBlock(1, 100, nil, []coin.Addition{{Coin: c1, ConfirmedHeight: 1, Timestamp: 100}}, nil); err != nil {
		t.Fatalf("NewBlock 1: %v", err)
	}
	if err := s.NewBlock(2, 200, nil, []coin.Addition{{Coin: c2, ConfirmedHeight: 2, Timestamp: 200}}, []types.Hash{c1.ID()}); err != nil {
		t.Fatalf("NewBlock 2: %v", err)
	}

	changed, err := s.RollbackToBlock(1)
	if err != nil {
		t.Fatalf("RollbackToBlock: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("RollbackToBlock changed %d records, want 2", len(changed))
	}

	// c2 (confirmed at height 2) must be gone entirely.
	rec2, err := s.Get(c2.ID())
	if err != nil {
		t.Fatalf("Get c2: %v", err)
	}
	if rec2 != nil {
		t.Fatalf("c2 still present after rollback past its confirmation height")
	}

	// c1 (spent at height 2) must be unspent again.
	rec1, err := s.Get(c1.ID())
	if err != nil {
		t.Fatalf("Get c1: %v", err)
	}
	if rec1 == nil || rec1.Spent() {
		t.Fatalf("c1 should be unspent after rollback: %+v", rec1)
	}
}

func TestCoinsAddedAtHeight_CacheInvalidatedOnRollback(t *testing.T) {
	s := mustOpen(t)

	c := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: 10}
	if err := s.NewBlock(1, 100, nil, []coin.Addition{{Coin: c, ConfirmedHeight: 1, Timestamp: 100}}, nil); err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	added, err := s.CoinsAddedAtHeight(1)
	if err != nil || len(added) != 1 {
		t.Fatalf("CoinsAddedAtHeight(1) = %v, %v, want 1 record", added, err)
	}

	if _, err := s.RollbackToBlock(0); err != nil {
		t.Fatalf("RollbackToBlock: %v", err)
	}

	added, err = s.CoinsAddedAtHeight(1)
	if err != nil {
		t.Fatalf("CoinsAddedAtHeight after rollback: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("CoinsAddedAtHeight(1) after rollback = %d records, want 0 (stale cache)", len(added))
	}
}

func TestGetCoinRecordsByPuzzleHashes(t *testing.T) {
	s := mustOpen(t)

	ph1, ph2 := testHash(7), testHash(8)
	c1 := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: ph1, Amount: 5}
	c2 := coin.Coin{ParentCoinInfo: testHash(2), PuzzleHash: ph2, Amount: 6}
	if err := s.NewBlock(1, 100, nil, []coin.Addition{
		{Coin: c1, ConfirmedHeight: 1, Timestamp: 100},
		{Coin: c2, ConfirmedHeight: 1, Timestamp: 100},
	}, nil); err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if err := s.NewBlock(2, 200, nil, nil, []types.Hash{c1.ID()}); err != nil {
		t.Fatalf("NewBlock spend: %v", err)
	}

	recs, err := s.GetCoinRecordsByPuzzleHashes([]types.Hash{ph1, ph2}, true, 0, 0)
	if err != nil {
		t.Fatalf("GetCoinRecordsByPuzzleHashes: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("includeSpent=true: got %d records, want 2", len(recs))
	}

	recs, err = s.GetCoinRecordsByPuzzleHashes([]types.Hash{ph1, ph2}, false, 0, 0)
	if err != nil {
		t.Fatalf("GetCoinRecordsByPuzzleHashes: %v", err)
	}
	if len(recs) != 1 || recs[0].Coin.ID() != c2.ID() {
		t.Fatalf("includeSpent=false: got %+v, want only c2", recs)
	}
}

func TestByPuzzleHash(t *testing.T) {
	s := mustOpen(t)

	ph := testHash(7)
	c := coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: ph, Amount: 5}
	if err := s.NewBlock(3, 300, nil, []coin.Addition{{Coin: c, ConfirmedHeight: 3, Timestamp: 300}}, nil); err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	recs, err := s.ByPuzzleHash(ph, 0, 0)
	if err != nil {
		t.Fatalf("ByPuzzleHash: %v", err)
	}
	if len(recs) != 1 || recs[0].Coin.ID() != c.ID() {
		t.Fatalf("ByPuzzleHash = %+v, want exactly c", recs)
	}

	recs, err = s.ByPuzzleHash(ph, 4, 0)
	if err != nil {
		t.Fatalf("ByPuzzleHash ranged: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ByPuzzleHash ranged past confirmation = %d, want 0", len(recs))
	}
}
