package bodyvalidator

import (
	"errors"
	"testing"

	"github.com/hddgo/corechain/internal/forkinfo"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/consensus"
	"github.com/hddgo/corechain/pkg/types"
)

func testHash(b byte) types.Hash {
	var h types.Hash
	h[31] = b
	return h
}

type fakeCoinStore struct {
	records map[types.Hash]*coin.Record
}

func (f *fakeCoinStore) Get(id types.Hash) (*coin.Record, error) {
	return f.records[id], nil
}

func alwaysValidSig(b *block.FullBlock, additionalData types.Hash) (bool, error) {
	return true, nil
}

func baseParams(t *testing.T) Params {
	t.Helper()
	c := consensus.Mainnet()
	b := &block.FullBlock{
		Header: &block.Header{Height: 5, Timestamp: 1000},
		RewardClaims: []coin.Coin{
			{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: c.RewardAt(5) / 2},
			{ParentCoinInfo: testHash(1), PuzzleHash: testHash(3), Amount: c.RewardAt(5) / 2},
		},
	}
	return Params{
		Constants:       c,
		CoinStore:       &fakeCoinStore{records: map[types.Hash]*coin.Record{}},
		Fork:            forkinfo.New(4, 4, types.Hash{}),
		Block:           b,
		Height:          5,
		Now:             1000,
		VerifySignature: alwaysValidSig,
	}
}

func TestValidate_GenesisNoReward(t *testing.T) {
	p := baseParams(t)
	p.Height = 0
	p.Block.Header.Height = 0
	p.Block.RewardClaims = nil
	if _, err := Validate(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_GenesisWithRewardFails(t *testing.T) {
	p := baseParams(t)
	p.Height = 0
	p.Block.Header.Height = 0
	if _, err := Validate(p); !errors.Is(err, ErrRewardMismatch) {
		t.Fatalf("got %v, want ErrRewardMismatch", err)
	}
}

func TestValidate_RewardMismatch(t *testing.T) {
	p := baseParams(t)
	p.Block.RewardClaims[0].Amount += 1
	if _, err := Validate(p); !errors.Is(err, ErrRewardMismatch) {
		t.Fatalf("got %v, want ErrRewardMismatch", err)
	}
}

func TestValidate_CostExceeded(t *testing.T) {
	p := baseParams(t)
	p.Generator = &GeneratorOutput{Cost: p.Constants.MaxBlockCostCLVM + 1}
	if _, err := Validate(p); !errors.Is(err, ErrCostExceeded) {
		t.Fatalf("got %v, want ErrCostExceeded", err)
	}
}

func TestValidate_UnknownUnspentCoin(t *testing.T) {
	p := baseParams(t)
	p.Generator = &GeneratorOutput{
		Removals: []RemovalSpend{{CoinID: testHash(50), PuzzleHash: testHash(51)}},
	}
	if _, err := Validate(p); !errors.Is(err, ErrUnknownUnspentCoin) {
		t.Fatalf("got %v, want ErrUnknownUnspentCoin", err)
	}
}

func TestValidate_DoubleSpendOnFork(t *testing.T) {
	p := baseParams(t)
	id := testHash(60)
	p.Fork.RemovalsSinceFork[id] = coin.Removal{Height: 4, PuzzleHash: testHash(61)}
	p.Generator = &GeneratorOutput{
		Removals: []RemovalSpend{{CoinID: id, PuzzleHash: testHash(61)}},
	}
	if _, err := Validate(p); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("got %v, want ErrDoubleSpend", err)
	}
}

func TestValidate_EphemeralCoinAllowed(t *testing.T) {
	p := baseParams(t)
	c := coin.Coin{ParentCoinInfo: testHash(70), PuzzleHash: testHash(71), Amount: 1}
	p.Generator = &GeneratorOutput{
		Additions: []coin.Addition{{Coin: c, ConfirmedHeight: 5}},
		Removals:  []RemovalSpend{{CoinID: c.ID(), PuzzleHash: c.PuzzleHash}},
	}
	if _, err := Validate(p); err != nil {
		t.Fatalf("ephemeral spend should be allowed: %v", err)
	}
}

func TestValidate_SpendKnownUnspentMainChainCoin(t *testing.T) {
	p := baseParams(t)
	rec := coin.NewRecord(coin.Coin{ParentCoinInfo: testHash(1), PuzzleHash: testHash(2), Amount: 9}, 2, false, 500)
	store := p.CoinStore.(*fakeCoinStore)
	store.records[rec.Coin.ID()] = &rec
	p.Generator = &GeneratorOutput{
		Removals: []RemovalSpend{{CoinID: rec.Coin.ID(), PuzzleHash: rec.Coin.PuzzleHash}},
	}
	if _, err := Validate(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TimestampTooFarFuture(t *testing.T) {
	p := baseParams(t)
	p.Generator = &GeneratorOutput{}
	p.Block.TransactionsGenerator = []byte{0x01} // make it a transaction block
	p.Block.Header.Timestamp = p.Now + p.Constants.MaxFutureTime2 + 1
	if _, err := Validate(p); !errors.Is(err, ErrTimestampTooFuture) {
		t.Fatalf("got %v, want ErrTimestampTooFuture", err)
	}
}

func TestValidate_TimestampNotIncreasing(t *testing.T) {
	p := baseParams(t)
	p.Block.TransactionsGenerator = []byte{0x01}
	p.Block.Header.Timestamp = 500
	p.PrecedingTimestamps = []uint64{100, 200, 500, 600, 700}
	if _, err := Validate(p); !errors.Is(err, ErrTimestampNonIncreasing) {
		t.Fatalf("got %v, want ErrTimestampNonIncreasing", err)
	}
}

func TestValidate_SignatureInvalid(t *testing.T) {
	p := baseParams(t)
	p.VerifySignature = func(b *block.FullBlock, additionalData types.Hash) (bool, error) {
		return false, nil
	}
	if _, err := Validate(p); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("got %v, want ErrSignatureInvalid", err)
	}
}

func TestValidate_SignatureAlreadyValidatedSkipsCheck(t *testing.T) {
	p := baseParams(t)
	p.SignatureAlreadyValidated = true
	p.VerifySignature = nil
	if _, err := Validate(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
