package block

import (
	"errors"
	"testing"

	"github.com/hddgo/corechain/pkg/coin"
	"github.com/hddgo/corechain/pkg/types"
)

func testGenesisChallenge(t *testing.T) types.Hash {
	t.Helper()
	var h types.Hash
	copy(h[:], []byte("test-genesis-challenge-32-bytes"))
	return h
}

func TestValidateShape_NilHeader(t *testing.T) {
	b := &FullBlock{}
	if err := b.ValidateShape(testGenesisChallenge(t)); !errors.Is(err, ErrNilHeader) {
		t.Fatalf("got %v, want ErrNilHeader", err)
	}
}

func TestValidateShape_GenesisPrevHashMismatch(t *testing.T) {
	challenge := testGenesisChallenge(t)
	b := &FullBlock{Header: &Header{Height: 0, PrevHash: types.Hash{}}}
	if err := b.ValidateShape(challenge); !errors.Is(err, ErrBadGenesisPrevHash) {
		t.Fatalf("got %v, want ErrBadGenesisPrevHash", err)
	}
}

func TestValidateShape_GenesisOK(t *testing.T) {
	challenge := testGenesisChallenge(t)
	b := &FullBlock{Header: &Header{Height: 0, PrevHash: challenge}}
	if err := b.ValidateShape(challenge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateShape_GeneratorRefWithoutGenerator(t *testing.T) {
	challenge := testGenesisChallenge(t)
	b := &FullBlock{
		Header:                       &Header{Height: 5, PrevHash: challenge},
		TransactionsGeneratorRefList: []uint32{1, 2},
	}
	if err := b.ValidateShape(challenge); !errors.Is(err, ErrGeneratorRefOnNonTx) {
		t.Fatalf("got %v, want ErrGeneratorRefOnNonTx", err)
	}
}

func TestValidateShape_RewardClaimsAtHeightZero(t *testing.T) {
	challenge := testGenesisChallenge(t)
	b := &FullBlock{
		Header:       &Header{Height: 0, PrevHash: challenge},
		RewardClaims: []coin.Coin{{Amount: 1}},
	}
	if err := b.ValidateShape(challenge); !errors.Is(err, ErrRewardClaimsOnHeight0) {
		t.Fatalf("got %v, want ErrRewardClaimsOnHeight0", err)
	}
}

func TestValidateShape_TooManyRewardClaims(t *testing.T) {
	challenge := testGenesisChallenge(t)
	b := &FullBlock{
		Header:       &Header{Height: 5, PrevHash: challenge},
		RewardClaims: []coin.Coin{{Amount: 1}, {Amount: 2}, {Amount: 3}},
	}
	if err := b.ValidateShape(challenge); !errors.Is(err, ErrTooManyRewardClaims) {
		t.Fatalf("got %v, want ErrTooManyRewardClaims", err)
	}
}
