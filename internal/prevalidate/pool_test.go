package prevalidate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/hddgo/corechain/pkg/block"
)

func blockAtHeight(h uint32) *block.FullBlock {
	return &block.FullBlock{Header: &block.Header{Height: h}}
}

func TestDispatch_AllSucceed(t *testing.T) {
	check := func(ctx context.Context, b *block.FullBlock, skipSig bool) (uint64, uint64, error) {
		return uint64(b.Header.Height) * 10, 1, nil
	}
	p := New(check, 4)

	reqs := []Request{
		{Block: blockAtHeight(1)},
		{Block: blockAtHeight(2)},
		{Block: blockAtHeight(3)},
	}
	results, err := p.Dispatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("result %d: %v", i, r.Err)
		}
	}
	if results[1].RequiredIters != 20 {
		t.Fatalf("results[1].RequiredIters = %d, want 20", results[1].RequiredIters)
	}
}

func TestDispatch_PerBlockErrorDoesNotAbortBatch(t *testing.T) {
	check := func(ctx context.Context, b *block.FullBlock, skipSig bool) (uint64, uint64, error) {
		if b.Header.Height == 2 {
			return 0, 0, errors.New("bad proof")
		}
		return 1, 1, nil
	}
	p := New(check, 2)

	reqs := []Request{{Block: blockAtHeight(1)}, {Block: blockAtHeight(2)}, {Block: blockAtHeight(3)}}
	results, err := p.Dispatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("unrelated blocks should not fail: %+v", results)
	}
	if results[1].Err == nil {
		t.Fatal("block 2 should report its own error")
	}
}

func TestDispatch_RespectsWorkerLimit(t *testing.T) {
	var inFlight, maxSeen int32
	check := func(ctx context.Context, b *block.FullBlock, skipSig bool) (uint64, uint64, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return 0, 0, nil
	}
	p := New(check, 2)

	reqs := make([]Request, 50)
	for i := range reqs {
		reqs[i] = Request{Block: blockAtHeight(uint32(i))}
	}
	if _, err := p.Dispatch(context.Background(), reqs); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if maxSeen > 2 {
		t.Fatalf("max concurrent checks = %d, want <= 2", maxSeen)
	}
}

func TestNew_DefaultWorkerCountIsBounded(t *testing.T) {
	p := New(func(ctx context.Context, b *block.FullBlock, skipSig bool) (uint64, uint64, error) {
		return 0, 0, nil
	}, 0)
	if p.workers < 1 || p.workers > MaxWorkers {
		t.Fatalf("default workers = %d, want in [1, %d]", p.workers, MaxWorkers)
	}
}
