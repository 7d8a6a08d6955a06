// Package prevalidate implements the parallel, stateless pre-validation
// worker pool: the CPU-bound header/PoSpace/signature checks that run
// independently of chain state, before a block reaches the sequential
// body-validation critical section.
package prevalidate

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hddgo/corechain/internal/bodyvalidator"
	"github.com/hddgo/corechain/pkg/block"
	"github.com/hddgo/corechain/pkg/types"
)

// MaxWorkers caps the pool at 61 even on machines with more cores, to stay
// under legacy 64-handle limits some deployment platforms impose.
const MaxWorkers = 61

// ReservedCores is subtracted from the detected CPU count before sizing the
// pool, leaving headroom for the engine's single-threaded critical section
// and I/O.
const ReservedCores = 1

// Result is PreValidationResult: the outcome of the stateless checks for one
// candidate block.
type Result struct {
	Err           error
	RequiredIters uint64
	ValidatedSig  bool
	GeneratorCost uint64
	HeaderHash    types.Hash

	// Generator carries the resolved CLVM generator output forward from the
	// unfinished-block fast path, so AddBlock's body validation doesn't have
	// to re-resolve it. Dispatch never sets this; only
	// ValidateUnfinishedBlock does.
	Generator *bodyvalidator.GeneratorOutput
}

// Checker performs the stateless, CPU-bound checks for a single block:
// header shape/hash, proof-of-space, VDF output shape, and (unless
// skipSignature) aggregated signature verification. It does not touch the
// coin store or any other shared state.
type Checker func(ctx context.Context, b *block.FullBlock, skipSignature bool) (requiredIters uint64, generatorCost uint64, err error)

// Pool dispatches Checker over a bounded worker set via errgroup.
type Pool struct {
	check   Checker
	workers int
}

// New builds a Pool sized to max(NumCPU-ReservedCores, 1), capped at
// MaxWorkers. Pass 0 for workers to use the detected default; pass 1 to get
// the inline, single-threaded variant tests rely on for determinism.
func New(check Checker, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU() - ReservedCores
		if workers < 1 {
			workers = 1
		}
		if workers > MaxWorkers {
			workers = MaxWorkers
		}
	}
	return &Pool{check: check, workers: workers}
}

// Request is one block to pre-validate, alongside whether its signature was
// already checked upstream (e.g. by an unfinished-block fast path).
type Request struct {
	Block         *block.FullBlock
	SkipSignature bool
}

// Dispatch runs Checker over every request concurrently, bounded by the
// pool's worker count, and returns one Result per request in input order.
// An error from an individual Checker call is captured in that request's
// Result, not propagated — one bad block must not abort the batch.
func (p *Pool) Dispatch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = Result{Err: gctx.Err()}
				return nil
			}
			iters, cost, err := p.check(gctx, req.Block, req.SkipSignature)
			results[i] = Result{
				Err:           err,
				RequiredIters: iters,
				GeneratorCost: cost,
				ValidatedSig:  !req.SkipSignature && err == nil,
				HeaderHash:    req.Block.Hash(),
			}
			return nil
		})
	}

	// g.Wait only returns non-nil if a Go func itself returned an error,
	// which we never do — per-block failures live in Result.Err instead.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
