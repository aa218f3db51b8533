package codec

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/blockstate/internal/ir"
)

// Observer receives hashing durations. Implemented by metrics.Metrics.
type Observer interface {
	ObserveHash(d time.Duration, buffers int)
}

// Pool hashes buffers on a bounded number of goroutines.
//
// Nil buffers are unset dimensions and hash to the zero digest without
// consuming a worker slot.
//
// Thread-safety: Pool is safe for concurrent use.
type Pool struct {
	codec    Codec
	sem      *semaphore.Weighted
	workers  int
	observer Observer
}

// NewPool creates a pool. workers <= 0 means runtime.GOMAXPROCS(0).
func NewPool(c Codec, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		codec:   c,
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// WithObserver attaches a duration observer and returns the pool.
func (p *Pool) WithObserver(o Observer) *Pool {
	p.observer = o
	return p
}

// Codec returns the codec the pool hashes with.
func (p *Pool) Codec() Codec {
	return p.codec
}

// Workers returns the concurrency bound.
func (p *Pool) Workers() int {
	return p.workers
}

// Hash digests one buffer through the pool.
func (p *Pool) Hash(ctx context.Context, data []byte, prec Precision) (ir.Digest, error) {
	out, err := p.HashAll(ctx, [][]byte{data}, prec)
	if err != nil {
		return ir.Digest{}, err
	}
	return out[0], nil
}

// HashAll digests every buffer and returns digests in input order.
// Returns ctx.Err() if the context is cancelled before all digests are
// computed; partial results are never returned.
func (p *Pool) HashAll(ctx context.Context, bufs [][]byte, prec Precision) ([]ir.Digest, error) {
	start := time.Now()
	out := make([]ir.Digest, len(bufs))

	g, gCtx := errgroup.WithContext(ctx)
	for i, buf := range bufs {
		if buf == nil {
			continue
		}
		if err := p.sem.Acquire(gCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer p.sem.Release(1)
			if err := gCtx.Err(); err != nil {
				return err
			}
			out[i] = p.codec.Hash(buf, prec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.observer != nil {
		p.observer.ObserveHash(time.Since(start), len(bufs))
	}
	return out, nil
}
