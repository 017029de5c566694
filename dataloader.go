package main

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// CollateFunc turns a slice of samples into a batch.
type CollateFunc func(samples []Sample) (*Batch, error)

// DataLoader splits samples into batches and collates them, optionally on
// worker goroutines. Batches are always delivered in index order.
type DataLoader struct {
	samples    []Sample
	batchSize  int
	collate    CollateFunc
	shuffle    bool
	rng        *rand.Rand
	numWorkers int
	prefetch   int
}

// LoaderOption customizes a DataLoader.
type LoaderOption func(*DataLoader)

// WithShuffle reshuffles sample order at the start of every pass using rng.
func WithShuffle(rng *rand.Rand) LoaderOption {
	return func(d *DataLoader) {
		d.shuffle = true
		d.rng = rng
	}
}

// WithWorkers collates on n goroutines; 0 collates inline.
func WithWorkers(n int) LoaderOption {
	return func(d *DataLoader) { d.numWorkers = n }
}

// WithPrefetch bounds collated batches waiting per worker.
func WithPrefetch(n int) LoaderOption {
	return func(d *DataLoader) { d.prefetch = n }
}

// NewDataLoader creates a loader over samples.
func NewDataLoader(samples []Sample, batchSize int, collate CollateFunc, opts ...LoaderOption) *DataLoader {
	if batchSize <= 0 {
		panic("dataloader: batch size must be positive")
	}
	d := &DataLoader{
		samples:   samples,
		batchSize: batchSize,
		collate:   collate,
		prefetch:  2,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Len returns the number of batches per pass; the last one may be short.
func (d *DataLoader) Len() int {
	return (len(d.samples) + d.batchSize - 1) / d.batchSize
}

// NumSamples returns the dataset length.
func (d *DataLoader) NumSamples() int { return len(d.samples) }

func (d *DataLoader) order() []int {
	idx := make([]int, len(d.samples))
	for i := range idx {
		idx[i] = i
	}
	if d.shuffle {
		d.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	return idx
}

func (d *DataLoader) batchSamples(order []int, b int) []Sample {
	start := b * d.batchSize
	end := start + d.batchSize
	if end > len(order) {
		end = len(order)
	}
	out := make([]Sample, end-start)
	for i, idx := range order[start:end] {
		out[i] = d.samples[idx]
	}
	return out
}

// Iterate calls fn with each batch in order. It stops at the first error
// from collation or fn, or when ctx is cancelled.
func (d *DataLoader) Iterate(ctx context.Context, fn func(i int, batch *Batch) error) error {
	order := d.order()
	n := d.Len()

	if d.numWorkers <= 0 {
		for b := 0; b < n; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := d.collate(d.batchSamples(order, b))
			if err != nil {
				return errors.Wrapf(err, "collate batch %d", b)
			}
			if err := fn(b, batch); err != nil {
				return err
			}
		}
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan int)
	slots := make([]chan *Batch, n)
	for i := range slots {
		slots[i] = make(chan *Batch, 1)
	}
	inflight := make(chan struct{}, d.numWorkers*max(d.prefetch, 1))

	g.Go(func() error {
		defer close(jobs)
		for b := 0; b < n; b++ {
			select {
			case inflight <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- b:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < d.numWorkers; w++ {
		g.Go(func() error {
			for b := range jobs {
				batch, err := d.collate(d.batchSamples(order, b))
				if err != nil {
					return errors.Wrapf(err, "collate batch %d", b)
				}
				slots[b] <- batch
			}
			return nil
		})
	}

	consumed := 0
	consumeErr := func() error {
		for b := 0; b < n; b++ {
			if gctx.Err() != nil {
				return nil
			}
			select {
			case batch := <-slots[b]:
				<-inflight
				consumed++
				if err := fn(b, batch); err != nil {
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	}()
	if consumeErr != nil {
		cancel()
	}

	waitErr := g.Wait()
	switch {
	case consumeErr != nil:
		return consumeErr
	case waitErr != nil:
		return waitErr
	case consumed < n:
		return parent.Err()
	}
	return nil
}
