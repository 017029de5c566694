package main

import (
	"fmt"
	"runtime"
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Matrix multiplication is where the encoder spends nearly all of its time,
// so it is the one operation that can fan out across goroutines.
//
// Parallelism is row-split: each worker owns a contiguous block of output
// rows and computes them with the same inner loop as the single-threaded
// path. Every output element is therefore produced by exactly one goroutine
// in exactly the same order of additions, which keeps results bit-identical
// regardless of worker count. Deterministic training depends on that.
//
// The configuration is NOT global. A ComputeConfig travels with the model
// (derived from RuntimeConfig.NumThreads at startup), so two models in one
// process can run with different thread budgets.
//
// ===========================================================================

// ComputeConfig controls how tensor operations are executed.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of matrix multiplication.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU(). Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum number of output rows before
	// parallelization is used. Small matrices don't benefit from it.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a configuration that uses every CPU.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration that never spawns goroutines.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the effective number of workers.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize reports whether an operation with the given number of
// output rows is worth splitting.
func (c ComputeConfig) shouldParallelize(rows int) bool {
	return c.Parallel && c.numWorkers() > 1 && rows >= c.MinSizeForParallel
}

// MatMul performs single-threaded matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	return MatMulWithConfig(a, b, SingleThreadedConfig())
}

// MatMulWithConfig performs matrix multiplication using cfg to decide
// whether to split output rows across goroutines.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}
	n := b.shape[1]

	out := NewTensor(m, n)

	if !cfg.shouldParallelize(m) {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (m + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		if startRow >= m {
			break
		}
		endRow := startRow + rowsPerWorker
		if endRow > m {
			endRow = m
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(a, b, out, start, end, n, k)
		}(startRow, endRow)
	}
	wg.Wait()

	return out
}

// matmulRows computes output rows [startRow, endRow) with an i-k-j loop
// order so the inner loop walks both B and C contiguously.
func matmulRows(a, b, out *Tensor, startRow, endRow, n, k int) {
	for i := startRow; i < endRow; i++ {
		aRow := a.data[i*k : (i+1)*k]
		oRow := out.data[i*n : (i+1)*n]
		for kk, av := range aRow {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				oRow[j] += av * bv
			}
		}
	}
}
