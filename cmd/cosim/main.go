// Package main provides the cosim CLI.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/cosim-ml/cosim/attention"
	"github.com/cosim-ml/cosim/tensor"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("cosim %s\n", version)
			return
		case "bench":
			bench()
			return
		}
	}

	fmt.Println("cosim - memory-efficient cosine-similarity attention for Go")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  bench      Compare tiled attention against the naive reference")
}

// bench times the tiled forward engine against the materialized-matrix
// reference on a transformer-shaped workload.
func bench() {
	const (
		batch  = 4
		heads  = 8
		seqLen = 512
		dim    = 64
		rounds = 5
	)

	rng := rand.New(rand.NewSource(1)) //nolint:gosec // benchmark data only
	shape := tensor.Shape{batch, heads, seqLen, dim}

	q := mustRandUnit(rng, shape)
	k := mustRandUnit(rng, shape)
	v, err := tensor.Randn[float32](rng, shape, tensor.CPU)
	must(err)

	cfg := attention.Config{Causal: true}

	fmt.Printf("shape [batch=%d heads=%d seq=%d dim=%d], causal, %d rounds\n\n",
		batch, heads, seqLen, dim, rounds)

	start := time.Now()
	for i := 0; i < rounds; i++ {
		_, _, err := attention.Forward(q, k, v, nil, cfg)
		must(err)
	}
	fmt.Printf("tiled forward:   %v/round\n", time.Since(start)/rounds)

	start = time.Now()
	for i := 0; i < rounds; i++ {
		_, err := attention.Plain(q, k, v, nil, cfg)
		must(err)
	}
	fmt.Printf("plain reference: %v/round\n", time.Since(start)/rounds)
}

func mustRandUnit(rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t, err := tensor.Randn[float32](rng, shape, tensor.CPU)
	must(err)
	must(attention.L2NormalizeInPlace(t))
	return t
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "cosim:", err)
		os.Exit(1)
	}
}
