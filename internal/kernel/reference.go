package kernel

import (
	"math"

	"github.com/cosim-ml/cosim/internal/tensor"
)

// Plain computes normalized attention with a fully materialized score
// row per query. It is the O(q_len * k_len) reference the tiled engines
// are checked against and uses a true running-max softmax, which agrees
// with the fixed-constant stabilization after normalization because the
// constant shift cancels in the quotient.
//
// out uses the same [batch, heads, qLen, vDim] layout as Forward but
// holds the normalized result. Rows with no eligible key column are
// left zero. Tile sizes in p are ignored.
func Plain[T tensor.Float](p Params, q, k, v []T, mask []bool, out []T) {
	t := newTiling(p)
	scores := make([]float64, p.KLen)

	for g := 0; g < p.Groups(); g++ {
		b := g / p.Heads
		qG := q[g*p.QLen*p.KDim:]
		kG := k[g*p.KLen*p.KDim:]
		vG := v[g*p.KLen*p.VDim:]
		outG := out[g*p.QLen*p.VDim:]

		for r := 0; r < p.QLen; r++ {
			maxScore := math.Inf(-1)
			for c := 0; c < p.KLen; c++ {
				scores[c] = math.Inf(-1)
				if mask != nil && !mask[b*p.KLen+c] {
					continue
				}
				if !t.eligible(r, c, p.Causal) {
					continue
				}
				var sim float64
				for d := 0; d < p.KDim; d++ {
					sim += float64(qG[r*p.KDim+d]) * float64(kG[c*p.KDim+d])
				}
				scores[c] = p.Scale * sim
				maxScore = math.Max(maxScore, scores[c])
			}

			outRow := outG[r*p.VDim : (r+1)*p.VDim]
			clear(outRow)
			if math.IsInf(maxScore, -1) {
				continue // no eligible column
			}

			var sum float64
			weighted := make([]float64, p.VDim)
			for c := 0; c < p.KLen; c++ {
				if math.IsInf(scores[c], -1) {
					continue
				}
				e := math.Exp(scores[c] - maxScore)
				sum += e
				for d := 0; d < p.VDim; d++ {
					weighted[d] += e * float64(vG[c*p.VDim+d])
				}
			}
			for d := 0; d < p.VDim; d++ {
				outRow[d] = T(weighted[d] / sum)
			}
		}
	}
}

// L2Normalize scales every dim-sized row of x to unit Euclidean norm,
// writing the result into dst (which may alias x). Zero rows are left
// unchanged. Applying this to queries and keys establishes the
// bounded-score precondition the stabilization shift relies on.
func L2Normalize[T tensor.Float](dst, x []T, dim int) {
	for base := 0; base+dim <= len(x); base += dim {
		var sq float64
		for d := 0; d < dim; d++ {
			sq += float64(x[base+d]) * float64(x[base+d])
		}
		if sq == 0 {
			copy(dst[base:base+dim], x[base:base+dim])
			continue
		}
		inv := 1.0 / math.Sqrt(sq)
		for d := 0; d < dim; d++ {
			dst[base+d] = T(float64(x[base+d]) * inv)
		}
	}
}
