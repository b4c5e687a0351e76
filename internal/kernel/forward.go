package kernel

import (
	"math"

	"github.com/cosim-ml/cosim/internal/parallel"
	"github.com/cosim-ml/cosim/internal/tensor"
)

// Forward computes the attention output numerator and the per-query
// normalizing denominator.
//
// Layouts (row-major): q [batch, heads, qLen, kDim], k [batch, heads,
// kLen, kDim], v [batch, heads, kLen, vDim], mask [batch, kLen] (nil
// means all key columns valid), out [batch, heads, qLen, vDim], rowsum
// [batch, heads, qLen].
//
// After the call rowsum[b,h,r] holds the sum over eligible columns of
// exp(scale*sim - scale) and out[b,h,r,:] the matching weighted sum of
// value vectors. Division by rowsum is the caller's responsibility.
// Between column tiles the global out/rowsum entries hold partial sums;
// they are final only once the call returns.
func Forward[T tensor.Float](p Params, q, k, v []T, mask []bool, out, rowsum []T) {
	t := newTiling(p)

	parallel.Groups(p.Groups(), func(g int) {
		b := g / p.Heads

		var groupMask []bool
		if mask != nil {
			groupMask = mask[b*p.KLen : (b+1)*p.KLen]
		}

		st := newForwardStage[T](p, t)
		st.run(
			q[g*p.QLen*p.KDim:(g+1)*p.QLen*p.KDim],
			k[g*p.KLen*p.KDim:(g+1)*p.KLen*p.KDim],
			v[g*p.KLen*p.VDim:(g+1)*p.KLen*p.VDim],
			groupMask,
			out[g*p.QLen*p.VDim:(g+1)*p.QLen*p.VDim],
			rowsum[g*p.QLen:(g+1)*p.QLen],
		)
	})
}

// forwardStage is the staging area for one forward worker group: one
// column tile of keys and values, one row tile of queries, and the row
// tile's running sum and output accumulators.
type forwardStage[T tensor.Float] struct {
	p Params
	t tiling

	// Column-tile slabs, valid for the current outer-loop iteration.
	keys   []T    // [kBlock, kDim]
	values []T    // [kBlock, vDim]
	colOK  []bool // in-bounds and unmasked
	ci     int
	cw     int // in-bounds width of the current column tile

	// Row-tile slabs, valid for the current inner-loop iteration.
	queries []T // [qBlock, kDim]
	sums    []T // running denominators
	acc     []T // [qBlock, vDim] running numerators
	rj      int
	rh      int // in-bounds height of the current row tile

	state stageState
}

func newForwardStage[T tensor.Float](p Params, t tiling) *forwardStage[T] {
	return &forwardStage[T]{
		p:       p,
		t:       t,
		keys:    make([]T, p.KBlock*p.KDim),
		values:  make([]T, p.KBlock*p.VDim),
		colOK:   make([]bool, p.KBlock),
		queries: make([]T, p.QBlock*p.KDim),
		sums:    make([]T, p.QBlock),
		acc:     make([]T, p.QBlock*p.VDim),
	}
}

// run executes the outer column-tile / inner row-tile loop for one
// (batch, head) group.
func (st *forwardStage[T]) run(q, k, v []T, mask []bool, out, rowsum []T) {
	for ci := 0; ci < st.t.kTiles; ci++ {
		st.stageColumns(ci, k, v, mask)
		for rj := 0; rj < st.t.qTiles; rj++ {
			st.stageRows(rj, q, out, rowsum)
			st.accumulate()
			st.flushRows(out, rowsum)
		}
	}
}

// stageColumns loads a column tile of keys and values and records which
// of its columns are in-bounds and unmasked. Begins a fresh row-tile
// cycle.
func (st *forwardStage[T]) stageColumns(ci int, k, v []T, mask []bool) {
	st.state = st.state.advance(stageEmpty)
	st.ci = ci
	st.cw = st.t.colWidth(ci)
	base := st.t.colBase(ci)

	for c := 0; c < st.p.KBlock; c++ {
		gc := base + c
		if c >= st.cw {
			st.colOK[c] = false
			continue
		}
		st.colOK[c] = mask == nil || mask[gc]
		copy(st.keys[c*st.p.KDim:(c+1)*st.p.KDim], k[gc*st.p.KDim:(gc+1)*st.p.KDim])
		copy(st.values[c*st.p.VDim:(c+1)*st.p.VDim], v[gc*st.p.VDim:(gc+1)*st.p.VDim])
	}
}

// stageRows loads a row tile of queries together with the tile's
// running accumulators. On the first column tile the accumulators start
// from zero; afterwards they are reloaded from the global buffers,
// which carry the partial sums between outer-loop iterations.
func (st *forwardStage[T]) stageRows(rj int, q, out, rowsum []T) {
	st.state = st.state.advance(stageStaged)
	st.rj = rj
	st.rh = st.t.rowHeight(rj)
	base := st.t.rowBase(rj)

	for r := 0; r < st.rh; r++ {
		gr := base + r
		copy(st.queries[r*st.p.KDim:(r+1)*st.p.KDim], q[gr*st.p.KDim:(gr+1)*st.p.KDim])
		if st.ci == 0 {
			st.sums[r] = 0
			clear(st.acc[r*st.p.VDim : (r+1)*st.p.VDim])
		} else {
			st.sums[r] = rowsum[gr]
			copy(st.acc[r*st.p.VDim:(r+1)*st.p.VDim], out[gr*st.p.VDim:(gr+1)*st.p.VDim])
		}
	}
}

// accumulate adds every eligible (row, column) contribution of the
// staged tiles into the running sums and output accumulators.
func (st *forwardStage[T]) accumulate() {
	st.state = st.state.advance(stageConsumed)
	rowBase := st.t.rowBase(st.rj)
	colBase := st.t.colBase(st.ci)
	scale := T(st.p.Scale)

	for r := 0; r < st.rh; r++ {
		gr := rowBase + r
		qRow := st.queries[r*st.p.KDim : (r+1)*st.p.KDim]
		accRow := st.acc[r*st.p.VDim : (r+1)*st.p.VDim]

		for c := 0; c < st.cw; c++ {
			if !st.colOK[c] || !st.t.eligible(gr, colBase+c, st.p.Causal) {
				continue
			}

			kCol := st.keys[c*st.p.KDim : (c+1)*st.p.KDim]
			var sim T
			for d := range qRow {
				sim += qRow[d] * kCol[d]
			}

			// Fixed-constant stabilization: cosine similarity is
			// bounded by 1, so scale*sim - scale <= 0 for
			// unit-normalized inputs.
			e := T(math.Exp(float64(scale*sim - scale)))
			st.sums[r] += e

			vCol := st.values[c*st.p.VDim : (c+1)*st.p.VDim]
			for d := range accRow {
				accRow[d] += e * vCol[d]
			}
		}
	}
}

// flushRows writes the row tile's running accumulators through to the
// global buffers. The write is an overwrite, not an add: the staged
// accumulators already carry the partials of every previously visited
// column tile.
func (st *forwardStage[T]) flushRows(out, rowsum []T) {
	st.state = st.state.advance(stageFlushed)
	base := st.t.rowBase(st.rj)

	for r := 0; r < st.rh; r++ {
		gr := base + r
		rowsum[gr] = st.sums[r]
		copy(out[gr*st.p.VDim:(gr+1)*st.p.VDim], st.acc[r*st.p.VDim:(r+1)*st.p.VDim])
	}
}
