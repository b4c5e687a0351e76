package kernel

import (
	"math"

	"github.com/cosim-ml/cosim/internal/parallel"
	"github.com/cosim-ml/cosim/internal/tensor"
)

// Backward accumulates the attention gradients with respect to the
// query, key, and value buffers.
//
// dout is the upstream gradient of the normalized output out/rowsum;
// out and rowsum are the forward engine's saved results. The per-tile
// similarity scores are recomputed from q and k rather than read from a
// stored score matrix. dq, dk and dv must be zero-initialized by the
// caller and use the same layouts as q, k and v.
//
// Per eligible (row r, column c), with p = exp(scale*sim - scale) /
// rowsum[r] and o = out[r]/rowsum[r]:
//
//	dv[c] += p * dout[r]
//	ds     = p * (dout[r]·v[c] - dout[r]·o)
//	dq[r] += scale * ds * k[c]
//	dk[c] += scale * ds * q[r]
func Backward[T tensor.Float](p Params, dout, out, rowsum, q, k, v []T, mask []bool, dq, dk, dv []T) {
	t := newTiling(p)

	parallel.Groups(p.Groups(), func(g int) {
		b := g / p.Heads

		var groupMask []bool
		if mask != nil {
			groupMask = mask[b*p.KLen : (b+1)*p.KLen]
		}

		qLo, qHi := g*p.QLen*p.KDim, (g+1)*p.QLen*p.KDim
		kLo, kHi := g*p.KLen*p.KDim, (g+1)*p.KLen*p.KDim
		vLo, vHi := g*p.KLen*p.VDim, (g+1)*p.KLen*p.VDim
		oLo, oHi := g*p.QLen*p.VDim, (g+1)*p.QLen*p.VDim

		st := newBackwardStage[T](p, t)
		st.run(
			dout[oLo:oHi], out[oLo:oHi], rowsum[g*p.QLen:(g+1)*p.QLen],
			q[qLo:qHi], k[kLo:kHi], v[vLo:vHi], groupMask,
			dq[qLo:qHi], dk[kLo:kHi], dv[vLo:vHi],
		)
	})
}

// backwardStage extends the forward staging discipline with gradient
// accumulators: per-row query gradients follow the forward engine's
// write-through protocol across column tiles, while per-column key and
// value gradients live only for the current column tile (each column
// tile is visited exactly once) and are flushed after the inner
// row-tile loop completes.
type backwardStage[T tensor.Float] struct {
	p Params
	t tiling

	// Column-tile slabs.
	keys   []T
	values []T
	colOK  []bool
	dkAcc  []T // [kBlock, kDim]
	dvAcc  []T // [kBlock, vDim]
	ci     int
	cw     int

	// Row-tile slabs.
	queries []T
	douts   []T // [qBlock, vDim] upstream gradient rows
	sums    []T // saved forward denominators
	deltas  []T // dout[r]·out[r] / rowsum[r], precomputed per staging
	dqAcc   []T // [qBlock, kDim] running query gradients
	rj      int
	rh      int

	state stageState
}

func newBackwardStage[T tensor.Float](p Params, t tiling) *backwardStage[T] {
	return &backwardStage[T]{
		p:       p,
		t:       t,
		keys:    make([]T, p.KBlock*p.KDim),
		values:  make([]T, p.KBlock*p.VDim),
		colOK:   make([]bool, p.KBlock),
		dkAcc:   make([]T, p.KBlock*p.KDim),
		dvAcc:   make([]T, p.KBlock*p.VDim),
		queries: make([]T, p.QBlock*p.KDim),
		douts:   make([]T, p.QBlock*p.VDim),
		sums:    make([]T, p.QBlock),
		deltas:  make([]T, p.QBlock),
		dqAcc:   make([]T, p.QBlock*p.KDim),
	}
}

func (st *backwardStage[T]) run(dout, out, rowsum, q, k, v []T, mask []bool, dq, dk, dv []T) {
	for ci := 0; ci < st.t.kTiles; ci++ {
		st.stageColumns(ci, k, v, mask)
		for rj := 0; rj < st.t.qTiles; rj++ {
			st.stageRows(rj, dout, out, rowsum, q, dq)
			st.accumulate()
			st.flushRows(dq)
		}
		st.flushColumns(dk, dv)
	}
}

// stageColumns loads a column tile of keys and values and zeroes the
// tile's key/value gradient accumulators.
func (st *backwardStage[T]) stageColumns(ci int, k, v []T, mask []bool) {
	st.state = st.state.advance(stageEmpty)
	st.ci = ci
	st.cw = st.t.colWidth(ci)
	base := st.t.colBase(ci)

	clear(st.dkAcc)
	clear(st.dvAcc)

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

// stageRows loads a row tile of queries, upstream gradient rows, the
// saved denominators, and the softmax-Jacobian row term
// dout[r]·out[r]/rowsum[r]. The running query-gradient accumulators
// start from zero on the first column tile and are reloaded from the
// global buffer afterwards.
func (st *backwardStage[T]) stageRows(rj int, dout, out, rowsum, q, dq []T) {
	st.state = st.state.advance(stageStaged)
	st.rj = rj
	st.rh = st.t.rowHeight(rj)
	base := st.t.rowBase(rj)

	for r := 0; r < st.rh; r++ {
		gr := base + r
		copy(st.queries[r*st.p.KDim:(r+1)*st.p.KDim], q[gr*st.p.KDim:(gr+1)*st.p.KDim])
		copy(st.douts[r*st.p.VDim:(r+1)*st.p.VDim], dout[gr*st.p.VDim:(gr+1)*st.p.VDim])
		st.sums[r] = rowsum[gr]

		// Rows with no eligible column have a zero denominator and
		// receive no gradient.
		st.deltas[r] = 0
		if st.sums[r] != 0 {
			var d T
			for j := 0; j < st.p.VDim; j++ {
				d += st.douts[r*st.p.VDim+j] * out[gr*st.p.VDim+j]
			}
			st.deltas[r] = d / st.sums[r]
		}

		if st.ci == 0 {
			clear(st.dqAcc[r*st.p.KDim : (r+1)*st.p.KDim])
		} else {
			copy(st.dqAcc[r*st.p.KDim:(r+1)*st.p.KDim], dq[gr*st.p.KDim:(gr+1)*st.p.KDim])
		}
	}
}

// accumulate recomputes the stabilized exponential score for every
// eligible (row, column) pair of the staged tiles and accumulates the
// three gradient contributions.
func (st *backwardStage[T]) accumulate() {
	st.state = st.state.advance(stageConsumed)
	rowBase := st.t.rowBase(st.rj)
	colBase := st.t.colBase(st.ci)
	scale := T(st.p.Scale)

	for r := 0; r < st.rh; r++ {
		gr := rowBase + r
		if st.sums[r] == 0 {
			continue
		}

		qRow := st.queries[r*st.p.KDim : (r+1)*st.p.KDim]
		doutRow := st.douts[r*st.p.VDim : (r+1)*st.p.VDim]
		dqRow := st.dqAcc[r*st.p.KDim : (r+1)*st.p.KDim]

		for c := 0; c < st.cw; c++ {
			if !st.colOK[c] || !st.t.eligible(gr, colBase+c, st.p.Causal) {
				continue
			}

			kCol := st.keys[c*st.p.KDim : (c+1)*st.p.KDim]
			var sim T
			for d := range qRow {
				sim += qRow[d] * kCol[d]
			}
			weight := T(math.Exp(float64(scale*sim-scale))) / st.sums[r]

			// Value gradient.
			vCol := st.values[c*st.p.VDim : (c+1)*st.p.VDim]
			dvCol := st.dvAcc[c*st.p.VDim : (c+1)*st.p.VDim]
			var dAttn T
			for d := range vCol {
				dvCol[d] += weight * doutRow[d]
				dAttn += doutRow[d] * vCol[d]
			}

			// Score gradient through the softmax Jacobian and the
			// scaled dot product.
			g := scale * weight * (dAttn - st.deltas[r])
			dkCol := st.dkAcc[c*st.p.KDim : (c+1)*st.p.KDim]
			for d := range qRow {
				dqRow[d] += g * kCol[d]
				dkCol[d] += g * qRow[d]
			}
		}
	}
}

// flushRows writes the running query-gradient partials through to the
// global buffer, mirroring the forward engine's overwrite protocol.
func (st *backwardStage[T]) flushRows(dq []T) {
	st.state = st.state.advance(stageFlushed)
	base := st.t.rowBase(st.rj)

	for r := 0; r < st.rh; r++ {
		gr := base + r
		copy(dq[gr*st.p.KDim:(gr+1)*st.p.KDim], st.dqAcc[r*st.p.KDim:(r+1)*st.p.KDim])
	}
}

// flushColumns stores the finished key/value gradient tiles. Each
// column tile is visited exactly once, so a direct store into the
// zero-initialized global buffers is complete.
func (st *backwardStage[T]) flushColumns(dk, dv []T) {
	if st.state != stageFlushed && st.state != stageEmpty {
		panic("kernel: staging protocol violation: column flush with row tile in flight")
	}
	base := st.t.colBase(st.ci)

	for c := 0; c < st.cw; c++ {
		gc := base + c
		copy(dk[gc*st.p.KDim:(gc+1)*st.p.KDim], st.dkAcc[c*st.p.KDim:(c+1)*st.p.KDim])
		copy(dv[gc*st.p.VDim:(gc+1)*st.p.VDim], st.dvAcc[c*st.p.VDim:(c+1)*st.p.VDim])
	}
}
