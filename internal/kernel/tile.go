package kernel

import "fmt"

// tiling precomputes the tile grid for one invocation.
//
// The key/value axis is cut into column tiles of width kBlock and the
// query axis into row tiles of height qBlock. offset generalizes the
// causal alignment to k_len != q_len: query row r may attend to key
// column c iff r <= c + offset, so with a longer key context every
// query still sees its own past (incremental decoding).
type tiling struct {
	qBlock, kBlock int
	qLen, kLen     int
	qTiles, kTiles int
	offset         int // kLen - qLen
}

func newTiling(p Params) tiling {
	return tiling{
		qBlock: p.QBlock,
		kBlock: p.KBlock,
		qLen:   p.QLen,
		kLen:   p.KLen,
		qTiles: (p.QLen + p.QBlock - 1) / p.QBlock,
		kTiles: (p.KLen + p.KBlock - 1) / p.KBlock,
		offset: p.KLen - p.QLen,
	}
}

// colBase returns the global column index of a column tile's first entry.
func (t tiling) colBase(ci int) int {
	return ci * t.kBlock
}

// rowBase returns the global row index of a row tile's first entry.
func (t tiling) rowBase(rj int) int {
	return rj * t.qBlock
}

// colWidth returns the in-bounds width of a column tile.
func (t tiling) colWidth(ci int) int {
	return min(t.kBlock, t.kLen-t.colBase(ci))
}

// rowHeight returns the in-bounds height of a row tile.
func (t tiling) rowHeight(rj int) int {
	return min(t.qBlock, t.qLen-t.rowBase(rj))
}

// eligible reports whether query row r may attend to key column c
// under the causal alignment rule.
func (t tiling) eligible(r, c int, causal bool) bool {
	return !causal || r <= c+t.offset
}

// stageState tracks temporal ownership of the row-tile slabs in the
// staging area.
//
// The staging area is shared mutable scratch; correctness depends on a
// strict phase cycle per (column tile, row tile) pair:
//
//	stageEmpty   -> stageRows      -> stageStaged
//	stageStaged  -> accumulate     -> stageConsumed
//	stageConsumed-> flushRows      -> stageFlushed
//	stageFlushed -> stageRows      (next row tile)
//	stageFlushed -> stageColumns   (next column tile, back to stageEmpty)
//
// On the CPU this sequential cycle is what the GPU kernel's four-phase
// barrier protocol enforces across a thread tile. A transition outside
// the cycle is a protocol bug, not a data error, so it panics.
type stageState int

const (
	stageEmpty stageState = iota
	stageStaged
	stageConsumed
	stageFlushed
)

func (s stageState) String() string {
	switch s {
	case stageEmpty:
		return "empty"
	case stageStaged:
		return "staged"
	case stageConsumed:
		return "consumed"
	case stageFlushed:
		return "flushed"
	default:
		return "invalid"
	}
}

// advance asserts a legal protocol transition and returns the new state.
func (s stageState) advance(to stageState) stageState {
	ok := false
	switch to {
	case stageEmpty:
		ok = s == stageEmpty || s == stageFlushed
	case stageStaged:
		ok = s == stageEmpty || s == stageFlushed
	case stageConsumed:
		ok = s == stageStaged
	case stageFlushed:
		ok = s == stageConsumed
	}
	if !ok {
		panic(fmt.Sprintf("kernel: staging protocol violation: %s -> %s", s, to))
	}
	return to
}
