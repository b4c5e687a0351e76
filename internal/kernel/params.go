// Package kernel implements the tiled cosine-similarity attention
// forward and backward engines.
//
// Both engines compute one independent worker group per (batch, head)
// pair over plain row-major float buffers. The full q_len x k_len score
// matrix is never materialized: keys and values are streamed through a
// per-group staging area one column tile at a time, and per-query
// running sums and output accumulators are carried in the staging area
// and written through to the global buffers between tiles.
//
// The kernels assume queries and keys have been unit-normalized
// upstream. Scores are stabilized by subtracting the fixed constant
// Scale before exponentiating, which bounds the exponent above by zero
// only because cosine similarities lie in [-1, 1]. This is not a
// general-purpose softmax; see L2Normalize.
package kernel

// Params describes one kernel invocation. The dispatch layer validates
// shapes before building Params; the kernels trust it.
type Params struct {
	Batch int // Number of batch entries.
	Heads int // Attention heads per batch entry.
	QLen  int // Query sequence length.
	KLen  int // Key/value sequence length.
	KDim  int // Query/key vector dimension.
	VDim  int // Value vector dimension.

	Scale  float64 // Similarity scale; also the stabilizing shift.
	Causal bool    // Restrict attention to non-future key columns.

	QBlock int // Query rows per tile.
	KBlock int // Key/value columns per tile.
}

// Groups returns the number of independent worker groups.
func (p Params) Groups() int {
	return p.Batch * p.Heads
}
