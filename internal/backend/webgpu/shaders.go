//go:build windows

package webgpu

// Shader tile capacities. One workgroup covers one (batch, head) pair
// with a qTileSize x kTileSize thread tile; vector dimensions are
// bounded by maxHeadDim because the staging arrays are sized at
// pipeline compile time.
const (
	qTileSize  = 16
	kTileSize  = 16
	maxHeadDim = 64
)

// forwardShader is the tiled cosine-similarity attention forward
// kernel.
//
// Thread (x, y) owns the (query row x, key column y) pair of the
// current tile. The outer loop streams key/value column tiles through
// workgroup memory, the inner loop streams query row tiles, and the
// four workgroupBarrier() calls separate the staging, accumulation, and
// flush phases so no thread reads a slab another thread is still
// writing. Running row sums and output accumulators are shared by all
// column threads of a row and are therefore updated with atomic
// compare-exchange float adds (WGSL has no native f32 atomicAdd).
//
// Between column tiles the global out/rowsum entries hold partial sums;
// the flush in phase (d) overwrites them each iteration and the final
// iteration leaves the completed values.
const forwardShader = `
@group(0) @binding(0) var<storage, read> q: array<f32>;
@group(0) @binding(1) var<storage, read> k: array<f32>;
@group(0) @binding(2) var<storage, read> v: array<f32>;
@group(0) @binding(3) var<storage, read> mask: array<u32>;
@group(0) @binding(4) var<storage, read_write> out: array<f32>;
@group(0) @binding(5) var<storage, read_write> rowsum: array<f32>;

struct Params {
    q_len: u32,
    k_len: u32,
    k_dim: u32,
    v_dim: u32,
    heads: u32,
    scale: f32,
    causal: u32,
    _pad: u32,
}
@group(0) @binding(6) var<uniform> params: Params;

const QB: u32 = 16u;
const KB: u32 = 16u;
const MAXD: u32 = 64u;

var<workgroup> q_tile: array<f32, 1024>;   // QB * MAXD
var<workgroup> k_tile: array<f32, 1024>;   // KB * MAXD
var<workgroup> v_tile: array<f32, 1024>;   // KB * MAXD
var<workgroup> col_ok: array<u32, 16>;     // KB
var<workgroup> row_sum: array<atomic<u32>, 16>;    // QB
var<workgroup> row_acc: array<atomic<u32>, 1024>;  // QB * MAXD

fn atomic_add_f32(p: ptr<workgroup, atomic<u32>>, val: f32) {
    loop {
        let old = atomicLoad(p);
        let updated = bitcast<u32>(bitcast<f32>(old) + val);
        let r = atomicCompareExchangeWeak(p, old, updated);
        if (r.exchanged) {
            break;
        }
    }
}

@compute @workgroup_size(16, 16)
fn main(
    @builtin(local_invocation_id) lid: vec3<u32>,
    @builtin(workgroup_id) wid: vec3<u32>,
) {
    let row_t = lid.x; // query row within the tile
    let col_t = lid.y; // key/value column within the tile

    let head = wid.x;
    let batch = wid.y;

    let q_base = (batch * params.heads + head) * params.q_len;
    let kv_base = (batch * params.heads + head) * params.k_len;
    let mask_base = batch * params.k_len;

    // Alignment offset generalizing causal masking to k_len != q_len.
    let offset = i32(params.k_len) - i32(params.q_len);

    let k_tiles = (params.k_len + KB - 1u) / KB;
    let q_tiles = (params.q_len + QB - 1u) / QB;

    for (var ci: u32 = 0u; ci < k_tiles; ci = ci + 1u) {
        // Phase (a): stage the column tile of keys and values.
        if (row_t == 0u) {
            let gc = ci * KB + col_t;
            if (gc < params.k_len) {
                col_ok[col_t] = mask[mask_base + gc];
                for (var d: u32 = 0u; d < params.k_dim; d = d + 1u) {
                    k_tile[col_t * MAXD + d] = k[(kv_base + gc) * params.k_dim + d];
                }
                for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
                    v_tile[col_t * MAXD + d] = v[(kv_base + gc) * params.v_dim + d];
                }
            } else {
                col_ok[col_t] = 0u;
            }
        }
        workgroupBarrier();

        for (var rj: u32 = 0u; rj < q_tiles; rj = rj + 1u) {
            let gr = rj * QB + row_t;
            let gc = ci * KB + col_t;

            // Phase (b): stage the row tile of queries and its running
            // accumulators (zeroed on the first column tile, reloaded
            // from the global partials afterwards).
            if (col_t == 0u && gr < params.q_len) {
                for (var d: u32 = 0u; d < params.k_dim; d = d + 1u) {
                    q_tile[row_t * MAXD + d] = q[(q_base + gr) * params.k_dim + d];
                }
                if (ci == 0u) {
                    atomicStore(&row_sum[row_t], bitcast<u32>(0.0));
                    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
                        atomicStore(&row_acc[row_t * MAXD + d], bitcast<u32>(0.0));
                    }
                } else {
                    atomicStore(&row_sum[row_t], bitcast<u32>(rowsum[q_base + gr]));
                    for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
                        atomicStore(&row_acc[row_t * MAXD + d],
                            bitcast<u32>(out[(q_base + gr) * params.v_dim + d]));
                    }
                }
            }
            workgroupBarrier();

            // Phase (c): accumulate this thread's (row, column)
            // contribution.
            var eligible = gr < params.q_len && gc < params.k_len && col_ok[col_t] == 1u;
            if (params.causal == 1u && i32(gr) > i32(gc) + offset) {
                eligible = false;
            }
            if (eligible) {
                var sim: f32 = 0.0;
                for (var d: u32 = 0u; d < params.k_dim; d = d + 1u) {
                    sim = sim + q_tile[row_t * MAXD + d] * k_tile[col_t * MAXD + d];
                }
                // Fixed-constant stabilization; exponent <= 0 for
                // unit-normalized inputs.
                let e = exp(params.scale * sim - params.scale);
                atomic_add_f32(&row_sum[row_t], e);
                for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
                    atomic_add_f32(&row_acc[row_t * MAXD + d], e * v_tile[col_t * MAXD + d]);
                }
            }
            workgroupBarrier();

            // Phase (d): the column-zero thread flushes the row's
            // running accumulators to the global buffers.
            if (col_t == 0u && gr < params.q_len) {
                rowsum[q_base + gr] = bitcast<f32>(atomicLoad(&row_sum[row_t]));
                for (var d: u32 = 0u; d < params.v_dim; d = d + 1u) {
                    out[(q_base + gr) * params.v_dim + d] =
                        bitcast<f32>(atomicLoad(&row_acc[row_t * MAXD + d]));
                }
            }
            workgroupBarrier();
        }
    }
}
`
