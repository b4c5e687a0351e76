package kernel

import "testing"

func TestTilingGeometry(t *testing.T) {
	p := testParams(1, 1, 10, 13, 4, 4)
	p.QBlock, p.KBlock = 4, 5
	tl := newTiling(p)

	if tl.qTiles != 3 || tl.kTiles != 3 {
		t.Fatalf("Tile counts = %dx%d, want 3x3", tl.qTiles, tl.kTiles)
	}
	if tl.offset != 3 {
		t.Fatalf("Offset = %d, want 3", tl.offset)
	}

	// Last tiles on each axis are ragged.
	if got := tl.rowHeight(2); got != 2 {
		t.Errorf("rowHeight(2) = %d, want 2", got)
	}
	if got := tl.colWidth(2); got != 3 {
		t.Errorf("colWidth(2) = %d, want 3", got)
	}
	if got := tl.rowBase(2); got != 8 {
		t.Errorf("rowBase(2) = %d, want 8", got)
	}
	if got := tl.colBase(1); got != 5 {
		t.Errorf("colBase(1) = %d, want 5", got)
	}

	// Tiles jointly cover both axes exactly.
	rows := 0
	for rj := 0; rj < tl.qTiles; rj++ {
		rows += tl.rowHeight(rj)
	}
	cols := 0
	for ci := 0; ci < tl.kTiles; ci++ {
		cols += tl.colWidth(ci)
	}
	if rows != p.QLen || cols != p.KLen {
		t.Errorf("Tile coverage = %d rows, %d cols, want %d, %d", rows, cols, p.QLen, p.KLen)
	}
}

func TestTilingEligible(t *testing.T) {
	cases := []struct {
		qLen, kLen int
		r, c       int
		causal     bool
		want       bool
	}{
		{6, 6, 3, 3, true, true},
		{6, 6, 3, 2, true, false},
		{6, 6, 3, 2, false, true}, // non-causal sees everything
		{6, 6, 5, 0, true, false},
		{4, 7, 3, 6, true, true}, // offset 3: every pair is in the window
		{4, 7, 0, 0, true, true},
		{5, 3, 0, 2, true, true}, // offset -2: row 0 sees only column 2
		{5, 3, 1, 2, true, false},
	}

	for _, tc := range cases {
		p := testParams(1, 1, tc.qLen, tc.kLen, 2, 2)
		tl := newTiling(p)
		if got := tl.eligible(tc.r, tc.c, tc.causal); got != tc.want {
			t.Errorf("eligible(r=%d, c=%d, causal=%v) with %dx%d = %v, want %v",
				tc.r, tc.c, tc.causal, tc.qLen, tc.kLen, got, tc.want)
		}
	}
}

func TestStageStateCycle(t *testing.T) {
	s := stageEmpty
	for cycle := 0; cycle < 3; cycle++ {
		s = s.advance(stageStaged)
		s = s.advance(stageConsumed)
		s = s.advance(stageFlushed)
	}
	// A new column tile resets the staging area.
	s = s.advance(stageEmpty)
	if s != stageEmpty {
		t.Fatalf("State after reset = %s, want empty", s)
	}
}

func TestStageStateViolationPanics(t *testing.T) {
	bad := []struct {
		from, to stageState
	}{
		{stageEmpty, stageConsumed},
		{stageEmpty, stageFlushed},
		{stageStaged, stageStaged},
		{stageStaged, stageFlushed},
		{stageConsumed, stageStaged},
		{stageConsumed, stageEmpty},
		{stageFlushed, stageConsumed},
	}

	for _, tc := range bad {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("advance(%s -> %s) did not panic", tc.from, tc.to)
				}
			}()
			tc.from.advance(tc.to)
		}()
	}
}
