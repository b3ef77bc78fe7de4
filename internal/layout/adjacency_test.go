package layout

import "testing"

func snapshotWith(panels ...Panel) Snapshot {
	return Snapshot{ProjectID: "prj-1", Panels: panels, Width: 1000, Height: 1000, Scale: 1, Version: 1}
}

func TestFindRightNeighborDirectlyAdjacent(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10},
		Panel{ID: "B", X: 100, Y: 0, Width: 100, Height: 10},
		Panel{ID: "C", X: 0, Y: 50, Width: 100, Height: 10},
	)

	peek, ok := FindRightNeighbor(snap, "A")
	if !ok {
		t.Fatal("expected a right neighbor for A")
	}
	if peek.PanelID != "B" {
		t.Errorf("expected B, got %s", peek.PanelID)
	}
	if peek.NavigateTo != "panel:B" {
		t.Errorf("unexpected navigation reference %q", peek.NavigateTo)
	}

	// C is vertically offset with no span overlap; it never qualifies.
	if _, ok := FindRightNeighbor(snap, "C"); ok {
		t.Error("C has no right neighbor")
	}
}

func TestFindRightNeighborWithinTolerance(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10},
		Panel{ID: "B", X: 100.4, Y: 0, Width: 100, Height: 10},
	)
	if peek, ok := FindRightNeighbor(snap, "A"); !ok || peek.PanelID != "B" {
		t.Errorf("expected B within 0.5 ft tolerance, got %+v ok=%v", peek, ok)
	}

	snap = snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10},
		Panel{ID: "B", X: 101, Y: 0, Width: 100, Height: 10},
	)
	if _, ok := FindRightNeighbor(snap, "A"); ok {
		t.Error("1 ft gap exceeds tolerance; no neighbor expected")
	}
}

func TestFindRightNeighborPicksClosestCentroid(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 10, Width: 100, Height: 20},
		// Overlaps A's span 10..30 from below; centroid far away.
		Panel{ID: "B", X: 100, Y: 24, Width: 100, Height: 40},
		// Same span as A; centroid matches exactly.
		Panel{ID: "C", X: 100, Y: 10, Width: 100, Height: 20},
	)
	peek, ok := FindRightNeighbor(snap, "A")
	if !ok || peek.PanelID != "C" {
		t.Errorf("expected C (closest centroid), got %+v ok=%v", peek, ok)
	}
}

func TestFindRightNeighborTieBreaksByID(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10},
		Panel{ID: "Z", X: 100, Y: 0, Width: 100, Height: 10},
		Panel{ID: "B", X: 100, Y: 0, Width: 100, Height: 10},
	)
	peek, ok := FindRightNeighbor(snap, "A")
	if !ok || peek.PanelID != "B" {
		t.Errorf("expected tie broken to B, got %+v ok=%v", peek, ok)
	}
}

func TestFindRightNeighborMinimumOverlap(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 100},
		// Overlap 10 ft of a 100 ft shorter span: below the 25% floor.
		Panel{ID: "B", X: 100, Y: 90, Width: 100, Height: 100},
	)
	if _, ok := FindRightNeighbor(snap, "A"); ok {
		t.Error("10% overlap should not qualify")
	}
}

func TestFindRightNeighborUnknownPanel(t *testing.T) {
	snap := snapshotWith(Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10})
	if _, ok := FindRightNeighbor(snap, "missing"); ok {
		t.Error("unknown panel must not resolve a neighbor")
	}
}

func TestPeekStatusSummarizesPatches(t *testing.T) {
	snap := snapshotWith(
		Panel{ID: "A", X: 0, Y: 0, Width: 100, Height: 10},
		Panel{ID: "B", X: 100, Y: 0, Width: 100, Height: 10, Patches: []Patch{
			{ID: "pt-1", PanelID: "B", X: 10, Y: 5, Radius: 2},
			{ID: "pt-2", PanelID: "B", X: 20, Y: 5, Radius: 2},
		}},
	)
	peek, ok := FindRightNeighbor(snap, "A")
	if !ok {
		t.Fatal("expected neighbor")
	}
	if peek.Status != "2 patches" {
		t.Errorf("unexpected status %q", peek.Status)
	}
}
