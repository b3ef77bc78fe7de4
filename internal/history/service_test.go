package history

import (
	"testing"

	"geoliner/api/internal/layout"
)

func testSnapshot(version int64, panelIDs ...string) layout.Snapshot {
	panels := make([]layout.Panel, 0, len(panelIDs))
	for i, id := range panelIDs {
		panels = append(panels, layout.Panel{ID: id, X: float64(i) * 110, Y: 0, Width: 100, Height: 10})
	}
	return layout.Snapshot{
		ProjectID: "prj-1",
		Panels:    panels,
		Width:     1000,
		Height:    500,
		Scale:     2,
		Version:   version,
	}
}

func TestCommitAndHistory(t *testing.T) {
	svc := New(t.TempDir())

	first, err := svc.CommitSnapshot("prj-1", testSnapshot(1, "P-001"), "alice", "")
	if err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if first.Version != 1 || first.Author != "alice" {
		t.Errorf("unexpected commit info: %+v", first)
	}

	if _, err := svc.CommitSnapshot("prj-1", testSnapshot(2, "P-001", "P-002"), "bob", ""); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	items, err := svc.History("prj-1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(items))
	}
	// Newest first.
	if items[0].Version != 2 || items[1].Version != 1 {
		t.Errorf("unexpected history order: %+v", items)
	}
}

func TestSnapshotAtRecoversLayout(t *testing.T) {
	svc := New(t.TempDir())

	info, err := svc.CommitSnapshot("prj-1", testSnapshot(1, "P-001"), "alice", "")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := svc.CommitSnapshot("prj-1", testSnapshot(2, "P-001", "P-002"), "alice", ""); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	snap, err := svc.SnapshotAt("prj-1", info.Hash)
	if err != nil {
		t.Fatalf("SnapshotAt failed: %v", err)
	}
	if snap.Version != 1 || len(snap.Panels) != 1 || snap.Panels[0].ID != "P-001" {
		t.Errorf("recovered snapshot wrong: %+v", snap)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	for v := int64(1); v <= 5; v++ {
		if _, err := svc.CommitSnapshot("prj-1", testSnapshot(v, "P-001"), "alice", ""); err != nil {
			t.Fatalf("commit %d failed: %v", v, err)
		}
	}
	items, err := svc.History("prj-1", 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("expected 3 commits with limit, got %d", len(items))
	}
}

func TestHistoryForUnknownProjectIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	items, err := svc.History("prj-404", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty history, got %+v", items)
	}
}

func TestProjectsAreIsolated(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.CommitSnapshot("prj-1", testSnapshot(1, "P-001"), "alice", ""); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	other := testSnapshot(1, "P-900")
	other.ProjectID = "prj-2"
	if _, err := svc.CommitSnapshot("prj-2", other, "bob", ""); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	items, err := svc.History("prj-1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(items) != 1 || items[0].Author != "alice" {
		t.Errorf("prj-1 history leaked: %+v", items)
	}
}
