package layout

import (
	"fmt"
	"math"
	"sort"
)

const (
	// A candidate's left edge must sit within this many feet of the
	// queried panel's right edge.
	alignmentTolerance = 0.5
	// Vertical spans must overlap by at least this fraction of the
	// shorter panel's height.
	minOverlapFraction = 0.25
)

// NeighborPeek is a lightweight cross-reference to the panel immediately to
// the right, used for field navigation across panel boundaries.
type NeighborPeek struct {
	PanelID     string `json:"panelId"`
	PanelNumber string `json:"panelNumber,omitempty"`
	Status      string `json:"status"`
	NavigateTo  string `json:"navigateTo"`
}

// FindRightNeighbor resolves the panel spatially adjacent to the right of
// panelID in the snapshot. Pure function of the snapshot; safe for
// concurrent calls. Returns false when no candidate qualifies.
func FindRightNeighbor(snap Snapshot, panelID string) (NeighborPeek, bool) {
	var queried *Panel
	for i := range snap.Panels {
		if snap.Panels[i].ID == panelID {
			queried = &snap.Panels[i]
			break
		}
	}
	if queried == nil {
		return NeighborPeek{}, false
	}

	rightEdge := queried.X + queried.Width
	queriedCentroid := queried.Y + queried.Height/2

	var candidates []Panel
	for _, panel := range snap.Panels {
		if panel.ID == queried.ID {
			continue
		}
		if math.Abs(panel.X-rightEdge) > alignmentTolerance {
			continue
		}
		overlap := math.Min(queried.Y+queried.Height, panel.Y+panel.Height) - math.Max(queried.Y, panel.Y)
		shorter := math.Min(queried.Height, panel.Height)
		if shorter <= 0 || overlap < shorter*minOverlapFraction {
			continue
		}
		candidates = append(candidates, panel)
	}
	if len(candidates) == 0 {
		return NeighborPeek{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := math.Abs(candidates[i].Y + candidates[i].Height/2 - queriedCentroid)
		dj := math.Abs(candidates[j].Y + candidates[j].Height/2 - queriedCentroid)
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})

	best := candidates[0]
	return NeighborPeek{
		PanelID:     best.ID,
		PanelNumber: best.Number,
		Status:      peekStatus(best),
		NavigateTo:  "panel:" + best.ID,
	}, true
}

func peekStatus(panel Panel) string {
	if len(panel.Patches) == 0 {
		return "clear"
	}
	if len(panel.Patches) == 1 {
		return "1 patch"
	}
	return fmt.Sprintf("%d patches", len(panel.Patches))
}
