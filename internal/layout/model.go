// Package layout holds the canonical versioned panel model for a project
// and the compare-and-swap mutation contract over it.
package layout

import (
	"math"
	"time"
)

// Panel is a rectangular liner sheet placed on the job-site layout.
// All geometry is in feet.
type Panel struct {
	ID       string  `json:"id"`
	Number   string  `json:"number,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation,omitempty"`
	Patches  []Patch `json:"patches,omitempty"`
}

// Patch is a circular repair annotation in panel-local coordinates (feet,
// origin at the panel's top-left corner).
type Patch struct {
	ID      string  `json:"id"`
	PanelID string  `json:"panelId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Radius  float64 `json:"radius"`
}

// Snapshot is a read-only copy of a project's committed layout state.
type Snapshot struct {
	ProjectID   string    `json:"projectId"`
	Panels      []Panel   `json:"panels"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Scale       float64   `json:"scale"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Op identifies a delta kind.
type Op string

const (
	OpAddPanel    Op = "add_panel"
	OpMovePanel   Op = "move_panel"
	OpResizePanel Op = "resize_panel"
	OpRotatePanel Op = "rotate_panel"
	OpDeletePanel Op = "delete_panel"
	OpAddPatch    Op = "add_patch"
	OpMovePatch   Op = "move_patch"
	OpDeletePatch Op = "delete_patch"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Delta is a single edit against a layout. Which fields are consulted
// depends on Op; unknown ops are rejected at apply time.
type Delta struct {
	Op       Op       `json:"op"`
	PanelID  string   `json:"panelId,omitempty"`
	PatchID  string   `json:"patchId,omitempty"`
	Panel    *Panel   `json:"panel,omitempty"`
	Patch    *Patch   `json:"patch,omitempty"`
	Position *Point   `json:"position,omitempty"`
	Size     *Size    `json:"size,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
}

// PatchPolicy derives the fixed patch diameter from a layout-wide density
// constant: PatchCount patches across a panel of ReferenceLength feet.
type PatchPolicy struct {
	ReferenceLength float64
	PatchCount      int
}

// DefaultPatchPolicy sizes 25 patches across a 100 ft reference panel
// (4 ft diameter).
var DefaultPatchPolicy = PatchPolicy{ReferenceLength: 100, PatchCount: 25}

// Radius returns the patch radius in feet.
func (p PatchPolicy) Radius() float64 {
	if p.PatchCount <= 0 || p.ReferenceLength <= 0 {
		return DefaultPatchPolicy.Radius()
	}
	return p.ReferenceLength / float64(p.PatchCount) / 2
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// clone returns a deep copy of the panel slice so snapshots never alias
// store-owned state.
func clonePanels(panels []Panel) []Panel {
	out := make([]Panel, len(panels))
	for i, panel := range panels {
		out[i] = panel
		if panel.Patches != nil {
			out[i].Patches = append([]Patch(nil), panel.Patches...)
		}
	}
	return out
}
