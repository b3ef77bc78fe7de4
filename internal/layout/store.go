package layout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Record is the persistence shape for a project's layout.
type Record struct {
	ProjectID   string
	Panels      []Panel
	Width       float64
	Height      float64
	Scale       float64
	Version     int64
	LastUpdated time.Time
}

// Persister commits layout records durably. SaveLayout is called inside the
// project's serialization unit; it must be atomic per call.
type Persister interface {
	SaveLayout(ctx context.Context, rec Record) error
	LoadLayout(ctx context.Context, projectID string) (Record, error)
}

// ErrLayoutNotPersisted is returned by a Persister when no layout row exists
// for the project yet.
var ErrLayoutNotPersisted = errors.New("layout not persisted")

// Store is the single owner of panel and patch mutation. All writes go
// through ApplyDelta's compare-and-swap contract; each project gets its own
// serialization unit so unrelated projects never block each other.
type Store struct {
	persister Persister
	policy    PatchPolicy

	mu       sync.Mutex
	projects map[string]*projectState
}

type projectState struct {
	mu  sync.Mutex
	rec Record
}

func NewStore(persister Persister, policy PatchPolicy) *Store {
	if policy.PatchCount <= 0 {
		policy = DefaultPatchPolicy
	}
	return &Store{
		persister: persister,
		policy:    policy,
		projects:  make(map[string]*projectState),
	}
}

// Create registers an empty layout at version 0 for a project. Fails if the
// project already holds a layout.
func (s *Store) Create(ctx context.Context, projectID string, width, height, scale float64) error {
	if scale <= 0 {
		return invalidGeometry("scale %v must be positive", scale)
	}
	if width <= 0 || height <= 0 || !finite(width, height, scale) {
		return invalidGeometry("layout dimensions %vx%v must be positive", width, height)
	}
	state, err := s.state(ctx, projectID)
	if err == nil && state != nil {
		return fmt.Errorf("layout for project %s already exists", projectID)
	}
	// Only a definitive "no layout exists" may proceed; a load failure must
	// not let Create overwrite a layout it could not see.
	if err != nil && !errors.Is(err, ErrProjectNotFound) {
		return err
	}
	rec := Record{
		ProjectID:   projectID,
		Panels:      []Panel{},
		Width:       width,
		Height:      height,
		Scale:       scale,
		Version:     0,
		LastUpdated: time.Now().UTC(),
	}
	if err := s.persister.SaveLayout(ctx, rec); err != nil {
		return fmt.Errorf("persist new layout: %w", err)
	}
	s.mu.Lock()
	s.projects[projectID] = &projectState{rec: rec}
	s.mu.Unlock()
	return nil
}

// state returns the serialization unit for projectID, loading the record
// from the persister on first touch. Returns ErrProjectNotFound when the
// project has no layout anywhere.
func (s *Store) state(ctx context.Context, projectID string) (*projectState, error) {
	s.mu.Lock()
	state, ok := s.projects[projectID]
	s.mu.Unlock()
	if ok {
		return state, nil
	}

	rec, err := s.persister.LoadLayout(ctx, projectID)
	if errors.Is(err, ErrLayoutNotPersisted) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load layout %s: %w", projectID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded it while we hit the persister.
	if state, ok := s.projects[projectID]; ok {
		return state, nil
	}
	state = &projectState{rec: rec}
	s.projects[projectID] = state
	return state, nil
}

// ApplyDelta validates and commits one delta under optimistic concurrency.
// On expectedVersion mismatch it returns *ConflictError carrying the
// authoritative snapshot; on validation failure the state is untouched.
// Version increments only for accepted deltas.
func (s *Store) ApplyDelta(ctx context.Context, projectID string, delta Delta, expectedVersion int64) (int64, error) {
	state, err := s.state(ctx, projectID)
	if err != nil {
		return 0, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.rec.Version != expectedVersion {
		return 0, &ConflictError{
			Expected: expectedVersion,
			Current:  state.rec.Version,
			Snapshot: snapshotOf(state.rec),
		}
	}

	next := state.rec
	next.Panels = clonePanels(state.rec.Panels)
	if err := s.apply(&next, delta); err != nil {
		return 0, err
	}
	next.Version = state.rec.Version + 1
	next.LastUpdated = time.Now().UTC()

	if err := s.persister.SaveLayout(ctx, next); err != nil {
		// No partial application: in-memory state is untouched.
		return 0, fmt.Errorf("persist layout %s: %w", projectID, err)
	}
	state.rec = next
	return next.Version, nil
}

// Snapshot returns a read-only deep copy of the project's committed state.
func (s *Store) Snapshot(ctx context.Context, projectID string) (Snapshot, error) {
	state, err := s.state(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshotOf(state.rec), nil
}

// PanelExists reports whether panelID is present in the project's current
// layout version. Used by QC ingestion for panel-existence validation.
func (s *Store) PanelExists(ctx context.Context, projectID, panelID string) (bool, error) {
	snap, err := s.Snapshot(ctx, projectID)
	if err != nil {
		return false, err
	}
	for _, panel := range snap.Panels {
		if panel.ID == panelID {
			return true, nil
		}
	}
	return false, nil
}

func snapshotOf(rec Record) Snapshot {
	return Snapshot{
		ProjectID:   rec.ProjectID,
		Panels:      clonePanels(rec.Panels),
		Width:       rec.Width,
		Height:      rec.Height,
		Scale:       rec.Scale,
		Version:     rec.Version,
		LastUpdated: rec.LastUpdated,
	}
}

func (s *Store) apply(rec *Record, delta Delta) error {
	switch delta.Op {
	case OpAddPanel:
		return s.addPanel(rec, delta)
	case OpMovePanel:
		return s.movePanel(rec, delta)
	case OpResizePanel:
		return s.resizePanel(rec, delta)
	case OpRotatePanel:
		return s.rotatePanel(rec, delta)
	case OpDeletePanel:
		return s.deletePanel(rec, delta)
	case OpAddPatch:
		return s.addPatch(rec, delta)
	case OpMovePatch:
		return s.movePatch(rec, delta)
	case OpDeletePatch:
		return s.deletePatch(rec, delta)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, delta.Op)
	}
}

func (s *Store) addPanel(rec *Record, delta Delta) error {
	if delta.Panel == nil || delta.Panel.ID == "" {
		return invalidGeometry("add_panel requires a panel with an id")
	}
	panel := *delta.Panel
	panel.Patches = nil
	for _, existing := range rec.Panels {
		if existing.ID == panel.ID {
			return fmt.Errorf("%w: %s", ErrDuplicatePanelID, panel.ID)
		}
	}
	if err := validatePanelBounds(rec, panel); err != nil {
		return err
	}
	rec.Panels = append(rec.Panels, panel)
	return nil
}

func (s *Store) movePanel(rec *Record, delta Delta) error {
	if delta.Position == nil {
		return invalidGeometry("move_panel requires a position")
	}
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	moved := *panel
	moved.X = delta.Position.X
	moved.Y = delta.Position.Y
	if err := validatePanelBounds(rec, moved); err != nil {
		return err
	}
	panel.X = moved.X
	panel.Y = moved.Y
	return nil
}

func (s *Store) resizePanel(rec *Record, delta Delta) error {
	if delta.Size == nil {
		return invalidGeometry("resize_panel requires a size")
	}
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	resized := *panel
	resized.Width = delta.Size.Width
	resized.Height = delta.Size.Height
	if err := validatePanelBounds(rec, resized); err != nil {
		return err
	}
	// A shrink must not orphan patches outside the new rectangle.
	for _, patch := range panel.Patches {
		if err := validatePatchContainment(resized, patch); err != nil {
			return err
		}
	}
	panel.Width = resized.Width
	panel.Height = resized.Height
	return nil
}

func (s *Store) rotatePanel(rec *Record, delta Delta) error {
	if delta.Rotation == nil || !finite(*delta.Rotation) {
		return invalidGeometry("rotate_panel requires a finite rotation")
	}
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	panel.Rotation = *delta.Rotation
	return nil
}

func (s *Store) deletePanel(rec *Record, delta Delta) error {
	for i, panel := range rec.Panels {
		if panel.ID == delta.PanelID {
			rec.Panels = append(rec.Panels[:i], rec.Panels[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
}

func (s *Store) addPatch(rec *Record, delta Delta) error {
	if delta.Patch == nil || delta.Patch.ID == "" {
		return invalidGeometry("add_patch requires a patch with an id")
	}
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	patch := *delta.Patch
	patch.PanelID = panel.ID
	if patch.Radius == 0 {
		patch.Radius = s.policy.Radius()
	}
	for _, existing := range panel.Patches {
		if existing.ID == patch.ID {
			return fmt.Errorf("%w: %s", ErrDuplicatePatchID, patch.ID)
		}
	}
	if err := validatePatchContainment(*panel, patch); err != nil {
		return err
	}
	panel.Patches = append(panel.Patches, patch)
	return nil
}

func (s *Store) movePatch(rec *Record, delta Delta) error {
	if delta.Position == nil {
		return invalidGeometry("move_patch requires a position")
	}
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	for i, patch := range panel.Patches {
		if patch.ID == delta.PatchID {
			moved := patch
			moved.X = delta.Position.X
			moved.Y = delta.Position.Y
			if err := validatePatchContainment(*panel, moved); err != nil {
				return err
			}
			panel.Patches[i] = moved
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPatchNotFound, delta.PatchID)
}

func (s *Store) deletePatch(rec *Record, delta Delta) error {
	panel := findPanel(rec, delta.PanelID)
	if panel == nil {
		return fmt.Errorf("%w: %s", ErrPanelNotFound, delta.PanelID)
	}
	for i, patch := range panel.Patches {
		if patch.ID == delta.PatchID {
			panel.Patches = append(panel.Patches[:i], panel.Patches[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPatchNotFound, delta.PatchID)
}

func findPanel(rec *Record, panelID string) *Panel {
	for i := range rec.Panels {
		if rec.Panels[i].ID == panelID {
			return &rec.Panels[i]
		}
	}
	return nil
}

func validatePanelBounds(rec *Record, panel Panel) error {
	if !finite(panel.X, panel.Y, panel.Width, panel.Height, panel.Rotation) {
		return invalidGeometry("panel %s has non-finite geometry", panel.ID)
	}
	if panel.X < 0 || panel.Y < 0 || panel.Width <= 0 || panel.Height <= 0 {
		return invalidGeometry("panel %s has negative or empty geometry", panel.ID)
	}
	if panel.X+panel.Width > rec.Width || panel.Y+panel.Height > rec.Height {
		return invalidGeometry("panel %s exceeds layout bounds %vx%v", panel.ID, rec.Width, rec.Height)
	}
	return nil
}

func validatePatchContainment(panel Panel, patch Patch) error {
	if !finite(patch.X, patch.Y, patch.Radius) {
		return invalidGeometry("patch %s has non-finite geometry", patch.ID)
	}
	if patch.Radius <= 0 {
		return invalidGeometry("patch %s has non-positive radius", patch.ID)
	}
	if patch.X-patch.Radius < 0 || patch.Y-patch.Radius < 0 ||
		patch.X+patch.Radius > panel.Width || patch.Y+patch.Radius > panel.Height {
		return invalidGeometry("patch %s not contained by panel %s", patch.ID, panel.ID)
	}
	return nil
}
