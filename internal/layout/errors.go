package layout

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGeometry  = errors.New("invalid geometry")
	ErrDuplicatePanelID = errors.New("duplicate panel id")
	ErrDuplicatePatchID = errors.New("duplicate patch id")
	ErrPanelNotFound    = errors.New("panel not found")
	ErrPatchNotFound    = errors.New("patch not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrUnknownOp        = errors.New("unknown delta op")
)

// ConflictError reports an expectedVersion mismatch. It carries the
// authoritative snapshot so the caller can reply with a rebase payload
// without a second read.
type ConflictError struct {
	Expected int64
	Current  int64
	Snapshot Snapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func invalidGeometry(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGeometry, fmt.Sprintf(format, args...))
}
