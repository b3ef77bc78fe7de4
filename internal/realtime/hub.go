// Package realtime fans accepted layout deltas out to every connected editor
// of a project and answers stale edits with the authoritative snapshot.
package realtime

import (
	"context"
	"errors"
	"log"
	"sync"

	"geoliner/api/internal/layout"
	"geoliner/api/internal/util"
)

// Conn is one bidirectional client connection. The websocket adapter and the
// test fakes both satisfy it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Applier is the slice of the layout store the hub needs.
type Applier interface {
	ApplyDelta(ctx context.Context, projectID string, delta layout.Delta, expectedVersion int64) (int64, error)
	Snapshot(ctx context.Context, projectID string) (layout.Snapshot, error)
}

// Hub owns the per-project rooms. Apply and fan-out happen under the room's
// lock, so every subscriber observes versions in strictly increasing order.
type Hub struct {
	layouts  Applier
	presence *Presence // optional
	accepted func(projectID, userID string, delta layout.Delta, version int64)

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id        string
	userID    string
	projectID string
	conn      Conn
	send      chan ServerMessage
}

func NewHub(layouts Applier, presence *Presence) *Hub {
	return &Hub{
		layouts:  layouts,
		presence: presence,
		rooms:    make(map[string]*room),
	}
}

// OnAccepted registers a hook invoked after each accepted delta, outside the
// room lock. The app layer uses it for history commits.
func (h *Hub) OnAccepted(fn func(projectID, userID string, delta layout.Delta, version int64)) {
	h.accepted = fn
}

// Serve runs one client's session until the connection drops. The first frame
// out is always the current snapshot, so the client never edits blind.
func (h *Hub) Serve(ctx context.Context, projectID, userID string, conn Conn) error {
	snap, err := h.layouts.Snapshot(ctx, projectID)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c := &client{
		id:        util.NewID("cli"),
		userID:    userID,
		projectID: projectID,
		conn:      conn,
		send:      make(chan ServerMessage, 64),
	}
	r := h.room(projectID)
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	go c.writeLoop()
	defer h.drop(ctx, c)

	c.enqueue(ServerMessage{Kind: KindSnapshot, Snapshot: &snap, Version: snap.Version})
	h.touch(ctx, projectID, userID, snap.Version)

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		if msg.Kind != KindDelta || msg.Delta == nil {
			c.enqueue(ServerMessage{Kind: KindError, Code: "bad_message", Message: "expected a delta frame"})
			continue
		}
		h.apply(ctx, c, *msg.Delta, msg.ExpectedVersion)
	}
}

func (h *Hub) apply(ctx context.Context, c *client, delta layout.Delta, expected int64) {
	r := h.room(c.projectID)
	r.mu.Lock()
	version, err := h.layouts.ApplyDelta(ctx, c.projectID, delta, expected)
	if err != nil {
		r.mu.Unlock()
		var conflict *layout.ConflictError
		if errors.As(err, &conflict) {
			snap := conflict.Snapshot
			c.enqueue(ServerMessage{Kind: KindConflict, Snapshot: &snap, Version: snap.Version})
			return
		}
		c.enqueue(ServerMessage{Kind: KindError, Code: errorCode(err), Message: err.Error()})
		return
	}
	// Peers get the delta; the sender gets an ack, never an echo.
	broadcast := ServerMessage{Kind: KindDelta, Delta: &delta, Version: version, Origin: c.userID}
	for peer := range r.clients {
		if peer != c {
			peer.enqueue(broadcast)
		}
	}
	r.mu.Unlock()

	c.enqueue(ServerMessage{Kind: KindAccepted, Version: version})
	h.touch(ctx, c.projectID, c.userID, version)
	if h.accepted != nil {
		h.accepted(c.projectID, c.userID, delta, version)
	}
}

// Apply commits a delta that arrived outside any connection, such as the HTTP
// edit path, and fans it out to every connected editor of the project. The
// apply and the fan-out share the room lock with connection-originated edits,
// so subscribers still observe versions in strictly increasing order.
func (h *Hub) Apply(ctx context.Context, projectID, userID string, delta layout.Delta, expected int64) (int64, error) {
	r := h.room(projectID)
	r.mu.Lock()
	version, err := h.layouts.ApplyDelta(ctx, projectID, delta, expected)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	broadcast := ServerMessage{Kind: KindDelta, Delta: &delta, Version: version, Origin: userID}
	for peer := range r.clients {
		peer.enqueue(broadcast)
	}
	r.mu.Unlock()

	if h.accepted != nil {
		h.accepted(projectID, userID, delta, version)
	}
	return version, nil
}

func (h *Hub) room(projectID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[projectID]
	if !ok {
		r = &room{clients: make(map[*client]struct{})}
		h.rooms[projectID] = r
	}
	return r
}

// drop removes the client from its room. The layout state is untouched; a
// disconnect is not an edit.
func (h *Hub) drop(ctx context.Context, c *client) {
	r := h.room(c.projectID)
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	close(c.send)

	if empty {
		h.mu.Lock()
		if r2, ok := h.rooms[c.projectID]; ok && r2 == r {
			r.mu.Lock()
			if len(r.clients) == 0 {
				delete(h.rooms, c.projectID)
			}
			r.mu.Unlock()
		}
		h.mu.Unlock()
	}

	if h.presence != nil {
		if err := h.presence.Remove(ctx, c.projectID, c.userID); err != nil {
			log.Printf("presence remove %s/%s: %v", c.projectID, c.userID, err)
		}
	}
}

func (h *Hub) touch(ctx context.Context, projectID, userID string, version int64) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Touch(ctx, projectID, userID, version); err != nil {
		log.Printf("presence touch %s/%s: %v", projectID, userID, err)
	}
}

// roomSize reports current membership; used by tests.
func (h *Hub) roomSize(projectID string) int {
	h.mu.Lock()
	r, ok := h.rooms[projectID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (c *client) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		// A client that cannot drain its buffer is disconnected rather than
		// allowed to stall the room.
		_ = c.conn.Close()
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.Close()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, layout.ErrInvalidGeometry):
		return "invalid_geometry"
	case errors.Is(err, layout.ErrDuplicatePanelID):
		return "duplicate_panel_id"
	case errors.Is(err, layout.ErrDuplicatePatchID):
		return "duplicate_patch_id"
	case errors.Is(err, layout.ErrPanelNotFound):
		return "panel_not_found"
	case errors.Is(err, layout.ErrPatchNotFound):
		return "patch_not_found"
	case errors.Is(err, layout.ErrProjectNotFound):
		return "project_not_found"
	case errors.Is(err, layout.ErrUnknownOp):
		return "unknown_op"
	default:
		return "internal"
	}
}
