package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupPresence(t *testing.T, ttl time.Duration) (*Presence, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewPresenceWithClient(client, ttl), s
}

func TestTouchAndActive(t *testing.T) {
	p, _ := setupPresence(t, time.Minute)
	defer p.Close()
	ctx := context.Background()

	if err := p.Touch(ctx, "prj-1", "alice", 3); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := p.Touch(ctx, "prj-1", "bob", 5); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := p.Touch(ctx, "prj-2", "carol", 1); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	entries, err := p.Active(ctx, "prj-1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for prj-1, got %d", len(entries))
	}
	versions := map[string]int64{}
	for _, e := range entries {
		versions[e.UserID] = e.Version
	}
	if versions["alice"] != 3 || versions["bob"] != 5 {
		t.Errorf("unexpected versions: %v", versions)
	}
}

func TestTouchRefreshesVersion(t *testing.T) {
	p, _ := setupPresence(t, time.Minute)
	defer p.Close()
	ctx := context.Background()

	if err := p.Touch(ctx, "prj-1", "alice", 1); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := p.Touch(ctx, "prj-1", "alice", 7); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	entries, err := p.Active(ctx, "prj-1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Version != 7 {
		t.Errorf("expected single entry at version 7, got %+v", entries)
	}
}

func TestEntriesExpire(t *testing.T) {
	p, s := setupPresence(t, 10*time.Second)
	defer p.Close()
	ctx := context.Background()

	if err := p.Touch(ctx, "prj-1", "alice", 2); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(11 * time.Second)

	entries, err := p.Active(ctx, "prj-1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected expired roster, got %+v", entries)
	}
}

func TestRemove(t *testing.T) {
	p, _ := setupPresence(t, time.Minute)
	defer p.Close()
	ctx := context.Background()

	if err := p.Touch(ctx, "prj-1", "alice", 2); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := p.Remove(ctx, "prj-1", "alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	entries, err := p.Active(ctx, "prj-1")
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty roster after remove, got %+v", entries)
	}

	// Removing an absent entry is not an error.
	if err := p.Remove(ctx, "prj-1", "ghost"); err != nil {
		t.Errorf("Remove of absent entry failed: %v", err)
	}
}
