package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceEntry is one editor's last acknowledged position in a project's
// version stream. Entries expire on their own, so a crashed client drops off
// the roster without any cleanup pass.
type PresenceEntry struct {
	UserID  string    `json:"userId"`
	Version int64     `json:"version"`
	SeenAt  time.Time `json:"seenAt"`
}

// Presence tracks connected editors per project in Redis.
type Presence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewPresence(redisURL string, ttl time.Duration) (*Presence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewPresenceWithClient(client, ttl), nil
}

func NewPresenceWithClient(client *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &Presence{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (p *Presence) key(projectID, userID string) string {
	return p.prefix + projectID + ":" + userID
}

// Touch records userID as active on projectID at the given layout version and
// refreshes the entry's TTL.
func (p *Presence) Touch(ctx context.Context, projectID, userID string, version int64) error {
	entry := PresenceEntry{
		UserID:  userID,
		Version: version,
		SeenAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := p.client.Set(ctx, p.key(projectID, userID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("save presence entry: %w", err)
	}
	return nil
}

// Active lists the editors currently present on a project.
func (p *Presence) Active(ctx context.Context, projectID string) ([]PresenceEntry, error) {
	pattern := p.prefix + projectID + ":*"
	iter := p.client.Scan(ctx, 0, pattern, 0).Iterator()

	var entries []PresenceEntry
	for iter.Next(ctx) {
		data, err := p.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get presence entry: %w", err)
		}
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal presence entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence entries: %w", err)
	}
	return entries, nil
}

// Remove drops userID from projectID's roster.
func (p *Presence) Remove(ctx context.Context, projectID, userID string) error {
	if err := p.client.Del(ctx, p.key(projectID, userID)).Err(); err != nil {
		return fmt.Errorf("remove presence entry: %w", err)
	}
	return nil
}

func (p *Presence) Close() error {
	return p.client.Close()
}

func (p *Presence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
