package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

// Presence mirrors room membership into redis sets (room:<id>:peers) so
// other tooling can see who is online. The relay never reads it back.
type Presence struct {
	client *redis.Client
}

// Connect opens the redis client and checks it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Presence{client: client}, nil
}

// Close closes the Redis connection
func (p *Presence) Close() error {
	return p.client.Close()
}

// Join adds participant to the room's member set and refreshes its expiry.
func (p *Presence) Join(ctx context.Context, room, participant string) error {
	key := peersKey(room)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, participant)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror join %s: %w", room, err)
	}
	return nil
}

// Leave removes participant from the room's member set.
func (p *Presence) Leave(ctx context.Context, room, participant string) error {
	if err := p.client.SRem(ctx, peersKey(room), participant).Err(); err != nil {
		return fmt.Errorf("mirror leave %s: %w", room, err)
	}
	return nil
}

func peersKey(room string) string {
	return "room:" + room + ":peers"
}
