package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisMirror stores the online set of one node in a Redis set
// (<prefix>:<node>) that expires unless refreshed.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror connects to url and verifies the connection.
func NewRedisMirror(ctx context.Context, url, nodeID string, ttl time.Duration) (*RedisMirror, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("presence: empty redis url")
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, errors.New("presence: empty node id")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("presence: redis ping: %w", err)
	}

	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: c, key: Key(nodeID), ttl: ttl}, nil
}

// Key returns the Redis key holding nodeID's online set.
func Key(nodeID string) string { return "tandem:presence:" + nodeID }

// Publish atomically replaces the node's online set.
func (m *RedisMirror) Publish(ctx context.Context, online []string) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, m.key)
		if len(online) > 0 {
			members := make([]any, 0, len(online))
			for _, uid := range online {
				members = append(members, uid)
			}
			p.SAdd(ctx, m.key, members...)
			p.Expire(ctx, m.key, m.ttl)
		}
		return nil
	})
	return err
}

// Members reads the node's published online set.
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}

// Close removes the node's set and closes the client.
func (m *RedisMirror) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.client.Del(ctx, m.key).Err()
	return m.client.Close()
}
