package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "request_status:"

// Entry is the cached view of a request's pipeline position.
type Entry struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache mirrors request status into Redis under request_status:<id>
// with a TTL, giving dashboards a cheap read path that never touches
// the store. The store stays authoritative; a cache miss is not an
// error condition.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects a Cache to the given Redis address.
func New(addr string, ttl time.Duration) *Cache {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

// Set writes the request's current position, refreshing the TTL.
func (c *Cache) Set(ctx context.Context, requestID, stage, status string) error {
	entry := Entry{
		RequestID: requestID,
		Stage:     stage,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+requestID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching status for %s: %w", requestID, err)
	}
	return nil
}

// Get reads a cached entry. ok is false on a miss.
func (c *Cache) Get(ctx context.Context, requestID string) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}
