// Package redisx wraps the redis client with the coordinator's ephemeral
// state: the dispatch queue, the completion inbox, single-use transfer
// tokens and the bearer-token revocation set. Everything here is
// advisory or TTL-bounded; the relational store stays authoritative.
package redisx

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey     = "job_queue"
	inboxKey     = "to_process"
	tokenPrefix  = "token:"
	revokePrefix = "blacklist:"
)

// ErrEmpty is returned by Pop operations on an empty queue and by token
// reads for keys that do not exist or have expired.
var ErrEmpty = errors.New("redisx: empty")

// Client is a thin coordinator-shaped facade over a redis connection.
type Client struct {
	rdb *redis.Client
}

// New connects to redis at addr. The password may be empty.
func New(addr, password string, db int) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rdb.Close() }

// PushJob appends a job ID to the tail of the dispatch queue.
func (c *Client) PushJob(ctx context.Context, id int64) error {
	return c.rdb.RPush(ctx, queueKey, id).Err()
}

// PopJob pops the head of the dispatch queue. Returns ErrEmpty when no
// job is queued.
func (c *Client) PopJob(ctx context.Context) (int64, error) {
	s, err := c.rdb.LPop(ctx, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrEmpty
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// RemoveJob deletes every occurrence of a job ID from the dispatch queue.
func (c *Client) RemoveJob(ctx context.Context, id int64) error {
	return c.rdb.LRem(ctx, queueKey, 0, id).Err()
}

// QueueSnapshot returns the current queue contents, head first.
func (c *Client) QueueSnapshot(ctx context.Context) ([]int64, error) {
	vals, err := c.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// QueueLen returns the dispatch queue depth.
func (c *Client) QueueLen(ctx context.Context) (int64, error) {
	return c.rdb.LLen(ctx, queueKey).Result()
}

// PushCompleted appends a job ID to the completion inbox.
func (c *Client) PushCompleted(ctx context.Context, id int64) error {
	return c.rdb.RPush(ctx, inboxKey, id).Err()
}

// PopCompleted pops the oldest completed job ID. Returns ErrEmpty when
// the inbox is drained.
func (c *Client) PopCompleted(ctx context.Context) (int64, error) {
	s, err := c.rdb.LPop(ctx, inboxKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrEmpty
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// SetToken stores a token record with a TTL, overwriting any previous
// record under the same key.
func (c *Client) SetToken(ctx context.Context, tok string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, tokenPrefix+tok, data, ttl).Err()
}

// GetToken reads a token record. Returns ErrEmpty for missing or expired
// tokens.
func (c *Client) GetToken(ctx context.Context, tok string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, tokenPrefix+tok).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	return b, err
}

// DelToken burns a token.
func (c *Client) DelToken(ctx context.Context, tok string) error {
	return c.rdb.Del(ctx, tokenPrefix+tok).Err()
}

// Revoke adds a bearer token to the revocation set for ttl.
func (c *Client) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, revokePrefix+token, "revoked", ttl).Err()
}

// IsRevoked reports whether a bearer token has been revoked.
func (c *Client) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := c.rdb.Exists(ctx, revokePrefix+token).Result()
	return n > 0, err
}
