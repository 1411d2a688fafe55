// Package redis wraps go-redis with the handful of operations the
// rest of this codebase needs: publishing CBOR-encoded events and
// readings, and mirroring session status into a hash for anything
// that wants to poll it instead of subscribing.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper around *redis.Client carrying a background
// context for the lifetime of the connection.
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New opens a connection to addr and verifies it with a PING.
func New(addr string, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// WriteString sets a single hash field.
func (c *Client) WriteString(key, field, value string) error {
	return c.client.HSet(c.ctx, key, field, value).Err()
}

// WriteAndPublishString sets a hash field and publishes the change on
// a channel named after the key, as "field:value".
func (c *Client) WriteAndPublishString(key, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(c.ctx, key, field, value)
	pipe.Publish(c.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(c.ctx)
	return err
}

// GetString reads a single hash field.
func (c *Client) GetString(key, field string) (string, error) {
	val, err := c.client.HGet(c.ctx, key, field).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key %s field %s not found", key, field)
	}
	return val, err
}

// Subscribe subscribes to channel, returning the message stream and
// an unsubscribe func.
func (c *Client) Subscribe(channel string) (<-chan *redis.Message, func()) {
	pubsub := c.client.Subscribe(c.ctx, channel)
	ch := pubsub.Channel()
	return ch, func() { pubsub.Close() }
}

// Publish publishes message on channel.
func (c *Client) Publish(channel string, message string) error {
	return c.client.Publish(c.ctx, channel, message).Err()
}

// HDel removes field from the hash at key.
func (c *Client) HDel(key, field string) (int64, error) {
	return c.client.HDel(c.ctx, key, field).Result()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}
