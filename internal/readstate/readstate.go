// Package readstate tracks per-user "last read" cursors for list chats.
package readstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCursors keeps one hash per user, field = list id, value = unix millis.
type RedisCursors struct {
	client *redis.Client
	prefix string
}

func NewRedisCursors(client *redis.Client) *RedisCursors {
	return &RedisCursors{client: client, prefix: "tandem:read:"}
}

func (c *RedisCursors) key(userID string) string {
	return c.prefix + userID
}

// MarkRead moves the cursor forward to at. An older timestamp never moves it back.
func (c *RedisCursors) MarkRead(ctx context.Context, userID, listID string, at time.Time) error {
	current, err := c.LastRead(ctx, userID, listID)
	if err != nil {
		return err
	}
	if !current.IsZero() && !at.After(current) {
		return nil
	}
	if err := c.client.HSet(ctx, c.key(userID), listID, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// LastRead returns the zero time when the user never read the list.
func (c *RedisCursors) LastRead(ctx context.Context, userID, listID string) (time.Time, error) {
	raw, err := c.client.HGet(ctx, c.key(userID), listID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cursor: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor %q: %w", raw, err)
	}
	return time.UnixMilli(millis).UTC(), nil
}

// Forget drops the cursor, e.g. when the user leaves or is removed from the list.
func (c *RedisCursors) Forget(ctx context.Context, userID, listID string) error {
	if err := c.client.HDel(ctx, c.key(userID), listID).Err(); err != nil {
		return fmt.Errorf("forget cursor: %w", err)
	}
	return nil
}
