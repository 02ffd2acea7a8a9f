package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// PoolEvent is the JSON payload of a ChannelPool notification.
type PoolEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
	At    time.Time      `json:"at"`
}

// Publish sends a worker pool lifecycle event on ChannelPool.
func (db *DB) Publish(ctx context.Context, event string, data map[string]any) error {
	payload, err := json.Marshal(PoolEvent{Event: event, Data: data, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("storage: marshal pool event: %w", err)
	}
	return db.Notify(ctx, ChannelPool, string(payload))
}
