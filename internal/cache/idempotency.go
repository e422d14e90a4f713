// Package cache is the Redis fast path for event idempotency. The event
// store remains the source of truth; a cache miss only costs a database
// lookup, and a cache outage degrades to that lookup on every request.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const (
	seenPrefix = "xmarket:event:"
	seenTTL    = 48 * time.Hour
)

// Idempotency tracks recently seen event IDs.
type Idempotency struct {
	client redis.Cmdable
}

// NewIdempotency wraps an existing client. client may be nil for dev mode;
// every lookup then reports a miss.
func NewIdempotency(client redis.Cmdable) *Idempotency {
	return &Idempotency{client: client}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// Seen reports whether the event ID was recently ingested. Errors degrade
// to a miss so Redis downtime never rejects events.
func (i *Idempotency) Seen(ctx context.Context, eventID string) bool {
	if i.client == nil {
		return false
	}
	err := i.client.Get(ctx, seenPrefix+eventID).Err()
	if err == nil {
		return true
	}
	if !errors.Is(err, redis.Nil) {
		log.Debug().Err(err).Msg("idempotency cache read failed")
	}
	return false
}

// Mark records the event ID. Best effort.
func (i *Idempotency) Mark(ctx context.Context, eventID string) {
	if i.client == nil {
		return
	}
	if err := i.client.Set(ctx, seenPrefix+eventID, "1", seenTTL).Err(); err != nil {
		log.Debug().Err(err).Msg("idempotency cache write failed")
	}
}
