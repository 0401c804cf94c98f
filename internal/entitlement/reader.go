package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
)

// StatusActive marks a currently paid subscription in the record of truth
const StatusActive = "active"

// Record is the authoritative subscription state for one user, owned by the
// backend of record. This service only reads it; writes happen indirectly
// through successful receipt verification on the backend side.
type Record struct {
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Reader reads the authoritative entitlement record for a user. Absence of a
// record means not active.
type Reader interface {
	GetEntitlement(ctx context.Context, userID string) (bool, error)
}

// RedisReader implements Reader against the shared record store
type RedisReader struct {
	client *redis.Client
}

// NewRedisReader creates a reader and verifies connectivity
func NewRedisReader(host, port, password string, db int) (*RedisReader, error) {
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("Connected to entitlement store at %s", addr)

	return &RedisReader{client: rdb}, nil
}

func recordKey(userID string) string {
	return fmt.Sprintf("entitlement:record:%s", userID)
}

// GetEntitlement reads the record for userID. A missing key is not an error:
// it reports not active.
func (r *RedisReader) GetEntitlement(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user id is empty")
	}

	val, err := r.client.Get(ctx, recordKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read entitlement record: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return false, fmt.Errorf("failed to parse entitlement record: %w", err)
	}

	return record.Status == StatusActive, nil
}

// Close closes the underlying Redis connection
func (r *RedisReader) Close() error {
	return r.client.Close()
}
