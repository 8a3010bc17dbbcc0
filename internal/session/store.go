package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all connection hashes.
	SessionPrefix = "session:"

	// UserConnsPrefix is the Redis key prefix for a user's connection set.
	UserConnsPrefix = "user_conns:"

	// SessionTTL is the time-to-live for directory keys in Redis. The
	// heartbeat touches live connections well within it; entries of crashed
	// nodes age out.
	SessionTTL = 1 * time.Hour

	// Status constants for the connection state machine.
	StatusOpen          = "open"
	StatusAuthenticated = "authenticated"
)

// Session represents one connection's directory entry.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`     // open | authenticated
	UserID     string `redis:"user_id"`    // empty until authenticated
	CompanyID  string `redis:"company_id"` // empty until authenticated
	Server     string `redis:"server"`     // which node holds the socket
	CreatedAt  int64  `redis:"created_at"` // unix timestamp
	LastActive int64  `redis:"last_active"`
}

// Store manages the connection directory in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this node
}

// NewStore creates a new directory connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a new unauthenticated connection on this node.
func (s *Store) Create(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	entry := map[string]interface{}{
		"id":          connID,
		"status":      StatusOpen,
		"user_id":     "",
		"company_id":  "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Bind records the identity of an authenticated connection and adds it to
// the user's connection set.
func (s *Store) Bind(ctx context.Context, connID, userID, companyID string) error {
	key := SessionPrefix + connID
	userKey := UserConnsPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"status", StatusAuthenticated,
		"user_id", userID,
		"company_id", companyID,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection entry. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch extends the TTL of the connection's hash and of its user's
// connection set. A missing entry is left alone; Expire never recreates a
// key, so a concurrent Delete wins.
func (s *Store) Touch(ctx context.Context, connID string) error {
	sess, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Expire(ctx, SessionPrefix+connID, SessionTTL)
	if sess.UserID != "" {
		pipe.Expire(ctx, UserConnsPrefix+sess.UserID, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a connection entry and its membership in the user's set.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
