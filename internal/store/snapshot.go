// Package store persists registry snapshots to Redis for crash recovery.
// When Redis is unavailable it falls back to an in-memory copy so trading
// continues without interruption. The snapshot is only ever a hint: after a
// restart, reconciliation against the exchange is the authoritative
// recovery path.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/loureed691/RAD-sub002/internal/position"
)

const (
	// snapshotKey holds the JSON-encoded position book.
	snapshotKey = "rad:positions:snapshot"

	// snapshotTTL bounds how stale a recovered snapshot can be. Positions
	// normally close within hours; a week covers long outages.
	snapshotTTL = 7 * 24 * time.Hour
)

// SnapshotStore saves and loads the position book.
type SnapshotStore struct {
	client         *redis.Client
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	mu       sync.Mutex
	fallback []byte // last snapshot when Redis is down
}

// NewSnapshotStore creates a store. A nil client means memory-only mode.
func NewSnapshotStore(client *redis.Client, logger zerolog.Logger) *SnapshotStore {
	s := &SnapshotStore{
		client: client,
		logger: logger.With().Str("component", "SnapshotStore").Logger(),
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory snapshots")
		} else {
			s.redisAvailable.Store(true)
			s.logger.Info().Msg("Redis snapshot store connected")
		}
	} else {
		s.logger.Info().Msg("No Redis client configured, snapshots kept in memory only")
	}
	return s
}

// Save stores the current position book. Failures are logged, never fatal:
// a missed snapshot costs nothing because reconciliation rebuilds state.
func (s *SnapshotStore) Save(ctx context.Context, positions []*position.Position) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	s.fallback = data
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	if err := s.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		if s.redisAvailable.Swap(false) {
			s.logger.Warn().Err(err).Msg("Redis write failed, falling back to in-memory snapshots")
		}
		return nil
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info().Msg("Redis snapshot store recovered")
	}
	return nil
}

// Load returns the last saved position book, preferring Redis over the
// in-memory fallback. An empty result with nil error means no snapshot.
func (s *SnapshotStore) Load(ctx context.Context) ([]*position.Position, error) {
	var data []byte

	if s.client != nil {
		raw, err := s.client.Get(ctx, snapshotKey).Bytes()
		switch {
		case err == nil:
			data = raw
			s.redisAvailable.Store(true)
		case err == redis.Nil:
			// No snapshot stored.
		default:
			s.logger.Warn().Err(err).Msg("Redis read failed, trying in-memory fallback")
			s.redisAvailable.Store(false)
		}
	}

	if data == nil {
		s.mu.Lock()
		data = s.fallback
		s.mu.Unlock()
	}
	if len(data) == 0 {
		return nil, nil
	}

	var positions []*position.Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return positions, nil
}
