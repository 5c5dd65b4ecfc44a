package lockstatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sunbed/internal/domain"
	"sunbed/internal/models"

	"github.com/rs/zerolog"
)

const (
	valueLocked   = "locked"
	valueUnlocked = "unlocked"

	DefaultTTL = 30 * time.Second
)

// ErrQuery wraps every failure of the underlying lock client.
var ErrQuery = errors.New("lock status query failed")

// Cache is a read-through cache of live lock states. The shared state is an
// optimisation only: when it misses or fails the lock is asked directly.
type Cache struct {
	client domain.LockClient
	state  domain.SharedState
	ttl    time.Duration
	logger *zerolog.Logger
}

var _ domain.LockStatusReader = (*Cache)(nil)

func New(client domain.LockClient, state domain.SharedState, ttl time.Duration, logger *zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Cache{client: client, state: state, ttl: ttl, logger: logger}
}

func key(lockID string) string {
	return "lock:" + lockID + ":status"
}

func (c *Cache) Status(ctx context.Context, lockID string) (*models.LockStatus, error) {
	if c.state != nil {
		v, ok, err := c.state.Get(ctx, key(lockID))
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("lock_id", lockID).Msg("lock status cache read failed")
		case ok && (v == valueLocked || v == valueUnlocked):
			return &models.LockStatus{LockID: lockID, Locked: v == valueLocked, Cached: true}, nil
		}
	}

	status, err := c.client.QueryStatus(ctx, lockID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %w", ErrQuery, lockID, err)
	}

	if c.state != nil {
		v := valueUnlocked
		if status.Locked {
			v = valueLocked
		}
		if err := c.state.SetEX(ctx, key(lockID), v, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("lock_id", lockID).Msg("lock status cache write failed")
		}
	}

	return &models.LockStatus{LockID: lockID, Locked: status.Locked}, nil
}

// Invalidate drops the cached state, e.g. after a remote unlock.
func (c *Cache) Invalidate(ctx context.Context, lockID string) {
	if c.state == nil {
		return
	}
	if err := c.state.Del(ctx, key(lockID)); err != nil {
		c.logger.Warn().Err(err).Str("lock_id", lockID).Msg("lock status cache invalidate failed")
	}
}
