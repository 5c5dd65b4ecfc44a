package repository

import (
	"context"
	"sync/atomic"
	"time"

	"sunbed/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverSharedState sends every call to primary and switches to fallback
// once primary fails. Primary is probed again after recoveryInterval.
type FailoverSharedState struct {
	primary   domain.SharedState
	fallback  domain.SharedState
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverSharedState(primary, fallback domain.SharedState, logger *zerolog.Logger) *FailoverSharedState {
	return &FailoverSharedState{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverSharedState) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary shared state failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary reports whether the next call should try primary.
func (r *FailoverSharedState) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	// Try to recover after 1 minute
	return r.now().UnixNano()-r.lastCheck.Load() > int64(recoveryInterval)
}

func (r *FailoverSharedState) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary shared state recovered")
	}
}

func (r *FailoverSharedState) Get(ctx context.Context, key string) (string, bool, error) {
	if r.usePrimary() {
		val, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			r.recovered()
			return val, ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverSharedState) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.SetEX(ctx, key, value, ttl)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.SetEX(ctx, key, value, ttl)
}

func (r *FailoverSharedState) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			r.recovered()
			return ok, nil
		}
		r.markDown(err)
	}
	return r.fallback.SetNX(ctx, key, value, ttl)
}

func (r *FailoverSharedState) Del(ctx context.Context, key string) error {
	if r.usePrimary() {
		err := r.primary.Del(ctx, key)
		if err == nil {
			r.recovered()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Del(ctx, key)
}

func (r *FailoverSharedState) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r.usePrimary() {
		n, err := r.primary.IncrWindow(ctx, key, window)
		if err == nil {
			r.recovered()
			return n, nil
		}
		r.markDown(err)
	}
	return r.fallback.IncrWindow(ctx, key, window)
}
