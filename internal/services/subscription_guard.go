package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/pkg/lock"
	"github.com/growthclub/backend/internal/repositories"
)

const guardSweepLockKey = "subscription:guard-sweep"

// TaskCanceller drops every pending scheduled task for a chat user. The
// scheduler implements it; the guard only needs this one operation.
type TaskCanceller interface {
	CancelAllForOwner(ctx context.Context, ownerID int64) (int, error)
}

// SubscriptionGuard periodically demotes users whose paid subscription has
// lapsed: the pro flag is cleared, the group seat is freed and any pending
// scheduled work for them is cancelled.
type SubscriptionGuard struct {
	store     repositories.Store
	allocator *AllocatorService
	canceller TaskCanceller
	locker    *lock.Locker
	logger    *zap.Logger
	now       func() time.Time
}

func NewSubscriptionGuard(store repositories.Store, allocator *AllocatorService, canceller TaskCanceller, locker *lock.Locker, logger *zap.Logger) *SubscriptionGuard {
	return &SubscriptionGuard{
		store:     store,
		allocator: allocator,
		canceller: canceller,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep processes all lapsed subscriptions once. A distributed lease keeps
// overlapping runs out; per-user failures are logged and the sweep moves on.
func (g *SubscriptionGuard) Sweep(ctx context.Context) (int, error) {
	var demoted int
	err := g.locker.WithLock(ctx, guardSweepLockKey, 30*time.Second, func(ctx context.Context) error {
		users, err := g.store.Users().ExpiredPro(ctx, g.now())
		if err != nil {
			return err
		}
		for _, user := range users {
			if err := g.store.Users().SetPro(ctx, user.ID, false); err != nil {
				g.logger.Error("failed to clear pro flag",
					zap.String("user_id", user.ID.String()),
					zap.Error(err))
				continue
			}

			if err := g.allocator.RemoveUser(ctx, user.ChatUserID); err != nil && !errors.Is(err, ErrNoMembership) {
				g.logger.Error("failed to free group seat for lapsed user",
					zap.Int64("chat_user_id", user.ChatUserID),
					zap.Error(err))
			}

			if g.canceller != nil {
				if n, err := g.canceller.CancelAllForOwner(ctx, user.ChatUserID); err != nil {
					g.logger.Warn("failed to cancel pending tasks for lapsed user",
						zap.Int64("chat_user_id", user.ChatUserID),
						zap.Error(err))
				} else if n > 0 {
					g.logger.Debug("cancelled pending tasks",
						zap.Int64("chat_user_id", user.ChatUserID),
						zap.Int("count", n))
				}
			}

			demoted++
			g.logger.Info("subscription lapsed, user demoted",
				zap.Int64("chat_user_id", user.ChatUserID))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			g.logger.Debug("subscription sweep already running elsewhere")
			return 0, nil
		}
		return demoted, err
	}
	return demoted, nil
}

// Run drives Sweep on a fixed interval until ctx is cancelled.
func (g *SubscriptionGuard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Error("subscription sweep failed", zap.Error(err))
			}
		}
	}
}
