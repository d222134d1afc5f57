package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/models"
	"github.com/growthclub/backend/internal/pkg/lock"
	"github.com/growthclub/backend/internal/pkg/retry"
	"github.com/growthclub/backend/internal/repositories"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient energy balance")
	ErrDuplicateAward      = errors.New("award already granted")
)

const expirySweepLockKey = "energy:expiry-sweep"

// EnergyService is the append-only points ledger. The cached balance on the
// user row is only ever written under that row's lock, together with the
// ledger row that explains the change.
type EnergyService struct {
	store        repositories.Store
	locker       *lock.Locker
	logger       *zap.Logger
	retryCfg     retry.Config
	expiryMonths int
	now          func() time.Time
}

func NewEnergyService(store repositories.Store, locker *lock.Locker, logger *zap.Logger, expiryMonths int) *EnergyService {
	if expiryMonths <= 0 {
		expiryMonths = 6
	}
	return &EnergyService{
		store:        store,
		locker:       locker,
		logger:       logger,
		retryCfg:     retry.DefaultConfig(),
		expiryMonths: expiryMonths,
		now:          time.Now,
	}
}

// Award credits energy to a user. Income rows carry an expiry date; the
// sweep later voids whatever the user has not spent by then.
func (s *EnergyService) Award(ctx context.Context, userID uuid.UUID, amount int, reason string, metadata json.RawMessage) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := retry.Do(ctx, s.retryCfg, retry.IsConflict, func() error {
		return s.store.InTx(ctx, func(tx repositories.Repos) error {
			user, err := tx.Users().GetForUpdate(ctx, userID)
			if err != nil {
				return err
			}
			if user == nil {
				return ErrUserNotFound
			}

			expiresAt := s.now().AddDate(0, s.expiryMonths, 0)
			if err := tx.Energy().Create(ctx, &models.EnergyTransaction{
				UserID:    userID,
				Amount:    amount,
				Type:      models.EnergyIncome,
				Reason:    reason,
				Metadata:  metadata,
				ExpiresAt: &expiresAt,
				CreatedAt: s.now(),
			}); err != nil {
				return err
			}

			balance = user.Energy + amount
			return tx.Users().UpdateEnergy(ctx, userID, balance)
		})
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, ErrUserNotFound
		}
		if retry.IsConflict(err) {
			return 0, ErrUnavailable
		}
		return 0, fmt.Errorf("award energy: %w", err)
	}

	s.logger.Info("energy awarded",
		zap.String("user_id", userID.String()),
		zap.Int("amount", amount),
		zap.String("reason", reason),
		zap.Int("balance", balance))
	return balance, nil
}

// AwardOnce is Award with at-most-once semantics keyed by dedupKey. The
// pre-check keeps retried deliveries from double-crediting; a race between
// two first deliveries can still slip one duplicate through, accepted as a
// bounded risk for event-driven rewards.
func (s *EnergyService) AwardOnce(ctx context.Context, userID uuid.UUID, amount int, reason, dedupKey string, metadata map[string]any) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	exists, err := s.store.Energy().ExistsWithDedupKey(ctx, userID, dedupKey)
	if err != nil {
		return 0, fmt.Errorf("check dedup key: %w", err)
	}
	if exists {
		return 0, ErrDuplicateAward
	}

	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata["dedup_key"] = dedupKey
	raw, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}
	return s.Award(ctx, userID, amount, reason, raw)
}

// Spend debits energy. The balance check happens after the row lock is
// taken, so two concurrent spends cannot both pass against the same funds.
func (s *EnergyService) Spend(ctx context.Context, userID uuid.UUID, amount int, reason string, metadata json.RawMessage) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int
	err := retry.Do(ctx, s.retryCfg, retry.IsConflict, func() error {
		return s.store.InTx(ctx, func(tx repositories.Repos) error {
			user, err := tx.Users().GetForUpdate(ctx, userID)
			if err != nil {
				return err
			}
			if user == nil {
				return ErrUserNotFound
			}
			if user.Energy < amount {
				return ErrInsufficientBalance
			}

			if err := tx.Energy().Create(ctx, &models.EnergyTransaction{
				UserID:    userID,
				Amount:    amount,
				Type:      models.EnergyExpense,
				Reason:    reason,
				Metadata:  metadata,
				CreatedAt: s.now(),
			}); err != nil {
				return err
			}

			balance = user.Energy - amount
			return tx.Users().UpdateEnergy(ctx, userID, balance)
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			return 0, ErrUserNotFound
		case errors.Is(err, ErrInsufficientBalance):
			return 0, ErrInsufficientBalance
		case retry.IsConflict(err):
			return 0, ErrUnavailable
		default:
			return 0, fmt.Errorf("spend energy: %w", err)
		}
	}

	s.logger.Info("energy spent",
		zap.String("user_id", userID.String()),
		zap.Int("amount", amount),
		zap.String("reason", reason),
		zap.Int("balance", balance))
	return balance, nil
}

// Balance returns the cached balance from the user row.
func (s *EnergyService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	return user.Energy, nil
}

// History returns the user's most recent ledger rows, newest first.
func (s *EnergyService) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.EnergyTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.Energy().HistoryByUser(ctx, userID, limit)
}

// SweepStats summarizes one expiry sweep run.
type SweepStats struct {
	Users  int
	Points int
	Rows   int
}

// ProcessExpiry voids income rows past their expiry date and debits the
// cached balances accordingly. A distributed lease keeps concurrent sweeps
// from double-deducting; within the sweep each user is settled in its own
// transaction, so one failing user does not block the rest.
func (s *EnergyService) ProcessExpiry(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	err := s.locker.WithLock(ctx, expirySweepLockKey, 30*time.Second, func(ctx context.Context) error {
		expired, err := s.store.Energy().ExpiredUnswept(ctx, s.now())
		if err != nil {
			return fmt.Errorf("list expired rows: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}

		byUser := make(map[uuid.UUID][]models.EnergyTransaction)
		for _, txn := range expired {
			byUser[txn.UserID] = append(byUser[txn.UserID], txn)
		}

		for userID, txns := range byUser {
			total := 0
			ids := make([]uuid.UUID, 0, len(txns))
			for _, txn := range txns {
				total += txn.Amount
				ids = append(ids, txn.ID)
			}

			err := retry.Do(ctx, s.retryCfg, retry.IsConflict, func() error {
				return s.store.InTx(ctx, func(tx repositories.Repos) error {
					user, err := tx.Users().GetForUpdate(ctx, userID)
					if err != nil {
						return err
					}
					if user == nil {
						// User gone; still flag the rows so they are not
						// revisited.
						return tx.Energy().MarkExpired(ctx, ids)
					}
					newBalance := user.Energy - total
					if newBalance < 0 {
						newBalance = 0
					}
					if err := tx.Users().UpdateEnergy(ctx, userID, newBalance); err != nil {
						return err
					}
					return tx.Energy().MarkExpired(ctx, ids)
				})
			})
			if err != nil {
				s.logger.Error("expiry sweep failed for user",
					zap.String("user_id", userID.String()),
					zap.Int("points", total),
					zap.Error(err))
				continue
			}
			stats.Users++
			stats.Points += total
			stats.Rows += len(ids)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("expiry sweep already running elsewhere")
			return SweepStats{}, nil
		}
		return stats, err
	}

	if stats.Rows > 0 {
		s.logger.Info("energy expiry sweep finished",
			zap.Int("users", stats.Users),
			zap.Int("points", stats.Points),
			zap.Int("rows", stats.Rows))
	}
	return stats, nil
}
