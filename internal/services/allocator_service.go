package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/models"
	"github.com/growthclub/backend/internal/pkg/retry"
	"github.com/growthclub/backend/internal/repositories"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrNoCity         = errors.New("no city set in profile")
	ErrNotQualified   = errors.New("leadership qualification not passed")
	ErrAlreadyLeading = errors.New("user already leads an active group")
	ErrNoSubscription = errors.New("active subscription required")
	ErrNoCapacity     = errors.New("no open group with free capacity")
	ErrGroupNotFound  = errors.New("group not found")
	ErrNoMembership   = errors.New("no active membership")

	// ErrUnavailable is the generic "retried and still conflicting" outcome.
	// Everything behind it either fully committed or fully rolled back.
	ErrUnavailable = errors.New("temporarily unavailable, try again later")
)

// errGroupFilled signals that the candidate group filled between selection
// and lock acquisition; the assignment loop retries with a fresh candidate.
var errGroupFilled = errors.New("group filled during assignment")

// AllocatorService owns group lifecycle, membership, capacity and chat
// access decisions. All mutations run in short pessimistic transactions
// with bounded retry; the member count is always recomputed from active
// membership rows under the group row lock, never trusted across requests.
type AllocatorService struct {
	store    repositories.Store
	chat     ChatGateway
	logger   *zap.Logger
	retryCfg retry.Config
	capacity int
	now      func() time.Time
}

func NewAllocatorService(store repositories.Store, chat ChatGateway, logger *zap.Logger, capacity int) *AllocatorService {
	if capacity <= 0 {
		capacity = 11
	}
	return &AllocatorService{
		store:    store,
		chat:     chat,
		logger:   logger,
		retryCfg: retry.DefaultConfig(),
		capacity: capacity,
		now:      time.Now,
	}
}

// CreateGroup registers a new group for a qualified leader. Preconditions
// are checked outside the transaction (reads only); the number computation,
// group insert and leader membership run in one transaction retried on
// unique-constraint races. The invite link is minted before the transaction:
// a store failure afterwards leaves an orphaned link, accepted as a
// non-fatal leak.
func (s *AllocatorService) CreateGroup(ctx context.Context, leaderChatUserID, chatRef int64, chatTitle string) (*models.Group, error) {
	user, err := s.store.Users().GetByChatUserID(ctx, leaderChatUserID)
	if err != nil {
		return nil, fmt.Errorf("load candidate: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.City == "" {
		return nil, ErrNoCity
	}
	if !user.LeaderQualified {
		return nil, ErrNotQualified
	}
	existing, err := s.store.Groups().ActiveByLeader(ctx, leaderChatUserID)
	if err != nil {
		return nil, fmt.Errorf("check existing group: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyLeading
	}

	inviteRef, err := s.chat.CreateInviteLink(ctx, chatRef)
	if err != nil {
		s.logger.Warn("failed to create invite link",
			zap.Int64("chat_ref", chatRef),
			zap.Error(err))
		inviteRef = ""
	}

	var created *models.Group
	err = retry.Do(ctx, s.retryCfg, retry.IsConflict, func() error {
		return s.store.InTx(ctx, func(tx repositories.Repos) error {
			// Re-check leader uniqueness under the transaction: two chats
			// registered at once must not both win.
			leading, err := tx.Groups().ActiveByLeader(ctx, leaderChatUserID)
			if err != nil {
				return err
			}
			if leading != nil {
				return ErrAlreadyLeading
			}

			max, err := tx.Groups().MaxNumberInCity(ctx, user.City)
			if err != nil {
				return err
			}
			number := max + 1

			title := chatTitle
			if title == "" {
				title = fmt.Sprintf("Group #%d %s", number, user.City)
			}

			group := &models.Group{
				ID:                uuid.New(),
				City:              user.City,
				Number:            number,
				ChatRef:           chatRef,
				InviteRef:         inviteRef,
				ChatTitle:         title,
				LeaderUserID:      user.ID,
				LeaderChatUserID:  leaderChatUserID,
				MemberCount:       1,
				Capacity:          s.capacity,
				IsActive:          true,
				OpenForAllocation: true,
			}
			if err := tx.Groups().Create(ctx, group); err != nil {
				return err
			}
			if err := tx.Memberships().Create(ctx, &models.Membership{
				GroupID:    group.ID,
				UserID:     user.ID,
				ChatUserID: leaderChatUserID,
				IsLeader:   true,
				JoinedAt:   s.now(),
			}); err != nil {
				return err
			}
			created = group
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyLeading) {
			return nil, ErrAlreadyLeading
		}
		if retry.IsConflict(err) {
			s.logger.Error("group creation still conflicting after retries",
				zap.String("city", user.City),
				zap.Int64("leader_chat_user_id", leaderChatUserID),
				zap.Error(err))
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("create group: %w", err)
	}

	s.logger.Info("group created",
		zap.String("group_id", created.ID.String()),
		zap.String("city", created.City),
		zap.Int("number", created.Number),
		zap.Int64("leader_chat_user_id", leaderChatUserID))
	return created, nil
}

// AssignResult describes the outcome of an assignment.
type AssignResult struct {
	Group         *models.Group
	InviteRef     string
	AlreadyMember bool
}

// AssignUser places a user into a group: the explicitly requested one, or
// the lowest-numbered open group in the user's city. The candidate is read
// and then locked; capacity is re-verified from membership rows after the
// lock is held, because selection and locking are not atomic. A user who
// already holds an active membership gets it back idempotently.
func (s *AllocatorService) AssignUser(ctx context.Context, chatUserID int64, groupID *uuid.UUID) (*AssignResult, error) {
	user, err := s.store.Users().GetByChatUserID(ctx, chatUserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.City == "" {
		return nil, ErrNoCity
	}
	if !user.IsPro {
		return nil, ErrNoSubscription
	}

	retryable := func(err error) bool {
		return errors.Is(err, errGroupFilled) || retry.IsConflict(err)
	}

	var res *AssignResult
	err = retry.Do(ctx, s.retryCfg, retryable, func() error {
		return s.store.InTx(ctx, func(tx repositories.Repos) error {
			current, err := tx.Memberships().ActiveByUserForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			if current != nil {
				group, err := tx.Groups().GetByID(ctx, current.GroupID)
				if err != nil {
					return err
				}
				res = &AssignResult{Group: group, InviteRef: group.InviteRef, AlreadyMember: true}
				return nil
			}

			var group *models.Group
			if groupID != nil {
				group, err = tx.Groups().GetForUpdate(ctx, *groupID)
				if err != nil {
					return err
				}
				if group != nil && (!group.IsActive || !group.OpenForAllocation) {
					group = nil
				}
			} else {
				group, err = tx.Groups().AvailableForUpdate(ctx, user.City)
				if err != nil {
					return err
				}
			}
			if group == nil {
				return ErrNoCapacity
			}

			// Capacity check under the lock, against membership rows rather
			// than the cached counter.
			count, err := tx.Memberships().CountActive(ctx, group.ID)
			if err != nil {
				return err
			}
			if count >= group.Capacity {
				return errGroupFilled
			}

			if err := tx.Memberships().Create(ctx, &models.Membership{
				GroupID:    group.ID,
				UserID:     user.ID,
				ChatUserID: chatUserID,
				JoinedAt:   s.now(),
			}); err != nil {
				return err
			}
			newCount := count + 1
			if err := tx.Groups().UpdateCounts(ctx, group.ID, newCount, newCount >= group.Capacity); err != nil {
				return err
			}
			group.MemberCount = newCount
			group.IsFull = newCount >= group.Capacity
			res = &AssignResult{Group: group, InviteRef: group.InviteRef}
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNoCapacity), errors.Is(err, errGroupFilled):
			return nil, ErrNoCapacity
		case retry.IsConflict(err):
			s.logger.Error("assignment still conflicting after retries",
				zap.Int64("chat_user_id", chatUserID),
				zap.Error(err))
			return nil, ErrUnavailable
		default:
			return nil, fmt.Errorf("assign user: %w", err)
		}
	}

	if !res.AlreadyMember {
		s.logger.Info("user assigned to group",
			zap.Int64("chat_user_id", chatUserID),
			zap.String("group_id", res.Group.ID.String()),
			zap.String("city", res.Group.City),
			zap.Int("member_count", res.Group.MemberCount))
	}
	return res, nil
}

// RemoveUser closes the user's active membership and frees a seat. Used on
// voluntary exit and on subscription expiry. The chat kick afterwards is
// best-effort.
func (s *AllocatorService) RemoveUser(ctx context.Context, chatUserID int64) error {
	user, err := s.store.Users().GetByChatUserID(ctx, chatUserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}

	var group *models.Group
	err = retry.Do(ctx, s.retryCfg, retry.IsConflict, func() error {
		return s.store.InTx(ctx, func(tx repositories.Repos) error {
			m, err := tx.Memberships().ActiveByUserForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			if m == nil {
				return ErrNoMembership
			}
			g, err := tx.Groups().GetForUpdate(ctx, m.GroupID)
			if err != nil {
				return err
			}
			if err := tx.Memberships().Close(ctx, m.ID, s.now()); err != nil {
				return err
			}
			if g != nil {
				count, err := tx.Memberships().CountActive(ctx, g.ID)
				if err != nil {
					return err
				}
				if err := tx.Groups().UpdateCounts(ctx, g.ID, count, count >= g.Capacity); err != nil {
					return err
				}
				group = g
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoMembership) {
			return ErrNoMembership
		}
		if retry.IsConflict(err) {
			return ErrUnavailable
		}
		return fmt.Errorf("remove user: %w", err)
	}

	if group != nil && group.ChatRef != 0 {
		if err := s.chat.BanChatMember(ctx, group.ChatRef, chatUserID); err != nil {
			s.logger.Warn("failed to kick removed user from chat",
				zap.Int64("chat_user_id", chatUserID),
				zap.Error(err))
		} else if err := s.chat.UnbanChatMember(ctx, group.ChatRef, chatUserID); err != nil {
			s.logger.Warn("failed to unban removed user",
				zap.Int64("chat_user_id", chatUserID),
				zap.Error(err))
		}
	}

	s.logger.Info("user removed from group", zap.Int64("chat_user_id", chatUserID))
	return nil
}

// Decision is an access-control verdict for a chat join attempt.
type Decision struct {
	Allowed bool
	Reason  string
}

// CanEnterGroupChat is invoked on every external chat-join event. Chats not
// tracked as groups are always allowed. For group chats the checks are, in
// order: ambassador bypass, capacity (counted from membership rows, so a
// transiently over-allocated group rejects even previously assigned users),
// membership for that specific group, subscription.
func (s *AllocatorService) CanEnterGroupChat(ctx context.Context, chatRef, chatUserID int64) (Decision, error) {
	group, err := s.store.Groups().GetByChatRef(ctx, chatRef)
	if err != nil {
		return Decision{}, fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return Decision{Allowed: true}, nil
	}

	user, err := s.store.Users().GetByChatUserID(ctx, chatUserID)
	if err != nil {
		return Decision{}, fmt.Errorf("load user: %w", err)
	}
	if user != nil && user.IsAmbassador {
		s.logger.Info("ambassador bypassed group access check",
			zap.Int64("chat_user_id", chatUserID),
			zap.String("group_id", group.ID.String()))
		return Decision{Allowed: true}, nil
	}

	count, err := s.store.Memberships().CountActive(ctx, group.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("count members: %w", err)
	}
	if count >= group.Capacity {
		return Decision{Reason: "group is full, re-apply for allocation"}, nil
	}

	if user == nil {
		return Decision{Reason: "not assigned to this group"}, nil
	}
	m, err := s.store.Memberships().ActiveByGroupAndUser(ctx, group.ID, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("load membership: %w", err)
	}
	if m == nil {
		return Decision{Reason: "not assigned to this group"}, nil
	}
	if !user.IsPro {
		return Decision{Reason: "active subscription required"}, nil
	}
	return Decision{Allowed: true}, nil
}

// HandleJoinAttempt enforces a CanEnterGroupChat verdict: unauthorized
// joiners are kicked (ban + immediate unban, so the ban list stays clean)
// and notified. Gateway failures are logged, never propagated.
func (s *AllocatorService) HandleJoinAttempt(ctx context.Context, chatRef, chatUserID int64) error {
	decision, err := s.CanEnterGroupChat(ctx, chatRef, chatUserID)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	s.logger.Info("unauthorized group join attempt",
		zap.Int64("chat_ref", chatRef),
		zap.Int64("chat_user_id", chatUserID),
		zap.String("reason", decision.Reason))

	if err := s.chat.BanChatMember(ctx, chatRef, chatUserID); err != nil {
		s.logger.Error("failed to kick unauthorized joiner",
			zap.Int64("chat_user_id", chatUserID),
			zap.Error(err))
		return nil
	}
	if err := s.chat.UnbanChatMember(ctx, chatRef, chatUserID); err != nil {
		s.logger.Warn("failed to unban kicked joiner",
			zap.Int64("chat_user_id", chatUserID),
			zap.Error(err))
	}
	if err := s.chat.SendMessage(ctx, chatUserID, decision.Reason); err != nil {
		s.logger.Debug("could not notify kicked joiner",
			zap.Int64("chat_user_id", chatUserID),
			zap.Error(err))
	}
	return nil
}

// DeactivateGroup soft-closes a group when its chat is removed or by
// administrative action: the group goes inactive and all memberships close.
func (s *AllocatorService) DeactivateGroup(ctx context.Context, chatRef int64) error {
	group, err := s.store.Groups().GetByChatRef(ctx, chatRef)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return nil
	}

	err = s.store.InTx(ctx, func(tx repositories.Repos) error {
		if err := tx.Groups().SetActive(ctx, group.ID, false); err != nil {
			return err
		}
		if err := tx.Memberships().CloseAllForGroup(ctx, group.ID, s.now()); err != nil {
			return err
		}
		return tx.Groups().UpdateCounts(ctx, group.ID, 0, false)
	})
	if err != nil {
		return fmt.Errorf("deactivate group: %w", err)
	}

	s.logger.Info("group deactivated",
		zap.String("group_id", group.ID.String()),
		zap.String("city", group.City),
		zap.Int("number", group.Number))
	return nil
}

// ReactivateGroup flips a group back to active when its chat returns.
// Memberships closed on deactivation are not reopened.
func (s *AllocatorService) ReactivateGroup(ctx context.Context, chatRef int64) error {
	group, err := s.store.Groups().GetByChatRef(ctx, chatRef)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return ErrGroupNotFound
	}
	if err := s.store.Groups().SetActive(ctx, group.ID, true); err != nil {
		return fmt.Errorf("reactivate group: %w", err)
	}
	s.logger.Info("group reactivated", zap.String("group_id", group.ID.String()))
	return nil
}

// Leader chat registration verdicts.
const (
	LeaderStatusClean     = "clean"     // no active group, may create one
	LeaderStatusReturn    = "return"    // same chat re-registered, reactivate
	LeaderStatusBetrayal  = "betrayal"  // second chat for an active leader
	LeaderStatusNotLeader = "not_leader"
)

// LeaderChatStatus is the triage result for a leader registering a chat.
type LeaderChatStatus struct {
	Status string
	Reason string
	Group  *models.Group
}

// CheckLeaderChatStatus decides what a chat registration by this user
// means: a fresh group, a return of the existing chat, or an attempt to
// lead a second group.
func (s *AllocatorService) CheckLeaderChatStatus(ctx context.Context, leaderChatUserID, chatRef int64) (LeaderChatStatus, error) {
	user, err := s.store.Users().GetByChatUserID(ctx, leaderChatUserID)
	if err != nil {
		return LeaderChatStatus{}, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return LeaderChatStatus{Status: LeaderStatusNotLeader, Reason: "user not found"}, nil
	}
	if user.City == "" {
		return LeaderChatStatus{Status: LeaderStatusNotLeader, Reason: "no city set in profile"}, nil
	}
	if !user.LeaderQualified {
		return LeaderChatStatus{Status: LeaderStatusNotLeader, Reason: "leadership qualification not passed"}, nil
	}

	existing, err := s.store.Groups().ActiveByLeader(ctx, leaderChatUserID)
	if err != nil {
		return LeaderChatStatus{}, fmt.Errorf("check existing group: %w", err)
	}
	if existing != nil {
		if existing.ChatRef == chatRef {
			return LeaderChatStatus{Status: LeaderStatusReturn, Group: existing}, nil
		}
		return LeaderChatStatus{
			Status: LeaderStatusBetrayal,
			Reason: fmt.Sprintf("already leading group #%d in %s", existing.Number, existing.City),
			Group:  existing,
		}, nil
	}
	return LeaderChatStatus{Status: LeaderStatusClean}, nil
}

// UpdateChatTitle mirrors a chat rename onto the tracked group.
func (s *AllocatorService) UpdateChatTitle(ctx context.Context, chatRef int64, title string) error {
	group, err := s.store.Groups().GetByChatRef(ctx, chatRef)
	if err != nil {
		return fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return nil
	}
	return s.store.Groups().SetChatTitle(ctx, group.ID, title)
}

// UserGroup returns the group the user currently occupies, if any.
func (s *AllocatorService) UserGroup(ctx context.Context, chatUserID int64) (*models.Group, *models.Membership, error) {
	user, err := s.store.Users().GetByChatUserID(ctx, chatUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, nil, ErrUserNotFound
	}
	m, err := s.store.Memberships().ActiveByUser(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load membership: %w", err)
	}
	if m == nil {
		return nil, nil, nil
	}
	group, err := s.store.Groups().GetByID(ctx, m.GroupID)
	if err != nil {
		return nil, nil, fmt.Errorf("load group: %w", err)
	}
	return group, m, nil
}

// ActiveGroups lists all active groups, ordered by city and number. Used by
// the weekly report reminder cron.
func (s *AllocatorService) ActiveGroups(ctx context.Context) ([]models.Group, error) {
	return s.store.Groups().ActiveGroups(ctx)
}
