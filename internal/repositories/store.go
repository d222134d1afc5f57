package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/growthclub/backend/internal/models"
)

// Store gives repository access in autocommit mode plus InTx for the short
// pessimistic transactions every mutating operation runs in. Lookup methods
// return (nil, nil) when no row matches.
type Store interface {
	Repos

	// InTx runs fn inside one transaction; fn sees repositories bound to
	// that transaction. Row locks taken inside are held until fn returns.
	InTx(ctx context.Context, fn func(tx Repos) error) error
}

// Repos is the set of entity repositories.
type Repos interface {
	Users() UserRepo
	Groups() GroupRepo
	Memberships() MembershipRepo
	Energy() EnergyRepo
	Reports() ReportRepo
}

type UserRepo interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByChatUserID(ctx context.Context, chatUserID int64) (*models.User, error)

	// GetForUpdate locks the user row; the balance cell is mutated only
	// under this lock.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateEnergy(ctx context.Context, id uuid.UUID, energy int) error
	SetPro(ctx context.Context, id uuid.UUID, isPro bool) error

	// ExpiredPro lists users still flagged pro whose subscription lapsed.
	ExpiredPro(ctx context.Context, now time.Time) ([]models.User, error)
}

type GroupRepo interface {
	Create(ctx context.Context, group *models.Group) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error)
	GetByChatRef(ctx context.Context, chatRef int64) (*models.Group, error)
	ActiveByLeader(ctx context.Context, leaderChatUserID int64) (*models.Group, error)
	MaxNumberInCity(ctx context.Context, city string) (int, error)

	// GetForUpdate locks the group row regardless of its current state.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Group, error)

	// AvailableForUpdate locks the lowest-numbered active, open, non-full
	// group in the city. The caller must still re-verify capacity: the
	// filter and the lock acquisition are not atomic.
	AvailableForUpdate(ctx context.Context, city string) (*models.Group, error)

	UpdateCounts(ctx context.Context, id uuid.UUID, memberCount int, isFull bool) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetChatTitle(ctx context.Context, id uuid.UUID, title string) error
	ActiveGroups(ctx context.Context) ([]models.Group, error)
}

type MembershipRepo interface {
	Create(ctx context.Context, m *models.Membership) error
	ActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Membership, error)

	// ActiveByUserForUpdate locks the user's active membership row, if any,
	// so a concurrent join cannot create a second one.
	ActiveByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Membership, error)
	ActiveByGroupAndUser(ctx context.Context, groupID, userID uuid.UUID) (*models.Membership, error)
	CountActive(ctx context.Context, groupID uuid.UUID) (int, error)
	Close(ctx context.Context, id uuid.UUID, leftAt time.Time) error
	CloseAllForGroup(ctx context.Context, groupID uuid.UUID, leftAt time.Time) error
}

type EnergyRepo interface {
	Create(ctx context.Context, txn *models.EnergyTransaction) error
	ExistsWithDedupKey(ctx context.Context, userID uuid.UUID, key string) (bool, error)

	// ExpiredUnswept lists income rows past expiry and not yet flagged.
	// Already-flagged rows are excluded, which keeps repeated sweeps
	// idempotent.
	ExpiredUnswept(ctx context.Context, now time.Time) ([]models.EnergyTransaction, error)
	MarkExpired(ctx context.Context, ids []uuid.UUID) error
	HistoryByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.EnergyTransaction, error)
}

type ReportRepo interface {
	Create(ctx context.Context, report *models.LeaderReport) error
	GetByGroupAndWeek(ctx context.Context, groupID uuid.UUID, weekStart time.Time) (*models.LeaderReport, error)
}
