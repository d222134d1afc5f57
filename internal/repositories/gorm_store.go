package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/growthclub/backend/internal/models"
)

// GormStore is the Postgres-backed Store. FOR UPDATE variants use
// clause.Locking and must run inside InTx; gorm releases the lock when the
// wrapping transaction commits or rolls back.
type GormStore struct {
	gormRepos
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormRepos{db: db}}
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx Repos) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepos{db: tx})
	})
}

type gormRepos struct {
	db *gorm.DB
}

func (r *gormRepos) Users() UserRepo             { return &gormUserRepo{db: r.db} }
func (r *gormRepos) Groups() GroupRepo           { return &gormGroupRepo{db: r.db} }
func (r *gormRepos) Memberships() MembershipRepo { return &gormMembershipRepo{db: r.db} }
func (r *gormRepos) Energy() EnergyRepo          { return &gormEnergyRepo{db: r.db} }
func (r *gormRepos) Reports() ReportRepo         { return &gormReportRepo{db: r.db} }

// firstOrNil maps gorm's record-not-found to (nil, nil).
func firstOrNil[T any](err error, out *T) (*T, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// ---------------------------------------------------------------------------
// Users

type gormUserRepo struct {
	db *gorm.DB
}

func (r *gormUserRepo) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *gormUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	return firstOrNil(err, &user)
}

func (r *gormUserRepo) GetByChatUserID(ctx context.Context, chatUserID int64) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "chat_user_id = ?", chatUserID).Error
	return firstOrNil(err, &user)
}

func (r *gormUserRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Clauses(forUpdate).First(&user, "id = ?", id).Error
	return firstOrNil(err, &user)
}

func (r *gormUserRepo) UpdateEnergy(ctx context.Context, id uuid.UUID, energy int) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("energy", energy).Error
}

func (r *gormUserRepo) SetPro(ctx context.Context, id uuid.UUID, isPro bool) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("is_pro", isPro).Error
}

func (r *gormUserRepo) ExpiredPro(ctx context.Context, now time.Time) ([]models.User, error) {
	var users []models.User
	err := r.db.WithContext(ctx).
		Where("is_pro = true AND subscription_expires IS NOT NULL AND subscription_expires < ?", now).
		Find(&users).Error
	return users, err
}

// ---------------------------------------------------------------------------
// Groups

type gormGroupRepo struct {
	db *gorm.DB
}

func (r *gormGroupRepo) Create(ctx context.Context, group *models.Group) error {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(group).Error
}

func (r *gormGroupRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).First(&group, "id = ?", id).Error
	return firstOrNil(err, &group)
}

func (r *gormGroupRepo) GetByChatRef(ctx context.Context, chatRef int64) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).First(&group, "chat_ref = ?", chatRef).Error
	return firstOrNil(err, &group)
}

func (r *gormGroupRepo) ActiveByLeader(ctx context.Context, leaderChatUserID int64) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).
		Where("leader_chat_user_id = ? AND is_active = true", leaderChatUserID).
		First(&group).Error
	return firstOrNil(err, &group)
}

func (r *gormGroupRepo) MaxNumberInCity(ctx context.Context, city string) (int, error) {
	var max int
	err := r.db.WithContext(ctx).Model(&models.Group{}).
		Where("city = ?", city).
		Select("COALESCE(MAX(number), 0)").
		Scan(&max).Error
	return max, err
}

func (r *gormGroupRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).Clauses(forUpdate).First(&group, "id = ?", id).Error
	return firstOrNil(err, &group)
}

func (r *gormGroupRepo) AvailableForUpdate(ctx context.Context, city string) (*models.Group, error) {
	var group models.Group
	err := r.db.WithContext(ctx).Clauses(forUpdate).
		Where("city = ? AND is_active = true AND is_full = false AND open_for_allocation = true AND member_count < capacity", city).
		Order("number").
		First(&group).Error
	return firstOrNil(err, &group)
}

func (r *gormGroupRepo) UpdateCounts(ctx context.Context, id uuid.UUID, memberCount int, isFull bool) error {
	return r.db.WithContext(ctx).Model(&models.Group{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"member_count": memberCount,
			"is_full":      isFull,
			"updated_at":   time.Now(),
		}).Error
}

func (r *gormGroupRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Group{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_active":  active,
			"updated_at": time.Now(),
		}).Error
}

func (r *gormGroupRepo) SetChatTitle(ctx context.Context, id uuid.UUID, title string) error {
	return r.db.WithContext(ctx).Model(&models.Group{}).
		Where("id = ?", id).
		Update("chat_title", title).Error
}

func (r *gormGroupRepo) ActiveGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.WithContext(ctx).
		Where("is_active = true").
		Order("city, number").
		Find(&groups).Error
	return groups, err
}

// ---------------------------------------------------------------------------
// Memberships

type gormMembershipRepo struct {
	db *gorm.DB
}

func (r *gormMembershipRepo) Create(ctx context.Context, m *models.Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *gormMembershipRepo) ActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND left_at IS NULL", userID).
		First(&m).Error
	return firstOrNil(err, &m)
}

func (r *gormMembershipRepo) ActiveByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).Clauses(forUpdate).
		Where("user_id = ? AND left_at IS NULL", userID).
		First(&m).Error
	return firstOrNil(err, &m)
}

func (r *gormMembershipRepo) ActiveByGroupAndUser(ctx context.Context, groupID, userID uuid.UUID) (*models.Membership, error) {
	var m models.Membership
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ? AND left_at IS NULL", groupID, userID).
		First(&m).Error
	return firstOrNil(err, &m)
}

func (r *gormMembershipRepo) CountActive(ctx context.Context, groupID uuid.UUID) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND left_at IS NULL", groupID).
		Count(&count).Error
	return int(count), err
}

func (r *gormMembershipRepo) Close(ctx context.Context, id uuid.UUID, leftAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("id = ? AND left_at IS NULL", id).
		Update("left_at", leftAt).Error
}

func (r *gormMembershipRepo) CloseAllForGroup(ctx context.Context, groupID uuid.UUID, leftAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Membership{}).
		Where("group_id = ? AND left_at IS NULL", groupID).
		Update("left_at", leftAt).Error
}

// ---------------------------------------------------------------------------
// Energy ledger

type gormEnergyRepo struct {
	db *gorm.DB
}

func (r *gormEnergyRepo) Create(ctx context.Context, txn *models.EnergyTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *gormEnergyRepo) ExistsWithDedupKey(ctx context.Context, userID uuid.UUID, key string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.EnergyTransaction{}).
		Where("user_id = ? AND metadata->>'dedup_key' = ?", userID, key).
		Count(&count).Error
	return count > 0, err
}

func (r *gormEnergyRepo) ExpiredUnswept(ctx context.Context, now time.Time) ([]models.EnergyTransaction, error) {
	var txns []models.EnergyTransaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND is_expired = false AND expires_at IS NOT NULL AND expires_at < ?",
			models.EnergyIncome, now).
		Find(&txns).Error
	return txns, err
}

func (r *gormEnergyRepo) MarkExpired(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.EnergyTransaction{}).
		Where("id IN ?", ids).
		Update("is_expired", true).Error
}

func (r *gormEnergyRepo) HistoryByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.EnergyTransaction, error) {
	var txns []models.EnergyTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// ---------------------------------------------------------------------------
// Leader reports

type gormReportRepo struct {
	db *gorm.DB
}

func (r *gormReportRepo) Create(ctx context.Context, report *models.LeaderReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.SubmittedAt.IsZero() {
		report.SubmittedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(report).Error
}

func (r *gormReportRepo) GetByGroupAndWeek(ctx context.Context, groupID uuid.UUID, weekStart time.Time) (*models.LeaderReport, error) {
	var report models.LeaderReport
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND week_start = ?", groupID, weekStart).
		First(&report).Error
	return firstOrNil(err, &report)
}
