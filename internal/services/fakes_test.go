package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/growthclub/backend/internal/models"
	"github.com/growthclub/backend/internal/repositories"
)

// fakeStore is an in-memory Store. InTx holds the store mutex for the whole
// transaction, which mirrors what row locks give the real implementation:
// transactions touching the same rows execute one after another. Failed
// transactions roll back via a snapshot taken at entry.
type fakeStore struct {
	mu          sync.Mutex
	users       map[uuid.UUID]*models.User
	groups      map[uuid.UUID]*models.Group
	memberships map[uuid.UUID]*models.Membership
	energy      map[uuid.UUID]*models.EnergyTransaction
	reports     map[uuid.UUID]*models.LeaderReport
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[uuid.UUID]*models.User),
		groups:      make(map[uuid.UUID]*models.Group),
		memberships: make(map[uuid.UUID]*models.Membership),
		energy:      make(map[uuid.UUID]*models.EnergyTransaction),
		reports:     make(map[uuid.UUID]*models.LeaderReport),
	}
}

func (s *fakeStore) Users() repositories.UserRepo             { return &fakeUserRepo{s: s, autoLock: true} }
func (s *fakeStore) Groups() repositories.GroupRepo           { return &fakeGroupRepo{s: s, autoLock: true} }
func (s *fakeStore) Memberships() repositories.MembershipRepo { return &fakeMembershipRepo{s: s, autoLock: true} }
func (s *fakeStore) Energy() repositories.EnergyRepo          { return &fakeEnergyRepo{s: s, autoLock: true} }
func (s *fakeStore) Reports() repositories.ReportRepo         { return &fakeReportRepo{s: s, autoLock: true} }

func (s *fakeStore) InTx(ctx context.Context, fn func(tx repositories.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	err := fn(&fakeTxRepos{s: s})
	if err != nil {
		s.restore(snap)
	}
	return err
}

type fakeSnapshot struct {
	users       map[uuid.UUID]models.User
	groups      map[uuid.UUID]models.Group
	memberships map[uuid.UUID]models.Membership
	energy      map[uuid.UUID]models.EnergyTransaction
	reports     map[uuid.UUID]models.LeaderReport
}

func (s *fakeStore) snapshot() fakeSnapshot {
	snap := fakeSnapshot{
		users:       make(map[uuid.UUID]models.User, len(s.users)),
		groups:      make(map[uuid.UUID]models.Group, len(s.groups)),
		memberships: make(map[uuid.UUID]models.Membership, len(s.memberships)),
		energy:      make(map[uuid.UUID]models.EnergyTransaction, len(s.energy)),
		reports:     make(map[uuid.UUID]models.LeaderReport, len(s.reports)),
	}
	for id, u := range s.users {
		snap.users[id] = *u
	}
	for id, g := range s.groups {
		snap.groups[id] = *g
	}
	for id, m := range s.memberships {
		snap.memberships[id] = *m
	}
	for id, e := range s.energy {
		snap.energy[id] = *e
	}
	for id, r := range s.reports {
		snap.reports[id] = *r
	}
	return snap
}

func (s *fakeStore) restore(snap fakeSnapshot) {
	s.users = make(map[uuid.UUID]*models.User, len(snap.users))
	for id, u := range snap.users {
		u := u
		s.users[id] = &u
	}
	s.groups = make(map[uuid.UUID]*models.Group, len(snap.groups))
	for id, g := range snap.groups {
		g := g
		s.groups[id] = &g
	}
	s.memberships = make(map[uuid.UUID]*models.Membership, len(snap.memberships))
	for id, m := range snap.memberships {
		m := m
		s.memberships[id] = &m
	}
	s.energy = make(map[uuid.UUID]*models.EnergyTransaction, len(snap.energy))
	for id, e := range snap.energy {
		e := e
		s.energy[id] = &e
	}
	s.reports = make(map[uuid.UUID]*models.LeaderReport, len(snap.reports))
	for id, r := range snap.reports {
		r := r
		s.reports[id] = &r
	}
}

// fakeTxRepos hands out repos that assume the store mutex is already held.
type fakeTxRepos struct {
	s *fakeStore
}

func (r *fakeTxRepos) Users() repositories.UserRepo             { return &fakeUserRepo{s: r.s} }
func (r *fakeTxRepos) Groups() repositories.GroupRepo           { return &fakeGroupRepo{s: r.s} }
func (r *fakeTxRepos) Memberships() repositories.MembershipRepo { return &fakeMembershipRepo{s: r.s} }
func (r *fakeTxRepos) Energy() repositories.EnergyRepo          { return &fakeEnergyRepo{s: r.s} }
func (r *fakeTxRepos) Reports() repositories.ReportRepo         { return &fakeReportRepo{s: r.s} }

func errDuplicateKey(index string) error {
	return errors.New("duplicate key value violates unique constraint \"" + index + "\"")
}

func lockIfNeeded(s *fakeStore, autoLock bool) func() {
	if !autoLock {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// ---------------------------------------------------------------------------
// Users

type fakeUserRepo struct {
	s        *fakeStore
	autoLock bool
}

func (r *fakeUserRepo) Create(ctx context.Context, user *models.User) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	for _, u := range r.s.users {
		if u.ChatUserID == user.ChatUserID {
			return errDuplicateKey("idx_users_chat_user_id")
		}
	}
	cp := *user
	r.s.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	if u, ok := r.s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeUserRepo) GetByChatUserID(ctx context.Context, chatUserID int64) (*models.User, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, u := range r.s.users {
		if u.ChatUserID == chatUserID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeUserRepo) UpdateEnergy(ctx context.Context, id uuid.UUID, energy int) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if u, ok := r.s.users[id]; ok {
		u.Energy = energy
	}
	return nil
}

func (r *fakeUserRepo) SetPro(ctx context.Context, id uuid.UUID, isPro bool) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if u, ok := r.s.users[id]; ok {
		u.IsPro = isPro
	}
	return nil
}

func (r *fakeUserRepo) ExpiredPro(ctx context.Context, now time.Time) ([]models.User, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	var out []models.User
	for _, u := range r.s.users {
		if u.IsPro && u.SubscriptionExpires != nil && u.SubscriptionExpires.Before(now) {
			out = append(out, *u)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Groups

type fakeGroupRepo struct {
	s        *fakeStore
	autoLock bool
}

func (r *fakeGroupRepo) Create(ctx context.Context, group *models.Group) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	for _, g := range r.s.groups {
		if g.City == group.City && g.Number == group.Number {
			return errDuplicateKey("idx_groups_city_number")
		}
		if g.ChatRef == group.ChatRef {
			return errDuplicateKey("idx_groups_chat_ref")
		}
	}
	cp := *group
	r.s.groups[group.ID] = &cp
	return nil
}

func (r *fakeGroupRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	if g, ok := r.s.groups[id]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeGroupRepo) GetByChatRef(ctx context.Context, chatRef int64) (*models.Group, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, g := range r.s.groups {
		if g.ChatRef == chatRef {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeGroupRepo) ActiveByLeader(ctx context.Context, leaderChatUserID int64) (*models.Group, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, g := range r.s.groups {
		if g.LeaderChatUserID == leaderChatUserID && g.IsActive {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeGroupRepo) MaxNumberInCity(ctx context.Context, city string) (int, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	max := 0
	for _, g := range r.s.groups {
		if g.City == city && g.Number > max {
			max = g.Number
		}
	}
	return max, nil
}

func (r *fakeGroupRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeGroupRepo) AvailableForUpdate(ctx context.Context, city string) (*models.Group, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	var best *models.Group
	for _, g := range r.s.groups {
		if g.City != city || !g.IsActive || g.IsFull || !g.OpenForAllocation || g.MemberCount >= g.Capacity {
			continue
		}
		if best == nil || g.Number < best.Number {
			best = g
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *fakeGroupRepo) UpdateCounts(ctx context.Context, id uuid.UUID, memberCount int, isFull bool) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if g, ok := r.s.groups[id]; ok {
		g.MemberCount = memberCount
		g.IsFull = isFull
	}
	return nil
}

func (r *fakeGroupRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if g, ok := r.s.groups[id]; ok {
		g.IsActive = active
	}
	return nil
}

func (r *fakeGroupRepo) SetChatTitle(ctx context.Context, id uuid.UUID, title string) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if g, ok := r.s.groups[id]; ok {
		g.ChatTitle = title
	}
	return nil
}

func (r *fakeGroupRepo) ActiveGroups(ctx context.Context) ([]models.Group, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	var out []models.Group
	for _, g := range r.s.groups {
		if g.IsActive {
			out = append(out, *g)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Memberships

type fakeMembershipRepo struct {
	s        *fakeStore
	autoLock bool
}

func (r *fakeMembershipRepo) Create(ctx context.Context, m *models.Membership) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	cp := *m
	r.s.memberships[m.ID] = &cp
	return nil
}

func (r *fakeMembershipRepo) ActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Membership, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, m := range r.s.memberships {
		if m.UserID == userID && m.LeftAt == nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMembershipRepo) ActiveByUserForUpdate(ctx context.Context, userID uuid.UUID) (*models.Membership, error) {
	return r.ActiveByUser(ctx, userID)
}

func (r *fakeMembershipRepo) ActiveByGroupAndUser(ctx context.Context, groupID, userID uuid.UUID) (*models.Membership, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, m := range r.s.memberships {
		if m.GroupID == groupID && m.UserID == userID && m.LeftAt == nil {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMembershipRepo) CountActive(ctx context.Context, groupID uuid.UUID) (int, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	count := 0
	for _, m := range r.s.memberships {
		if m.GroupID == groupID && m.LeftAt == nil {
			count++
		}
	}
	return count, nil
}

func (r *fakeMembershipRepo) Close(ctx context.Context, id uuid.UUID, leftAt time.Time) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if m, ok := r.s.memberships[id]; ok && m.LeftAt == nil {
		t := leftAt
		m.LeftAt = &t
	}
	return nil
}

func (r *fakeMembershipRepo) CloseAllForGroup(ctx context.Context, groupID uuid.UUID, leftAt time.Time) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, m := range r.s.memberships {
		if m.GroupID == groupID && m.LeftAt == nil {
			t := leftAt
			m.LeftAt = &t
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Energy ledger

type fakeEnergyRepo struct {
	s        *fakeStore
	autoLock bool
}

func (r *fakeEnergyRepo) Create(ctx context.Context, txn *models.EnergyTransaction) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	cp := *txn
	r.s.energy[txn.ID] = &cp
	return nil
}

func (r *fakeEnergyRepo) ExistsWithDedupKey(ctx context.Context, userID uuid.UUID, key string) (bool, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	needle := "\"dedup_key\":\"" + key + "\""
	for _, e := range r.s.energy {
		if e.UserID == userID && strings.Contains(string(e.Metadata), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeEnergyRepo) ExpiredUnswept(ctx context.Context, now time.Time) ([]models.EnergyTransaction, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	var out []models.EnergyTransaction
	for _, e := range r.s.energy {
		if e.Type == models.EnergyIncome && !e.IsExpired && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeEnergyRepo) MarkExpired(ctx context.Context, ids []uuid.UUID) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, id := range ids {
		if e, ok := r.s.energy[id]; ok {
			e.IsExpired = true
		}
	}
	return nil
}

func (r *fakeEnergyRepo) HistoryByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.EnergyTransaction, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	var out []models.EnergyTransaction
	for _, e := range r.s.energy {
		if e.UserID == userID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Leader reports

type fakeReportRepo struct {
	s        *fakeStore
	autoLock bool
}

func (r *fakeReportRepo) Create(ctx context.Context, report *models.LeaderReport) error {
	defer lockIfNeeded(r.s, r.autoLock)()
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	for _, existing := range r.s.reports {
		if existing.GroupID == report.GroupID && existing.WeekStart.Equal(report.WeekStart) {
			return errDuplicateKey("idx_reports_group_week")
		}
	}
	cp := *report
	r.s.reports[report.ID] = &cp
	return nil
}

func (r *fakeReportRepo) GetByGroupAndWeek(ctx context.Context, groupID uuid.UUID, weekStart time.Time) (*models.LeaderReport, error) {
	defer lockIfNeeded(r.s, r.autoLock)()
	for _, report := range r.s.reports {
		if report.GroupID == groupID && report.WeekStart.Equal(weekStart) {
			cp := *report
			return &cp, nil
		}
	}
	return nil, nil
}

// recordingGateway captures chat side effects for assertions.
type recordingGateway struct {
	mu       sync.Mutex
	banned   []int64
	unbanned []int64
	messages []string
	invite   string
	fail     bool
}

func (g *recordingGateway) CreateInviteLink(_ context.Context, chatRef int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return "", errors.New("gateway down")
	}
	if g.invite == "" {
		g.invite = "https://chat.invite/abc"
	}
	return g.invite, nil
}

func (g *recordingGateway) BanChatMember(_ context.Context, chatRef, chatUserID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("gateway down")
	}
	g.banned = append(g.banned, chatUserID)
	return nil
}

func (g *recordingGateway) UnbanChatMember(_ context.Context, chatRef, chatUserID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("gateway down")
	}
	g.unbanned = append(g.unbanned, chatUserID)
	return nil
}

func (g *recordingGateway) SendMessage(_ context.Context, chatUserID int64, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("gateway down")
	}
	g.messages = append(g.messages, text)
	return nil
}
