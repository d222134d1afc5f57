package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/models"
	"github.com/growthclub/backend/internal/pkg/retry"
)

var (
	ErrNoActiveGroup       = errors.New("no active group led by this user")
	ErrReportWindowClosed  = errors.New("reports are accepted Friday through Sunday")
	ErrReportAlreadySent   = errors.New("report for this week already submitted")
	ErrProblemDescRequired = errors.New("problem report requires a description")
)

// SubmitLeaderReport records the weekly group report. One report per group
// per week, enforced both by a pre-check and by the unique index on
// (group_id, week_start); the window is Friday through Sunday.
func (s *AllocatorService) SubmitLeaderReport(ctx context.Context, leaderChatUserID int64, status, problemDescription string) (*models.LeaderReport, error) {
	group, err := s.store.Groups().ActiveByLeader(ctx, leaderChatUserID)
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}
	if group == nil {
		return nil, ErrNoActiveGroup
	}

	now := s.now().UTC()
	if !reportWindowOpen(now) {
		return nil, ErrReportWindowClosed
	}
	if status == models.ReportStatusProblem && strings.TrimSpace(problemDescription) == "" {
		return nil, ErrProblemDescRequired
	}

	weekStart, weekNumber, year := weekInfo(now)

	existing, err := s.store.Reports().GetByGroupAndWeek(ctx, group.ID, weekStart)
	if err != nil {
		return nil, fmt.Errorf("check existing report: %w", err)
	}
	if existing != nil {
		return nil, ErrReportAlreadySent
	}

	report := &models.LeaderReport{
		GroupID:            group.ID,
		LeaderUserID:       group.LeaderUserID,
		WeekStart:          weekStart,
		WeekNumber:         weekNumber,
		Year:               year,
		Status:             status,
		ProblemDescription: strings.TrimSpace(problemDescription),
		SubmittedAt:        now,
	}
	if err := s.store.Reports().Create(ctx, report); err != nil {
		// A concurrent submission hit the unique index first.
		if retry.IsConflict(err) {
			return nil, ErrReportAlreadySent
		}
		return nil, fmt.Errorf("save report: %w", err)
	}

	s.logger.Info("leader report submitted",
		zap.String("group_id", group.ID.String()),
		zap.Int("week", weekNumber),
		zap.String("status", status))
	return report, nil
}

// HasReportedThisWeek tells the reminder cron whether to nag the leader.
func (s *AllocatorService) HasReportedThisWeek(ctx context.Context, group *models.Group) (bool, error) {
	weekStart, _, _ := weekInfo(s.now().UTC())
	report, err := s.store.Reports().GetByGroupAndWeek(ctx, group.ID, weekStart)
	if err != nil {
		return false, err
	}
	return report != nil, nil
}

// GroupsMissingReport lists active groups with no report for the current
// week, for the reminder cron.
func (s *AllocatorService) GroupsMissingReport(ctx context.Context) ([]models.Group, error) {
	groups, err := s.store.Groups().ActiveGroups(ctx)
	if err != nil {
		return nil, err
	}
	var missing []models.Group
	for _, g := range groups {
		reported, err := s.HasReportedThisWeek(ctx, &g)
		if err != nil {
			return nil, err
		}
		if !reported {
			missing = append(missing, g)
		}
	}
	return missing, nil
}

// weekInfo returns Monday 00:00 UTC of t's week plus the ISO week number
// and year.
func weekInfo(t time.Time) (time.Time, int, int) {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -(weekday - 1))
	year, week := t.ISOWeek()
	return monday, week, year
}

func reportWindowOpen(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Friday, time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}
