package models

import (
	"time"

	"github.com/google/uuid"
)

// Report status values.
const (
	ReportStatusOK      = "ok"
	ReportStatusProblem = "problem"
)

// LeaderReport 组长每周状态报告，每组每周最多一条
type LeaderReport struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	LeaderUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"leader_user_id"`
	GroupID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_reports_group_week" json:"group_id"`

	WeekStart  time.Time `gorm:"not null;uniqueIndex:idx_reports_group_week" json:"week_start"`
	WeekNumber int       `gorm:"not null" json:"week_number"`
	Year       int       `gorm:"not null" json:"year"`

	Status             string `gorm:"not null" json:"status"` // ok, problem
	ProblemDescription string `json:"problem_description"`

	SubmittedAt time.Time `gorm:"not null" json:"submitted_at"`
}

func (LeaderReport) TableName() string {
	return "leader_reports"
}
