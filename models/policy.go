package models

import "time"

const PolicyTable = "lend_policy"

// LendingPolicy is the single row of tunable borrowing rules.
type LendingPolicy struct {
	ID                     uint      `gorm:"primaryKey" json:"-"`
	MaxLoanHours           int       `gorm:"not null;default:24" json:"maxLoanHours"`
	LatePenaltyPerDay      int       `gorm:"not null;default:5" json:"latePenaltyPerDay"`
	OverdueSweepPenalty    int       `gorm:"not null;default:2" json:"overdueSweepPenalty"`
	PresenceTimeoutMinutes int       `gorm:"not null;default:5" json:"presenceTimeoutMinutes"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

func (LendingPolicy) TableName() string { return PolicyTable }

func DefaultPolicy() LendingPolicy {
	return LendingPolicy{
		MaxLoanHours:           24,
		LatePenaltyPerDay:      5,
		OverdueSweepPenalty:    2,
		PresenceTimeoutMinutes: 5,
	}
}

func (p LendingPolicy) MaxLoanDuration() time.Duration {
	return time.Duration(p.MaxLoanHours) * time.Hour
}

func (p LendingPolicy) PresenceTimeout() time.Duration {
	return time.Duration(p.PresenceTimeoutMinutes) * time.Minute
}
