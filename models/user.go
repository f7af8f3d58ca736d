// models/user.go
package models

import "time"

const UserTable = "lend_users"

const (
	MaxResponsibilityScore = 100
	MinResponsibilityScore = 0
)

// User is a borrower or a staff member. Authentication is handled elsewhere;
// this record only carries identity, role and the responsibility score.
type User struct {
	ID                  string  `gorm:"primaryKey;type:uuid" json:"id"`
	Username            string  `gorm:"uniqueIndex;size:255;not null" json:"username"`
	FullName            string  `gorm:"size:255;not null" json:"fullName"`
	Email               string  `gorm:"uniqueIndex;size:255;not null" json:"email"`
	StudentID           *string `gorm:"uniqueIndex;size:64" json:"studentId,omitempty"`
	Role                Role    `gorm:"size:20;index;not null;default:'Student'" json:"role"`
	ResponsibilityScore int     `gorm:"not null" json:"responsibilityScore"`

	LastSeenAt *time.Time `gorm:"index" json:"lastSeenAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (User) TableName() string { return UserTable }

func (u *User) Can(c Capability) bool { return u.Role.Can(c) }

// ClampScore keeps a score inside [0,100].
func ClampScore(s int) int {
	if s > MaxResponsibilityScore {
		return MaxResponsibilityScore
	}
	if s < MinResponsibilityScore {
		return MinResponsibilityScore
	}
	return s
}
