package models

import "time"

const NotificationTable = "lend_notifications"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notification struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	RecipientID string    `gorm:"type:uuid;index;not null" json:"recipientId"`
	Title       string    `gorm:"size:200;not null" json:"title"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	Severity    Severity  `gorm:"size:20;not null;default:'info'" json:"type"`
	RelatedID   string    `gorm:"size:64" json:"relatedId,omitempty"`
	Read        bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Notification) TableName() string { return NotificationTable }
