package models

import "time"

const AuditLogTable = "lend_audit_log"

// Audit actions written by the lending core and the sweeps.
const (
	AuditLoanRequested       = "LOAN_REQUESTED"
	AuditLoanCheckedOut      = "LOAN_CHECKED_OUT"
	AuditLoanApproved        = "LOAN_APPROVED"
	AuditLoanDenied          = "LOAN_DENIED"
	AuditReturnRequested     = "RETURN_REQUESTED"
	AuditLoanReturned        = "LOAN_RETURNED"
	AuditLoanReserved        = "LOAN_RESERVED"
	AuditLoanCancelled       = "LOAN_CANCELLED"
	AuditReservationPickup   = "RESERVATION_PICKUP"
	AuditLoanOverdue         = "LOAN_OVERDUE"
	AuditIoTOffline          = "IOT_OFFLINE"
	AuditIoTLost             = "IOT_ALERT_LOST"
	AuditIoTRecovered        = "IOT_RECOVERED"
	AuditUnitStatus          = "UNIT_STATUS_CHANGED"
	AuditProvisionalRepaired = "PROVISIONAL_REPAIRED"
	AuditStrandedReleased    = "STRANDED_UNIT_RELEASED"
	AuditRoleChanged         = "USER_ROLE_CHANGED"
	AuditPolicyChanged       = "POLICY_CHANGED"
)

// AuditLog is append-only.
type AuditLog struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Action    string    `gorm:"size:64;index;not null" json:"action"`
	ActorID   string    `gorm:"size:64;index" json:"actorId,omitempty"`
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (AuditLog) TableName() string { return AuditLogTable }
