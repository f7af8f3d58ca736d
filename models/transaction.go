// models/transaction.go
package models

import "time"

const TransactionTable = "lend_transactions"

type LoanStatus string

const (
	// LoanProvisional marks a checkout whose unit claim has not completed yet.
	LoanProvisional   LoanStatus = "Provisional"
	LoanPending       LoanStatus = "Pending"
	LoanCheckedOut    LoanStatus = "CheckedOut"
	LoanPendingReturn LoanStatus = "PendingReturn"
	LoanOverdue       LoanStatus = "Overdue"
	LoanReturned      LoanStatus = "Returned"
	LoanDenied        LoanStatus = "Denied"
	LoanReserved      LoanStatus = "Reserved"
	LoanCancelled     LoanStatus = "Cancelled"
)

func (s LoanStatus) Terminal() bool {
	return s == LoanReturned || s == LoanDenied || s == LoanCancelled
}

// PossessionStatuses are the states in which the unit is (or is being) handed over.
var PossessionStatuses = []LoanStatus{LoanProvisional, LoanCheckedOut, LoanPendingReturn, LoanOverdue}

// OccupyingStatuses take part in the reservation conflict check.
var OccupyingStatuses = append(append([]LoanStatus{}, PossessionStatuses...), LoanReserved)

// OverdueCandidateStatuses are swept for lateness while not yet marked.
var OverdueCandidateStatuses = []LoanStatus{LoanCheckedOut, LoanPendingReturn}

// CheckinStatuses may be closed by a checkin.
var CheckinStatuses = []LoanStatus{LoanCheckedOut, LoanPendingReturn, LoanOverdue}

func (s LoanStatus) In(set []LoanStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Transaction is one borrow/return or reservation episode.
// ReturnTime is set iff Status == LoanReturned.
type Transaction struct {
	ID          string `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      string `gorm:"type:uuid;index;not null" json:"userId"`
	EquipmentID string `gorm:"type:uuid;index;not null" json:"equipmentId"`
	CreatedBy   string `gorm:"type:uuid" json:"createdBy,omitempty"`

	StartTime          time.Time  `gorm:"not null" json:"startTime"`
	ExpectedReturnTime time.Time  `gorm:"index;not null" json:"expectedReturnTime"`
	CheckoutTime       *time.Time `json:"checkoutTime,omitempty"`
	ReturnTime         *time.Time `json:"returnTime,omitempty"`

	Status          LoanStatus `gorm:"size:20;index;not null" json:"status"`
	OverdueMarkedAt *time.Time `json:"overdueMarkedAt,omitempty"`

	// Set only while Provisional. ProvisionalFrom is the status a repair puts
	// back; empty means the record was created by the saga and is dropped.
	ProvisionalFrom  LoanStatus `gorm:"size:20" json:"-"`
	ProvisionalSince *time.Time `json:"-"`

	Destination     string    `gorm:"size:200;not null" json:"destination"`
	Purpose         string    `gorm:"size:500;not null" json:"purpose"`
	DecisionNote    string    `gorm:"size:500" json:"decisionNote,omitempty"`
	ReturnCondition Condition `gorm:"size:20" json:"returnCondition,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Transaction) TableName() string { return TransactionTable }
