package db

import (
	"context"
	"equipment_lending/models"
	"fmt"
	"time"
)

// Transactions

func (r *Repo) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if err := r.DB.WithContext(ctx).Create(t).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (r *Repo) FindTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.DB.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

type TransactionFilter struct {
	UserID      string
	EquipmentID string
	Statuses    []models.LoanStatus
	// OverdueUnmarked keeps only records the overdue sweep has not touched.
	OverdueUnmarked bool
	Newest          bool
	Limit           int
	Offset          int
}

func (r *Repo) ListTransactions(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	q := r.DB.WithContext(ctx).Model(&models.Transaction{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.EquipmentID != "" {
		q = q.Where("equipment_id = ?", f.EquipmentID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.OverdueUnmarked {
		q = q.Where("overdue_marked_at IS NULL")
	}
	if f.Newest {
		q = q.Order("created_at DESC")
	} else {
		q = q.Order("start_time ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	var ts []models.Transaction
	if err := q.Find(&ts).Error; err != nil {
		return nil, err
	}
	return ts, nil
}

// UpdateTransaction replaces the mutable fields of t, but only if the stored
// status is still expected. Identity, user and unit never change.
func (r *Repo) UpdateTransaction(ctx context.Context, t *models.Transaction, expected models.LoanStatus) error {
	res := r.DB.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", t.ID, expected).
		Updates(map[string]any{
			"status":               t.Status,
			"start_time":           t.StartTime,
			"expected_return_time": t.ExpectedReturnTime,
			"checkout_time":        t.CheckoutTime,
			"return_time":          t.ReturnTime,
			"overdue_marked_at":    t.OverdueMarkedAt,
			"provisional_from":     t.ProvisionalFrom,
			"provisional_since":    t.ProvisionalSince,
			"destination":          t.Destination,
			"purpose":              t.Purpose,
			"decision_note":        t.DecisionNote,
			"return_condition":     t.ReturnCondition,
		})
	if res.Error != nil {
		return fmt.Errorf("update transaction %s: %w", t.ID, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Transaction{}, t.ID)
	}
	return nil
}

// DeleteTransaction only undoes a record this process created moments ago.
func (r *Repo) DeleteTransaction(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Where("id = ?", id).Delete(&models.Transaction{}).Error
}

// MarkTransactionOverdue sets the overdue marker once. The marker guard makes
// a concurrent second sweep lose even when the status does not change.
func (r *Repo) MarkTransactionOverdue(ctx context.Context, id string, from, to models.LoanStatus, at time.Time) error {
	res := r.DB.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND overdue_marked_at IS NULL", id, from).
		Updates(map[string]any{"status": to, "overdue_marked_at": at})
	if res.Error != nil {
		return fmt.Errorf("mark transaction %s overdue: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.Transaction{}, id)
	}
	return nil
}
