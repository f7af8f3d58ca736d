package db

import (
	"context"
	"equipment_lending/models"
)

func (r *Repo) CreateNotification(ctx context.Context, n *models.Notification) error {
	return r.DB.WithContext(ctx).Create(n).Error
}

func (r *Repo) ListNotifications(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []models.Notification
	err := r.DB.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	res := r.DB.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", id, recipientID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&models.Notification{}).
		Where("recipient_id = ? AND read = ?", recipientID, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}
