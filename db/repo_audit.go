package db

import (
	"context"
	"equipment_lending/models"
	"fmt"

	"github.com/google/uuid"
)

func (r *Repo) AppendAudit(ctx context.Context, action, actorID, detail string) error {
	entry := &models.AuditLog{
		ID:      uuid.NewString(),
		Action:  action,
		ActorID: actorID,
		Detail:  detail,
	}
	if err := r.DB.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *Repo) ListAudit(ctx context.Context, action string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := r.DB.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var out []models.AuditLog
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
