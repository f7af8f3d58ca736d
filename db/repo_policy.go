package db

import (
	"context"
	"equipment_lending/models"
	"errors"

	"gorm.io/gorm"
)

// Policy returns the stored lending policy, or the defaults when none was saved.
func (r *Repo) Policy(ctx context.Context) (models.LendingPolicy, error) {
	var p models.LendingPolicy
	err := r.DB.WithContext(ctx).Order("id").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultPolicy(), nil
	}
	if err != nil {
		return models.LendingPolicy{}, err
	}
	return p, nil
}

func (r *Repo) SavePolicy(ctx context.Context, p models.LendingPolicy) (models.LendingPolicy, error) {
	var current models.LendingPolicy
	err := r.DB.WithContext(ctx).Order("id").First(&current).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.ID = 0
		if err := r.DB.WithContext(ctx).Create(&p).Error; err != nil {
			return models.LendingPolicy{}, err
		}
		return p, nil
	case err != nil:
		return models.LendingPolicy{}, err
	}
	p.ID = current.ID
	if err := r.DB.WithContext(ctx).Save(&p).Error; err != nil {
		return models.LendingPolicy{}, err
	}
	return p, nil
}
