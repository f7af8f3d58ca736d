package db

import (
	"context"
	"equipment_lending/models"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

type Repo struct{ DB *gorm.DB }

func NewRepo(db *gorm.DB) *Repo { return &Repo{DB: db} }

// Users

func (r *Repo) CreateUser(ctx context.Context, u *models.User) error {
	if u.Role == "" {
		u.Role = models.RoleStudent
	}
	return translate(r.DB.WithContext(ctx).Create(u).Error)
}

func (r *Repo) TouchUserSeen(ctx context.Context, userID string, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("last_seen_at", at).Error
}

// 按 ID 查
func (r *Repo) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *Repo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := r.DB.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *Repo) FindUserByStudentID(ctx context.Context, studentID string) (*models.User, error) {
	var u models.User
	if err := r.DB.WithContext(ctx).Where("student_id = ?", studentID).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// 列表（分页 + 关键词，关键词匹配用户名/姓名/邮箱）
type ListUsersResult struct {
	Users []models.User `json:"users"`
	Total int64         `json:"total"`
}

func (r *Repo) ListUsers(ctx context.Context, q string, page, size int) (ListUsersResult, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}

	tx := r.DB.WithContext(ctx).Model(&models.User{})
	if q = strings.TrimSpace(q); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		tx = tx.Where("LOWER(username) LIKE ? OR LOWER(full_name) LIKE ? OR LOWER(email) LIKE ?", like, like, like)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return ListUsersResult{}, err
	}

	var users []models.User
	if err := tx.
		Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&users).Error; err != nil {
		return ListUsersResult{}, err
	}
	return ListUsersResult{Users: users, Total: total}, nil
}

func (r *Repo) ListUsersByRoles(ctx context.Context, roles []models.Role) ([]models.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	var users []models.User
	err := r.DB.WithContext(ctx).Where("role IN ?", roles).Order("created_at").Find(&users).Error
	return users, err
}

func (r *Repo) SetUserRole(ctx context.Context, userID string, role models.Role) error {
	res := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) CountUsersWithRole(ctx context.Context, role models.Role) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ?", role).
		Count(&n).Error
	return n, err
}

// CompareAndSetScore writes next only if the stored score is still prev.
func (r *Repo) CompareAndSetScore(ctx context.Context, userID string, prev, next int) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND responsibility_score = ?", userID, prev).
		Update("responsibility_score", next)
	if res.Error != nil {
		return fmt.Errorf("update score: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.staleOrMissing(ctx, &models.User{}, userID)
	}
	return nil
}

// staleOrMissing tells a lost CAS apart from an unknown id.
func (r *Repo) staleOrMissing(ctx context.Context, model any, id string) error {
	var n int64
	if err := r.DB.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStale
}
