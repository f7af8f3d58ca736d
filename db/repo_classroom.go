package db

import (
	"context"
	"equipment_lending/models"
	"strings"
)

func (r *Repo) CreateClassroom(ctx context.Context, c *models.Classroom) error {
	return translate(r.DB.WithContext(ctx).Create(c).Error)
}

func (r *Repo) UpdateClassroom(ctx context.Context, id string, name *string, hasScreen *bool) error {
	fields := map[string]any{}
	if name != nil {
		fields["name"] = strings.TrimSpace(*name)
	}
	if hasScreen != nil {
		fields["has_screen"] = *hasScreen
	}
	if len(fields) == 0 {
		return nil
	}
	res := r.DB.WithContext(ctx).Model(&models.Classroom{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) ListClassrooms(ctx context.Context) ([]models.Classroom, error) {
	var out []models.Classroom
	err := r.DB.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

// FindClassroomByName matches case-insensitively on the trimmed name.
func (r *Repo) FindClassroomByName(ctx context.Context, name string) (*models.Classroom, error) {
	var c models.Classroom
	err := r.DB.WithContext(ctx).
		Where("LOWER(name) = ?", strings.ToLower(strings.TrimSpace(name))).
		First(&c).Error
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}
