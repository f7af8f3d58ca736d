// app/bootstrap.go
package app

import (
	"context"
	"fmt"
	"strings"

	"equipment_lending/db"
	"equipment_lending/models"

	"github.com/google/uuid"
)

type NewUser struct {
	Username  string
	FullName  string
	Email     string
	StudentID string
	Role      models.Role
}

// CreateUser registers an account directly, for bootstrapping staff before the
// sign-in service knows about them.
func CreateUser(ctx context.Context, repo *db.Repo, in NewUser) (*models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Username == "" || in.Email == "" {
		return nil, fmt.Errorf("username and email are required")
	}
	if in.Role == "" {
		in.Role = models.RoleStudent
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", in.Role)
	}
	if in.FullName == "" {
		in.FullName = in.Username
	}
	u := &models.User{
		ID:       uuid.NewString(),
		Username: in.Username,
		FullName: in.FullName,
		Email:    in.Email,
		Role:     in.Role,

		ResponsibilityScore: models.MaxResponsibilityScore,
	}
	if sid := strings.TrimSpace(in.StudentID); sid != "" {
		u.StudentID = &sid
	}
	if err := repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
