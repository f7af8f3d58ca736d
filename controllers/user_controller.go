package controllers

import (
	"net/http"

	"equipment_lending/app"
	"equipment_lending/apperrors"
	"equipment_lending/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type UserController struct{ *Srv }

func NewUserController(s *Srv) *UserController { return &UserController{Srv: s} }

// GET /api/me
func (uc *UserController) Me(c *gin.Context) {
	u := me(c)
	caps := []models.Capability{}
	for _, cp := range models.AllCapabilities {
		if u.Can(cp) {
			caps = append(caps, cp)
		}
	}
	c.JSON(http.StatusOK, app.H{"user": u, "capabilities": caps})
}

// POST /api/logout
func (uc *UserController) Logout(c *gin.Context) {
	if ck, err := c.Request.Cookie(app.AppSessionCookie); err == nil && ck.Value != "" {
		_ = uc.Sessions.Delete(c.Request.Context(), ck.Value)
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     app.AppSessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   uc.Cfg.Production(),
	})
	c.JSON(http.StatusOK, app.H{"ok": true})
}

// GET /api/users?q=alice&page=1&size=20
func (uc *UserController) ListUsers(c *gin.Context) {
	res, err := uc.Repo.ListUsers(c.Request.Context(), c.Query("q"), queryInt(c, "page", 1), queryInt(c, "size", 20))
	if err != nil {
		uc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{
		"total": res.Total,
		"users": res.Users,
	})
}

// GET /api/users/:id
func (uc *UserController) GetUser(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		uc.fail(c, apperrors.Validation("invalid user id"))
		return
	}
	user, err := uc.Repo.FindUserByID(c.Request.Context(), id)
	if err != nil {
		uc.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"user": user})
}

type roleIn struct {
	Role models.Role `json:"role" binding:"required"`
}

// PUT /api/users/:id/role
func (uc *UserController) SetRole(c *gin.Context) {
	var in roleIn
	if !uc.bind(c, &in) {
		return
	}
	if !in.Role.Valid() {
		uc.fail(c, apperrors.Validation("unknown role %q", in.Role))
		return
	}
	id := c.Param("id")
	// 不允许修改自己，避免锁死
	if id == me(c).ID {
		uc.fail(c, apperrors.Validation("cannot change your own role"))
		return
	}
	ctx := c.Request.Context()
	target, err := uc.Repo.FindUserByID(ctx, id)
	if err != nil {
		uc.fail(c, err)
		return
	}
	if target.Role == models.RoleAdmin && in.Role != models.RoleAdmin {
		n, err := uc.Repo.CountUsersWithRole(ctx, models.RoleAdmin)
		if err != nil {
			uc.fail(c, err)
			return
		}
		if n <= 1 {
			uc.fail(c, apperrors.Conflict(apperrors.ReasonWrongState, "cannot demote the last admin"))
			return
		}
	}
	if err := uc.Repo.SetUserRole(ctx, id, in.Role); err != nil {
		uc.fail(c, err)
		return
	}
	// 角色变化后撤销该用户的所有会话
	if err := uc.Sessions.RevokeAllForUser(ctx, id); err != nil {
		uc.Log.Warn("revoke sessions", zap.String("user", id), zap.Error(err))
	}
	_ = uc.Repo.AppendAudit(ctx, models.AuditRoleChanged, me(c).ID, id+" -> "+string(in.Role))
	c.JSON(http.StatusOK, app.H{"ok": true})
}
