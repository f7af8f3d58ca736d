package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"equipment_lending/db"
	"equipment_lending/models"
	"equipment_lending/session"

	"github.com/gin-gonic/gin"
)

const AppSessionCookie = "app_session"

const userKey = "user"

// UserFinder loads the account behind a session.
type UserFinder interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
}

// sessionID takes the cookie first, then a Bearer token.
func sessionID(c *gin.Context) string {
	if ck, err := c.Request.Cookie(AppSessionCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func AuthRequired(sessions session.Reader, users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := sessionID(c)
		if sid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "unauthorized", "code": "UNAUTHORIZED"})
			return
		}
		as, err := sessions.Get(c.Request.Context(), sid)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "invalid session", "code": "UNAUTHORIZED"})
			return
		}

		// 确认用户仍存在（只查一次）
		u, err := users.FindUserByID(c.Request.Context(), as.UserID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				_ = sessions.Delete(c.Request.Context(), sid)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "unauthorized", "code": "UNAUTHORIZED"})
			return
		}
		c.Set(userKey, u)
		c.Next()
	}
}

// CurrentUser returns the user set by AuthRequired, or nil.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(userKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}

// RequireCapability must run after AuthRequired.
func RequireCapability(cp models.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := CurrentUser(c)
		if u == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "unauthorized", "code": "UNAUTHORIZED"})
			return
		}
		if !u.Can(cp) {
			c.AbortWithStatusJSON(http.StatusForbidden, H{"error": "forbidden", "code": "FORBIDDEN"})
			return
		}
		c.Next()
	}
}

// DeviceKey guards the tracker endpoint with a shared X-API-Key.
func DeviceKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, H{"error": "invalid device key", "code": "UNAUTHORIZED"})
			return
		}
		c.Next()
	}
}
